package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/cost"
	"github.com/JakeFAU/corpus-jobs/internal/metrics"
	"github.com/JakeFAU/corpus-jobs/internal/middleware"
	"github.com/JakeFAU/corpus-jobs/internal/progress"
	"github.com/JakeFAU/corpus-jobs/internal/runner"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readyTimeout          = 2 * time.Second
)

// Jobs is the control surface the handlers drive. *runner.Manager
// implements it.
type Jobs interface {
	Start(ctx context.Context, jobType store.JobType, params json.RawMessage) (store.Record, error)
	Resume(ctx context.Context, id string) (store.Record, error)
	Pause(ctx context.Context, id string) (store.Record, error)
	Cancel(ctx context.Context, id string) (store.Record, error)
	Status(ctx context.Context, id string) (store.Record, error)
	Stream(ctx context.Context, id string) (progress.Snapshot, *progress.Subscription, error)
	ListJobs(ctx context.Context, jobType store.JobType, limit int) ([]store.Record, error)
	GetResumable(ctx context.Context, jobType store.JobType) (store.Record, error)
	Estimate(ctx context.Context, jobType store.JobType, count int64, model string) (cost.Estimate, error)
}

var _ Jobs = (*runner.Manager)(nil)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Options configures the Server.
type Options struct {
	// APIKey enables key authentication for every route but the probes.
	APIKey         string
	RequestTimeout time.Duration
	// KeepAlive is the interval of SSE comments and websocket pings on idle
	// streams.
	KeepAlive   time.Duration
	ReadyChecks map[string]ReadyCheck
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the job manager.
type Server struct {
	router chi.Router
	jobs   Jobs
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs Jobs, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	s := &Server{jobs: jobs, opts: opts, logger: opts.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Recover(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(middleware.APIKey(opts.APIKey))
		}
		// Streams stay open for the whole run.
		r.Get("/jobs/{job}/events", s.streamSSE)
		r.Get("/jobs/{job}/ws", s.streamWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/resumable", s.getResumable)
			// POST names a job type, every other method a job id.
			r.Post("/jobs/{job}", s.startJob)
			r.Get("/jobs/{job}", s.getJob)
			r.Post("/jobs/{job}/pause", s.pauseJob)
			r.Post("/jobs/{job}/resume", s.resumeJob)
			r.Post("/jobs/{job}/cancel", s.cancelJob)
			r.Get("/estimate/{job}", s.estimate)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.opts.ReadyChecks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("checks", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps control surface errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, runner.ErrUnknownJobType), errors.Is(err, runner.ErrInvalidParams),
		errors.Is(err, store.ErrInvalidRecord), errors.Is(err, cost.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
