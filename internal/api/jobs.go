package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

const (
	jobParam        = "job"
	defaultJobLimit = 50
	maxJobLimit     = 500
	maxParamsBytes  = 1 << 20
)

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	jobType, err := store.ParseJobType(chi.URLParam(r, jobParam))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params, err := io.ReadAll(io.LimitReader(r.Body, maxParamsBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	if len(params) > maxParamsBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "job params too large")
		return
	}
	rec, err := s.jobs.Start(r.Context(), jobType, json.RawMessage(params))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("job started via API",
		zap.String("job_id", rec.ID),
		zap.String("job_type", string(rec.Type)),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": rec})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobType, err := parseTypeFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.jobs.ListJobs(r.Context(), jobType, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getResumable(w http.ResponseWriter, r *http.Request) {
	jobType, err := parseTypeFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if jobType == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	rec, err := s.jobs.GetResumable(r.Context(), jobType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": rec})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Status(r.Context(), chi.URLParam(r, jobParam))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": rec})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Pause(r.Context(), chi.URLParam(r, jobParam))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": rec})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Resume(r.Context(), chi.URLParam(r, jobParam))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": rec})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, jobParam))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": rec})
}

// estimate handles GET /v1/estimate/{job_type}?count=&model=. Without a
// count the job type sizes itself from the corpus when it can.
func (s *Server) estimate(w http.ResponseWriter, r *http.Request) {
	jobType, err := store.ParseJobType(chi.URLParam(r, jobParam))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count := int64(-1)
	if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
		count, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || count < 0 {
			writeError(w, http.StatusBadRequest, "count must be a non-negative integer")
			return
		}
	}
	model := strings.TrimSpace(r.URL.Query().Get("model"))
	est, err := s.jobs.Estimate(r.Context(), jobType, count, model)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func parseTypeFilter(r *http.Request) (store.JobType, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("type"))
	if raw == "" {
		return "", nil
	}
	jobType, err := store.ParseJobType(raw)
	if err != nil {
		return "", fmt.Errorf("invalid type: %w", err)
	}
	return jobType, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if limit <= 0 {
		return 0, errors.New("limit must be > 0")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}
