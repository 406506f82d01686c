package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/corpus-jobs/internal/progress"
)

// PrometheusSink exports job progress metrics via Prometheus. It owns the
// collectors for runs started/finished/running, item outcomes and metered
// usage, all partitioned by job type.
type PrometheusSink struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runsActive   *prometheus.GaugeVec
	runDuration  *prometheus.HistogramVec

	items  *prometheus.CounterVec
	tokens *prometheus.CounterVec
	cost   *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpusjobs_runs_started_total",
			Help: "Job runs started or resumed, by job type.",
		}, []string{"job_type"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpusjobs_runs_finished_total",
			Help: "Job runs that ended, by job type and result.",
		}, []string{"job_type", "result"}),
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corpusjobs_runs_active",
			Help: "Job runs currently in progress.",
		}, []string{"job_type"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corpusjobs_run_duration_seconds",
			Help:    "Wall time per job run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"job_type", "result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpusjobs_items_total",
			Help: "Processed items by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpusjobs_tokens_total",
			Help: "Metered provider tokens by job type and direction.",
		}, []string{"job_type", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpusjobs_cost_usd_total",
			Help: "Metered provider spend in USD by job type.",
		}, []string{"job_type"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.runDuration,
		s.items,
		s.tokens,
		s.cost,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	jobType := string(evt.JobType)
	switch evt.Type {
	case progress.TypeStarted, progress.TypeResumed:
		s.runsStarted.WithLabelValues(jobType).Inc()
		if s.tracker.start(evt.JobID, evt.TS) {
			s.runsActive.WithLabelValues(jobType).Inc()
		}
	case progress.TypeItemSuccess:
		outcome := "success"
		if evt.Payload.Skipped {
			outcome = "skipped"
		}
		s.items.WithLabelValues(jobType, outcome).Inc()
	case progress.TypeItemError:
		s.items.WithLabelValues(jobType, "error").Inc()
	case progress.TypePaused, progress.TypeCompleted, progress.TypeFailed, progress.TypeCancelled:
		s.finish(evt)
	}
}

func (s *PrometheusSink) finish(evt progress.Event) {
	jobType := string(evt.JobType)
	result := resultLabel(evt.Type)
	s.runsFinished.WithLabelValues(jobType, result).Inc()
	if started, ok := s.tracker.complete(evt.JobID); ok {
		s.runsActive.WithLabelValues(jobType).Dec()
		if d := evt.TS.Sub(started); d > 0 {
			s.runDuration.WithLabelValues(jobType, result).Observe(d.Seconds())
		}
	}
	usage := s.tracker.usage(evt.JobID, evt.Payload.TokensInput, evt.Payload.TokensOutput, evt.Payload.CostUSD)
	if usage.tokensIn > 0 {
		s.tokens.WithLabelValues(jobType, "input").Add(float64(usage.tokensIn))
	}
	if usage.tokensOut > 0 {
		s.tokens.WithLabelValues(jobType, "output").Add(float64(usage.tokensOut))
	}
	if usage.cost > 0 {
		s.cost.WithLabelValues(jobType).Add(usage.cost)
	}
	if evt.Type.Terminal() {
		s.tracker.forget(evt.JobID)
	}
}

func resultLabel(t progress.Type) string {
	switch t {
	case progress.TypeCompleted:
		return "completed"
	case progress.TypeFailed:
		return "failed"
	case progress.TypeCancelled:
		return "cancelled"
	default:
		return "paused"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type usageDelta struct {
	tokensIn  int64
	tokensOut int64
	cost      float64
}

// runTracker remembers run start times and the usage totals already exported
// per job, since events carry running totals rather than deltas.
type runTracker struct {
	mu       sync.Mutex
	running  map[string]time.Time
	exported map[string]usageDelta
}

func newRunTracker() *runTracker {
	return &runTracker{
		running:  make(map[string]time.Time),
		exported: make(map[string]usageDelta),
	}
}

func (t *runTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *runTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return started, ok
}

func (t *runTracker) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exported, id)
}

func (t *runTracker) usage(id string, tokensIn, tokensOut int64, cost float64) usageDelta {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.exported[id]
	t.exported[id] = usageDelta{tokensIn: tokensIn, tokensOut: tokensOut, cost: cost}
	return usageDelta{
		tokensIn:  tokensIn - prev.tokensIn,
		tokensOut: tokensOut - prev.tokensOut,
		cost:      cost - prev.cost,
	}
}
