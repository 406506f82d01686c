// Package runner drives resumable streaming jobs. A Manager owns the live
// runs of the process: it creates job records, launches one goroutine per
// active job, relays pause and cancel signals and reconciles records left
// running by a previous process.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/cost"
	"github.com/JakeFAU/corpus-jobs/internal/dedup"
	"github.com/JakeFAU/corpus-jobs/internal/id/uuid"
	"github.com/JakeFAU/corpus-jobs/internal/progress"
	"github.com/JakeFAU/corpus-jobs/internal/retry"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

var (
	// ErrUnknownJobType signals a job type without a registered strategy.
	ErrUnknownJobType = errors.New("no strategy registered for job type")
	// ErrInvalidParams signals job parameters that are not a JSON document.
	ErrInvalidParams = errors.New("job params must be a JSON document")
	// ErrShuttingDown is returned by Start and Resume once Shutdown began.
	ErrShuttingDown = errors.New("runner is shutting down")
)

// Defaults for Config.
const (
	DefaultCheckpointEvery    = 10
	DefaultCheckpointInterval = 5 * time.Second

	interruptedMessage = "interrupted: process restarted"
	persistTimeout     = 10 * time.Second
)

// Config controls checkpointing and reconciliation.
type Config struct {
	CheckpointEvery    int           `mapstructure:"checkpoint_every"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	// ReconcileTo is the status given to records left running by a previous
	// process: failed (default) or paused.
	ReconcileTo store.Status `mapstructure:"reconcile_to"`
}

func (c Config) withDefaults() Config {
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = DefaultCheckpointEvery
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.ReconcileTo != store.StatusPaused {
		c.ReconcileTo = store.StatusFailed
	}
	return c
}

// Limiter throttles calls per external target.
type Limiter interface {
	Wait(ctx context.Context, target string) error
	RecordSuccess(target string)
	RecordFailure(target string)
}

// Resolver stores content candidates under their identity key.
type Resolver interface {
	Resolve(ctx context.Context, c dedup.Candidate) (dedup.Resolution, error)
}

// IDGenerator creates job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Manager is the control surface over job runs.
type Manager struct {
	cfg           Config
	jobs          store.JobRepository
	hub           *progress.Hub
	strategies    map[store.JobType]Strategy
	policies      map[store.JobType]retry.Policy
	defaultPolicy retry.Policy
	resolver      Resolver
	limiter       Limiter
	pricing       *cost.Pricing
	ids           IDGenerator
	now           func() time.Time
	logger        *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	runs    map[string]*run
	closing bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStrategy registers the strategy for a job type.
func WithStrategy(jobType store.JobType, s Strategy) Option {
	return func(m *Manager) {
		if s != nil {
			m.strategies[jobType] = s
		}
	}
}

// WithRetryPolicy overrides the retry policy of one job type.
func WithRetryPolicy(jobType store.JobType, p retry.Policy) Option {
	return func(m *Manager) { m.policies[jobType] = p }
}

// WithDefaultRetryPolicy replaces the policy used by job types without an override.
func WithDefaultRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.defaultPolicy = p }
}

// WithResolver sets the dedup engine used for content candidates.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithLimiter sets the per-target rate limiter.
func WithLimiter(l Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithPricing sets the pricing table used to meter usage.
func WithPricing(p *cost.Pricing) Option {
	return func(m *Manager) {
		if p != nil {
			m.pricing = p
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		if g != nil {
			m.ids = g
		}
	}
}

// WithClock overrides the time source used for checkpoint intervals.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New builds a Manager over the job store and event hub.
func New(jobs store.JobRepository, hub *progress.Hub, cfg Config, opts ...Option) (*Manager, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if hub == nil {
		return nil, fmt.Errorf("event hub is required")
	}
	m := &Manager{
		cfg:           cfg.withDefaults(),
		jobs:          jobs,
		hub:           hub,
		strategies:    make(map[store.JobType]Strategy),
		policies:      make(map[store.JobType]retry.Policy),
		defaultPolicy: retry.DefaultPolicy(),
		pricing:       cost.DefaultPricing(),
		ids:           uuid.New(),
		now:           time.Now,
		logger:        zap.NewNop(),
		runs:          make(map[string]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	return m, nil
}

// Start creates a job record and launches its run. It fails with
// store.ErrConflict when a job of the type is already active.
func (m *Manager) Start(ctx context.Context, jobType store.JobType, params json.RawMessage) (store.Record, error) {
	strategy, ok := m.strategies[jobType]
	if !ok {
		return store.Record{}, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if !json.Valid(params) {
		return store.Record{}, ErrInvalidParams
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return store.Record{}, ErrShuttingDown
	}
	id, err := m.ids.NewID()
	if err != nil {
		return store.Record{}, fmt.Errorf("generate job id: %w", err)
	}
	rec, err := m.jobs.Create(ctx, id, jobType, params)
	if err != nil {
		return store.Record{}, fmt.Errorf("create job: %w", err)
	}
	return m.launchLocked(ctx, rec, strategy, progress.TypeStarted)
}

// Resume continues a paused or failed job from its last checkpoint.
// Resuming a running job withdraws a pause that has not taken effect yet; if
// the run is already stopping, Resume waits for it and relaunches.
func (m *Manager) Resume(ctx context.Context, id string) (store.Record, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return store.Record{}, ErrShuttingDown
	}
	if r := m.runs[id]; r != nil {
		if r.withdrawPause() {
			m.mu.Unlock()
			return r.snapshot(), nil
		}
		m.mu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
			return store.Record{}, fmt.Errorf("wait for run to stop: %w", ctx.Err())
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	if m.closing {
		return store.Record{}, ErrShuttingDown
	}
	if r := m.runs[id]; r != nil {
		return r.snapshot(), nil
	}
	rec, err := m.jobs.Get(ctx, id)
	if err != nil {
		return store.Record{}, fmt.Errorf("load job: %w", err)
	}
	strategy, ok := m.strategies[rec.Type]
	if !ok {
		return store.Record{}, fmt.Errorf("%w: %s", ErrUnknownJobType, rec.Type)
	}
	switch rec.Status {
	case store.StatusPaused, store.StatusFailed:
	case store.StatusPending, store.StatusRunning:
		return store.Record{}, fmt.Errorf("%w: job %s is %s without a live run and must be reconciled first",
			store.ErrInvalidTransition, id, rec.Status)
	default:
		return store.Record{}, fmt.Errorf("%w: cannot resume a %s job", store.ErrInvalidTransition, rec.Status)
	}
	return m.launchLocked(ctx, rec, strategy, progress.TypeResumed)
}

func (m *Manager) launchLocked(ctx context.Context, rec store.Record, strategy Strategy, first progress.Type) (store.Record, error) {
	running, err := m.jobs.Update(ctx, rec.ID, store.Patch{
		Status:     store.StatusPtr(store.StatusRunning),
		ClearError: true,
	})
	if err != nil {
		return store.Record{}, fmt.Errorf("mark job running: %w", err)
	}
	r := newRun(m, running, strategy, first)
	m.runs[running.ID] = r
	m.wg.Add(1)
	go r.execute(m.baseCtx)
	m.logger.Info("job run launched",
		zap.String("job_id", running.ID),
		zap.String("job_type", string(running.Type)),
		zap.String("event", string(first)),
	)
	return running, nil
}

// Pause asks a live run to stop at its next unit boundary. Pausing a paused
// job is a no-op.
func (m *Manager) Pause(ctx context.Context, id string) (store.Record, error) {
	if r := m.live(id); r != nil {
		r.requestPause()
		return r.snapshot(), nil
	}
	rec, err := m.jobs.Get(ctx, id)
	if err != nil {
		return store.Record{}, fmt.Errorf("load job: %w", err)
	}
	if rec.Status == store.StatusPaused {
		return rec, nil
	}
	return store.Record{}, fmt.Errorf("%w: cannot pause a %s job", store.ErrInvalidTransition, rec.Status)
}

// Cancel stops a job for good. A live run stops at its next unit boundary; a
// paused job is cancelled immediately. Cancelling a cancelled job is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.runs[id]; r != nil {
		r.requestCancel()
		return r.snapshot(), nil
	}
	rec, err := m.jobs.Get(ctx, id)
	if err != nil {
		return store.Record{}, fmt.Errorf("load job: %w", err)
	}
	switch rec.Status {
	case store.StatusCancelled:
		return rec, nil
	case store.StatusPaused, store.StatusPending:
	default:
		return store.Record{}, fmt.Errorf("%w: cannot cancel a %s job", store.ErrInvalidTransition, rec.Status)
	}

	emitter := m.hub.Begin(id, rec.Type)
	cancelled, err := m.jobs.Update(ctx, id, store.Patch{Status: store.StatusPtr(store.StatusCancelled)})
	if err != nil {
		emitter.End()
		return store.Record{}, fmt.Errorf("cancel job: %w", err)
	}
	emitter.Emit(progress.TypeCancelled, recordPayload(cancelled))
	m.logger.Info("job cancelled", zap.String("job_id", id), zap.String("job_type", string(rec.Type)))
	return cancelled, nil
}

// Status returns the job record. Live runs report their in-memory counters,
// which may be ahead of the last checkpoint.
func (m *Manager) Status(ctx context.Context, id string) (store.Record, error) {
	if r := m.live(id); r != nil {
		return r.snapshot(), nil
	}
	rec, err := m.jobs.Get(ctx, id)
	if err != nil {
		return store.Record{}, fmt.Errorf("load job: %w", err)
	}
	return rec, nil
}

// Stream attaches a listener to the job. The snapshot reflects every event up
// to Snapshot.Seq; the subscription delivers the events after it.
func (m *Manager) Stream(ctx context.Context, id string) (progress.Snapshot, *progress.Subscription, error) {
	sub := m.hub.Subscribe(id)
	rec, err := m.Status(ctx, id)
	if err != nil {
		sub.Close()
		return progress.Snapshot{}, nil, err
	}
	return progress.Snapshot{Record: rec, Seq: sub.Seq(), Live: sub.Live()}, sub, nil
}

// ListJobs returns recent records of a job type, newest first. An empty type
// lists every type.
func (m *Manager) ListJobs(ctx context.Context, jobType store.JobType, limit int) ([]store.Record, error) {
	recs, err := m.jobs.ListRecent(ctx, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	for i, rec := range recs {
		if r := m.live(rec.ID); r != nil {
			recs[i] = r.snapshot()
		}
	}
	return recs, nil
}

// GetResumable returns the most recent paused or failed job of the type.
func (m *Manager) GetResumable(ctx context.Context, jobType store.JobType) (store.Record, error) {
	rec, err := m.jobs.GetResumable(ctx, jobType)
	if err != nil {
		return store.Record{}, fmt.Errorf("find resumable job: %w", err)
	}
	return rec, nil
}

// Reconcile moves records left pending or running by a previous process to
// the configured status, keeping their cursor. It returns how many records
// were changed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, err := m.jobs.ListByStatus(ctx, store.StatusRunning, store.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list interrupted jobs: %w", err)
	}
	changed := 0
	for _, rec := range recs {
		if _, live := m.runs[rec.ID]; live {
			continue
		}
		to := m.cfg.ReconcileTo
		if !store.CanTransition(rec.Status, to) {
			to = store.StatusFailed
		}
		msg := interruptedMessage
		if _, err := m.jobs.Update(ctx, rec.ID, store.Patch{Status: &to, LastError: &msg}); err != nil {
			return changed, fmt.Errorf("reconcile job %s: %w", rec.ID, err)
		}
		m.logger.Warn("reconciled interrupted job",
			zap.String("job_id", rec.ID),
			zap.String("job_type", string(rec.Type)),
			zap.String("from", string(rec.Status)),
			zap.String("to", string(to)),
		)
		changed++
	}
	return changed, nil
}

// Estimate projects the cost of a job. A negative count asks the strategy to
// size the job when it can.
func (m *Manager) Estimate(ctx context.Context, jobType store.JobType, count int64, model string) (cost.Estimate, error) {
	strategy, ok := m.strategies[jobType]
	if !ok {
		return cost.Estimate{}, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	if count < 0 {
		counter, ok := strategy.(Counter)
		if !ok {
			return cost.Estimate{}, fmt.Errorf("job type %s cannot be sized in advance; pass a count", jobType)
		}
		n, err := counter.Count(ctx, nil)
		if err != nil {
			return cost.Estimate{}, fmt.Errorf("count %s items: %w", jobType, err)
		}
		count = n
	}
	return m.pricing.Estimate(jobType, count, model)
}

// Live reports the number of live runs.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Shutdown pauses every live run and waits for them to persist their
// checkpoint. When ctx expires first, in-flight calls are aborted and the
// runs still pause.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for _, r := range m.runs {
		r.requestPause()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		<-done
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (m *Manager) live(id string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

func (m *Manager) release(r *run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[r.id] == r {
		delete(m.runs, r.id)
	}
}

func (m *Manager) policyFor(jobType store.JobType) retry.Policy {
	if p, ok := m.policies[jobType]; ok {
		return p
	}
	return m.defaultPolicy
}

func recordPayload(rec store.Record) progress.Payload {
	p := progress.Payload{
		ItemsDone:    rec.ItemsDone,
		ItemsFailed:  rec.ItemsFailed,
		Phase:        rec.Cursor.Phase,
		TokensInput:  rec.TokensInput,
		TokensOutput: rec.TokensOutput,
		CostUSD:      rec.CostUSD,
	}
	if rec.ItemsTotal != nil {
		total := *rec.ItemsTotal
		p.ItemsTotal = &total
	}
	return p
}
