package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/cost"
	"github.com/JakeFAU/corpus-jobs/internal/progress"
	"github.com/JakeFAU/corpus-jobs/internal/retry"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

var (
	errPaused    = errors.New("pause requested")
	errCancelled = errors.New("cancel requested")
)

// run is one execution of a job, from launch to the next pause or terminal
// status. Only its own goroutine mutates the cursor fields; rec is guarded
// by mu because control calls read it.
type run struct {
	id       string
	m        *Manager
	strategy Strategy
	emitter  *progress.Emitter
	policy   retry.Policy
	tracker  *cost.Tracker
	logger   *zap.Logger
	first    progress.Type

	pause  atomic.Bool
	cancel atomic.Bool

	mu  sync.Mutex
	rec store.Record
	// stopping is set once the run has committed to ending; a pending pause
	// can no longer be withdrawn after that.
	stopping bool
	done     chan struct{}

	phase           Phase
	phaseCursor     store.Cursor
	position        string
	state           json.RawMessage
	sinceCheckpoint int
	lastCheckpoint  time.Time
}

func newRun(m *Manager, rec store.Record, strategy Strategy, first progress.Type) *run {
	logger := m.logger.Named("runner").With(
		zap.String("job_id", rec.ID),
		zap.String("job_type", string(rec.Type)),
	)
	policy := m.policyFor(rec.Type)
	if policy.Logger == nil {
		policy.Logger = logger
	}
	phaseCursor := rec.Cursor.Clone()
	phaseCursor.Position = ""
	return &run{
		id:       rec.ID,
		m:        m,
		strategy: strategy,
		emitter:  m.hub.Begin(rec.ID, rec.Type),
		policy:   policy,
		tracker: cost.NewTracker(m.pricing, cost.Increment{
			TokensInput:  rec.TokensInput,
			TokensOutput: rec.TokensOutput,
			CostUSD:      rec.CostUSD,
		}),
		logger:         logger,
		first:          first,
		rec:            rec.Clone(),
		phaseCursor:    phaseCursor,
		position:       rec.Cursor.Position,
		state:          cloneRaw(rec.Cursor.State),
		lastCheckpoint: m.now(),
		done:           make(chan struct{}),
	}
}

func (r *run) requestPause()  { r.pause.Store(true) }
func (r *run) requestCancel() { r.cancel.Store(true) }

// withdrawPause clears a pending pause. It reports false when the run is
// already stopping and the caller must wait for it to end.
func (r *run) withdrawPause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return false
	}
	r.pause.Store(false)
	return true
}

func (r *run) snapshot() store.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

func (r *run) execute(ctx context.Context) {
	defer r.m.wg.Done()
	defer r.emitter.End()
	defer close(r.done)

	start := progress.Payload{}
	if r.first == progress.TypeResumed {
		cursor := r.rec.Cursor.Clone()
		start.Cursor = &cursor
	}
	r.emit(r.first, start)
	r.logger.Info("job run started", zap.String("phase", r.phaseCursor.Phase), zap.String("position", r.position))

	r.finish(ctx, r.runPhases(ctx))
}

func (r *run) runPhases(ctx context.Context) error {
	phases := r.strategy.Phases()
	if len(phases) == 0 {
		return fmt.Errorf("strategy for %s defines no phases", r.rec.Type)
	}
	start := 0
	if name := r.phaseCursor.Phase; name != "" {
		start = slices.IndexFunc(phases, func(p Phase) bool { return p.Name == name })
		if start < 0 {
			return fmt.Errorf("cursor names unknown phase %q", name)
		}
	}
	for i := start; i < len(phases); i++ {
		if err := r.runPhase(ctx, phases[i]); err != nil {
			return err
		}
		if i+1 == len(phases) {
			break
		}
		r.phaseCursor = store.Cursor{Phase: phases[i+1].Name, State: cloneRaw(r.state), Base: r.counters()}
		r.position = ""
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runPhase(ctx context.Context, phase Phase) error {
	r.phase = phase
	switch {
	case r.phaseCursor.Phase != phase.Name:
		r.phaseCursor = store.Cursor{Phase: phase.Name, State: cloneRaw(r.state), Base: r.counters()}
		r.position = ""
		if _, err := r.persist(ctx, nil, nil); err != nil {
			return fmt.Errorf("record phase start: %w", err)
		}
	case phase.Resumable && r.position != "":
	default:
		// Phase restarts from its beginning.
		r.resetTo(r.phaseCursor.Base)
		r.state = cloneRaw(r.phaseCursor.State)
		r.position = ""
	}

	r.emit(progress.TypePhaseStart, progress.Payload{})
	r.logger.Debug("phase started", zap.String("phase", phase.Name), zap.String("position", r.position))

	env := &Env{
		JobID:    r.id,
		Params:   r.rec.Params,
		Phase:    phase,
		Position: r.position,
		State:    cloneRaw(r.state),
		Logger:   r.logger.With(zap.String("phase", phase.Name)),
		run:      r,
	}
	iter, err := r.strategy.Open(ctx, env)
	if err != nil {
		return interruptOr(ctx, fmt.Errorf("open phase %s: %w", phase.Name, err))
	}
	for {
		if err := r.signal(ctx); err != nil {
			return err
		}
		unit, ok, err := iter.Next(ctx)
		if err != nil {
			return interruptOr(ctx, fmt.Errorf("phase %s: %w", phase.Name, err))
		}
		if !ok {
			break
		}
		if err := r.process(ctx, unit); err != nil {
			return err
		}
		if r.checkpointDue() {
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
		}
	}
	r.emit(progress.TypePhaseComplete, progress.Payload{})
	return nil
}

// process runs one unit under retry and records its result. It returns an
// error only when the job must stop.
func (r *run) process(ctx context.Context, unit Unit) error {
	var out Outcome
	attempts, err := r.call(ctx, unit.Target, func(ctx context.Context) error {
		o, err := unit.Do(ctx)
		if err == nil {
			out = o
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return errPaused
		}
		if retry.ClassOf(err).Fatal() {
			return err
		}
		r.itemFailed(unit, attempts, err)
		return nil
	}

	payload := progress.Payload{Item: unit.Position, Label: unit.Label, Attempts: attempts, ItemID: out.ItemID}
	if out.Candidate != nil {
		if r.m.resolver == nil {
			r.itemFailed(unit, attempts, errors.New("no dedup engine configured"))
			return nil
		}
		res, err := r.m.resolver.Resolve(ctx, *out.Candidate)
		if err != nil {
			if ctx.Err() != nil {
				return errPaused
			}
			r.itemFailed(unit, attempts, fmt.Errorf("resolve item: %w", err))
			return nil
		}
		payload.ItemID = res.ItemID
		payload.Outcome = string(res.Outcome)
	}
	if out.Skipped {
		payload.Skipped = true
		payload.Outcome = "skipped"
	}
	if out.State != nil {
		r.state = cloneRaw(out.State)
	}
	totals := r.meter(out.Usage)
	r.advance(unit.Position, func(rec *store.Record) {
		rec.ItemsDone++
		rec.TokensInput = totals.TokensInput
		rec.TokensOutput = totals.TokensOutput
		rec.CostUSD = totals.CostUSD
	})
	r.emit(progress.TypeItemSuccess, payload)
	return nil
}

func (r *run) itemFailed(unit Unit, attempts int, err error) {
	r.advance(unit.Position, func(rec *store.Record) { rec.ItemsFailed++ })
	r.emit(progress.TypeItemError, progress.Payload{
		Item:     unit.Position,
		Label:    unit.Label,
		Attempts: attempts,
		Error:    err.Error(),
	})
	r.logger.Warn("item failed",
		zap.String("phase", r.phase.Name),
		zap.String("item", unit.Position),
		zap.String("label", unit.Label),
		zap.Int("attempt", attempts),
		zap.Error(err),
	)
}

// call runs op under the rate limiter and the retry policy and returns the
// number of attempts made.
func (r *run) call(ctx context.Context, target string, op func(ctx context.Context) error) (int, error) {
	limiter := r.m.limiter
	attempts := 0
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		if limiter != nil && target != "" {
			if err := limiter.Wait(ctx, target); err != nil {
				return err
			}
		}
		err := op(ctx)
		if limiter == nil || target == "" {
			return err
		}
		if err == nil {
			limiter.RecordSuccess(target)
		} else if class, _ := r.policy.ClassFor(err); class.Retryable() {
			limiter.RecordFailure(target)
		}
		return err
	})
	return attempts, err
}

func (r *run) meter(u Usage) cost.Increment {
	if u.TokensInput == 0 && u.TokensOutput == 0 {
		return r.tracker.Totals()
	}
	model := u.Model
	if model == "" {
		model = r.m.pricing.DefaultModel(r.rec.Type)
	}
	if _, err := r.tracker.Record(u.TokensInput, u.TokensOutput, model); err != nil {
		r.logger.Warn("usage recorded without price", zap.String("model", model), zap.Error(err))
	}
	return r.tracker.Totals()
}

func (r *run) advance(position string, apply func(rec *store.Record)) {
	r.mu.Lock()
	apply(&r.rec)
	if total := r.rec.ItemsTotal; total != nil && r.rec.ItemsDone+r.rec.ItemsFailed > *total {
		raised := r.rec.ItemsDone + r.rec.ItemsFailed
		r.rec.ItemsTotal = &raised
	}
	r.mu.Unlock()
	r.position = position
	r.sinceCheckpoint++
}

func (r *run) addTotal(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.rec.ItemsDone + r.rec.ItemsFailed + n
	if r.rec.ItemsTotal != nil {
		total = max(*r.rec.ItemsTotal+n, total)
	}
	r.rec.ItemsTotal = &total
}

func (r *run) counters() store.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := store.Counters{Done: r.rec.ItemsDone, Failed: r.rec.ItemsFailed}
	if r.rec.ItemsTotal != nil {
		total := *r.rec.ItemsTotal
		c.Total = &total
	}
	return c
}

func (r *run) resetTo(base store.Counters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.ItemsDone = base.Done
	r.rec.ItemsFailed = base.Failed
	total := base.Done + base.Failed
	if base.Total != nil {
		total = *base.Total
	}
	r.rec.ItemsTotal = &total
}

func (r *run) signal(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.cancel.Load():
		r.stopping = true
		return errCancelled
	case r.pause.Load(), ctx.Err() != nil:
		r.stopping = true
		return errPaused
	default:
		return nil
	}
}

func (r *run) checkpointDue() bool {
	return r.sinceCheckpoint >= r.m.cfg.CheckpointEvery ||
		r.m.now().Sub(r.lastCheckpoint) >= r.m.cfg.CheckpointInterval
}

// cursor is what a resume needs. Phases that cannot resume mid-way always
// point back at their start.
func (r *run) cursor() store.Cursor {
	c := r.phaseCursor.Clone()
	if r.phase.Name == c.Phase && r.phase.Resumable {
		c.Position = r.position
		c.State = cloneRaw(r.state)
	}
	return c
}

func (r *run) checkpoint(ctx context.Context) error {
	rec, err := r.persist(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	r.emit(progress.TypeProgress, progress.Payload{Cursor: &rec.Cursor})
	return nil
}

// persist writes the counters and cursor in one update. The write survives
// cancellation of ctx so a shutdown still records where the run stopped.
func (r *run) persist(ctx context.Context, status *store.Status, lastErr *string) (store.Record, error) {
	cursor := r.cursor()
	r.mu.Lock()
	rec := r.rec.Clone()
	r.mu.Unlock()

	patch := store.Patch{
		Status:       status,
		Cursor:       &cursor,
		ItemsTotal:   rec.ItemsTotal,
		ItemsDone:    &rec.ItemsDone,
		ItemsFailed:  &rec.ItemsFailed,
		CostUSD:      &rec.CostUSD,
		TokensInput:  &rec.TokensInput,
		TokensOutput: &rec.TokensOutput,
		LastError:    lastErr,
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	stored, err := r.m.jobs.Update(wctx, r.id, patch)
	if err != nil {
		return store.Record{}, err
	}
	r.mu.Lock()
	r.rec = stored.Clone()
	r.mu.Unlock()
	r.sinceCheckpoint = 0
	r.lastCheckpoint = r.m.now()
	return stored, nil
}

func (r *run) finish(ctx context.Context, runErr error) {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	var (
		status  store.Status
		evt     progress.Type
		lastErr *string
	)
	switch {
	case runErr == nil:
		status, evt = store.StatusCompleted, progress.TypeCompleted
	case errors.Is(runErr, errCancelled):
		status, evt = store.StatusCancelled, progress.TypeCancelled
	case errors.Is(runErr, errPaused):
		status, evt = store.StatusPaused, progress.TypePaused
	default:
		status, evt = store.StatusFailed, progress.TypeFailed
		msg := runErr.Error()
		lastErr = &msg
	}

	payload := progress.Payload{}
	rec, err := r.persist(ctx, &status, lastErr)
	if err != nil {
		r.logger.Error("persist final status failed", zap.String("status", string(status)), zap.Error(err))
		if evt != progress.TypeFailed {
			runErr = fmt.Errorf("persist %s status: %w", status, err)
		}
		evt = progress.TypeFailed
	} else {
		payload.Cursor = &rec.Cursor
	}
	if evt == progress.TypeFailed {
		payload.Error = runErr.Error()
	}

	r.emit(evt, payload)
	r.m.release(r)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int64("items_done", rec.ItemsDone),
		zap.Int64("items_failed", rec.ItemsFailed),
	}
	if evt == progress.TypeFailed {
		r.logger.Error("job run failed", append(fields, zap.Error(runErr))...)
		return
	}
	r.logger.Info("job run stopped", fields...)
}

func (r *run) emit(t progress.Type, p progress.Payload) {
	r.mu.Lock()
	p.ItemsDone = r.rec.ItemsDone
	p.ItemsFailed = r.rec.ItemsFailed
	if r.rec.ItemsTotal != nil {
		total := *r.rec.ItemsTotal
		p.ItemsTotal = &total
	}
	p.TokensInput = r.rec.TokensInput
	p.TokensOutput = r.rec.TokensOutput
	p.CostUSD = r.rec.CostUSD
	r.mu.Unlock()
	if p.Phase == "" {
		p.Phase = r.phase.Name
	}
	r.emitter.Emit(t, p)
}

func interruptOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errPaused
	}
	return err
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
