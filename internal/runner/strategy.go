package runner

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/dedup"
)

// Phase is a named stage of a job. A resumable phase continues from the last
// checkpointed position; any other phase restarts from its beginning with the
// counters it started with.
type Phase struct {
	Name      string
	Resumable bool
}

// Usage is the metered consumption of one unit.
type Usage struct {
	TokensInput  int64
	TokensOutput int64
	Model        string
}

// Outcome is what a unit of work produced.
type Outcome struct {
	// Candidate, when set, is resolved through the dedup engine.
	Candidate *dedup.Candidate
	// ItemID identifies the stored item when the strategy wrote it itself.
	ItemID  int64
	Usage   Usage
	Skipped bool
	// State replaces the strategy state carried to later phases.
	State json.RawMessage
}

// Unit is one retryable piece of work.
type Unit struct {
	// Position is the cursor position once this unit is consumed.
	Position string
	// Label names the unit in events, e.g. a title or URL.
	Label string
	// Target is the rate-limit key of the external service the unit calls.
	// Empty disables rate limiting for the unit.
	Target string
	Do     func(ctx context.Context) (Outcome, error)
}

// Iterator yields the units of one phase in order.
type Iterator interface {
	// Next returns the next unit, or false when the phase is exhausted.
	// An error from Next is fatal to the job.
	Next(ctx context.Context) (Unit, bool, error)
}

// Strategy implements one job type.
type Strategy interface {
	Phases() []Phase
	Open(ctx context.Context, env *Env) (Iterator, error)
}

// Counter is implemented by strategies that can size a job before it runs.
type Counter interface {
	Count(ctx context.Context, params json.RawMessage) (int64, error)
}

// Env is what a strategy sees of its run while a phase is open.
type Env struct {
	JobID  string
	Params json.RawMessage
	Phase  Phase
	// Position is the last consumed position; empty when the phase starts
	// from its beginning.
	Position string
	// State is the strategy state as of the phase start.
	State  json.RawMessage
	Logger *zap.Logger

	run *run
}

// Fresh reports whether the phase starts from its beginning.
func (e *Env) Fresh() bool {
	return e.Position == ""
}

// AddTotal grows items_total by n. Strategies call it once per fresh phase
// when they learn how many units the phase holds.
func (e *Env) AddTotal(n int64) {
	if e.run != nil && n > 0 {
		e.run.addTotal(n)
	}
}

// Call runs op under the job's rate limiter and retry policy. Iterators use
// it for the external calls they make while paging.
func (e *Env) Call(ctx context.Context, target string, op func(ctx context.Context) error) error {
	if e.run == nil {
		return op(ctx)
	}
	_, err := e.run.call(ctx, target, op)
	return err
}
