package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals that another job of the same type is already active.
	ErrConflict = errors.New("job of this type is already active")
	// ErrInvalidTransition signals a status change the job state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrInvalidRecord signals an update that would break record invariants.
	ErrInvalidRecord = errors.New("invalid job record")
)

// JobType names one of the long-running corpus operations.
type JobType string

// Supported job types.
const (
	JobImport JobType = "import"
	JobFetch  JobType = "fetch"
	JobEmbed  JobType = "embed"
	JobDigest JobType = "digest"
)

// JobTypes lists every supported job type in a stable order.
var JobTypes = []JobType{JobImport, JobFetch, JobEmbed, JobDigest}

// ParseJobType validates a user supplied job type.
func ParseJobType(raw string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == raw {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", raw)
}

// Status mirrors the jobs.status column.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is expected without an
// explicit resume. Failed is terminal for the run but can be resumed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the status counts against the one-active-job-per-type rule.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
	StatusFailed:  {StatusRunning},
}

// CanTransition reports whether a record may move from one status to another.
// Re-writing the current status is always allowed so checkpoints can reuse Update.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Counters is the item accounting captured at a phase boundary.
type Counters struct {
	Done   int64  `json:"done"`
	Failed int64  `json:"failed"`
	Total  *int64 `json:"total,omitempty"`
}

// Cursor is the resume token persisted with every checkpoint.
type Cursor struct {
	// Phase names the strategy phase in progress; empty before the first phase.
	Phase string `json:"phase,omitempty"`
	// Position is the strategy-owned marker of the last consumed unit.
	Position string `json:"position,omitempty"`
	// State carries strategy data that must survive between phases.
	State json.RawMessage `json:"state,omitempty"`
	// Base holds the counters as they were when Phase began.
	Base Counters `json:"base"`
}

// Clone returns a deep copy of the cursor.
func (c Cursor) Clone() Cursor {
	out := c
	if c.State != nil {
		out.State = append(json.RawMessage(nil), c.State...)
	}
	if c.Base.Total != nil {
		total := *c.Base.Total
		out.Base.Total = &total
	}
	return out
}

// Record is one row of the jobs table.
type Record struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"job_type"`
	Status       Status          `json:"status"`
	Params       json.RawMessage `json:"params,omitempty"`
	Cursor       Cursor          `json:"cursor"`
	ItemsTotal   *int64          `json:"items_total"`
	ItemsDone    int64           `json:"items_done"`
	ItemsFailed  int64           `json:"items_failed"`
	CostUSD      float64         `json:"cost_usd"`
	TokensInput  int64           `json:"tokens_input"`
	TokensOutput int64           `json:"tokens_output"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LastError    *string         `json:"last_error"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r Record) Clone() Record {
	out := r
	out.Cursor = r.Cursor.Clone()
	if r.Params != nil {
		out.Params = append(json.RawMessage(nil), r.Params...)
	}
	if r.ItemsTotal != nil {
		total := *r.ItemsTotal
		out.ItemsTotal = &total
	}
	if r.LastError != nil {
		msg := *r.LastError
		out.LastError = &msg
	}
	return out
}

// Validate checks the counter invariants of a record.
func (r Record) Validate() error {
	if r.ItemsDone < 0 || r.ItemsFailed < 0 {
		return fmt.Errorf("%w: negative counters", ErrInvalidRecord)
	}
	if r.ItemsTotal != nil && r.ItemsDone+r.ItemsFailed > *r.ItemsTotal {
		return fmt.Errorf("%w: done %d + failed %d exceeds total %d",
			ErrInvalidRecord, r.ItemsDone, r.ItemsFailed, *r.ItemsTotal)
	}
	return nil
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Status       *Status
	Cursor       *Cursor
	ItemsTotal   *int64
	ItemsDone    *int64
	ItemsFailed  *int64
	CostUSD      *float64
	TokensInput  *int64
	TokensOutput *int64
	// LastError sets last_error; ClearError resets it to NULL.
	LastError  *string
	ClearError bool
}

// Apply merges the patch into rec, enforcing transitions and invariants.
// Implementations call it inside their write critical section.
func (p Patch) Apply(rec Record, now time.Time) (Record, error) {
	out := rec.Clone()
	if p.Status != nil {
		if !CanTransition(rec.Status, *p.Status) {
			return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, *p.Status)
		}
		out.Status = *p.Status
	}
	if p.Cursor != nil {
		out.Cursor = p.Cursor.Clone()
	}
	if p.ItemsTotal != nil {
		total := *p.ItemsTotal
		out.ItemsTotal = &total
	}
	if p.ItemsDone != nil {
		out.ItemsDone = *p.ItemsDone
	}
	if p.ItemsFailed != nil {
		out.ItemsFailed = *p.ItemsFailed
	}
	if p.CostUSD != nil {
		out.CostUSD = *p.CostUSD
	}
	if p.TokensInput != nil {
		out.TokensInput = *p.TokensInput
	}
	if p.TokensOutput != nil {
		out.TokensOutput = *p.TokensOutput
	}
	if p.ClearError {
		out.LastError = nil
	}
	if p.LastError != nil {
		msg := *p.LastError
		out.LastError = &msg
	}
	if err := out.Validate(); err != nil {
		return Record{}, err
	}
	out.UpdatedAt = now
	return out, nil
}

// StatusPtr is a convenience for building patches.
func StatusPtr(s Status) *Status {
	return &s
}

// JobRepository persists job records. Every Update is durable before it returns.
type JobRepository interface {
	// Create inserts a pending record or returns ErrConflict when the type is active.
	Create(ctx context.Context, id string, jobType JobType, params json.RawMessage) (Record, error)
	// Get loads a single record or returns ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)
	// Update applies a partial update and returns the stored record.
	Update(ctx context.Context, id string, patch Patch) (Record, error)
	// ListRecent returns records newest-first; an empty jobType lists every type.
	ListRecent(ctx context.Context, jobType JobType, limit int) ([]Record, error)
	// GetRunning returns the running record for the type or ErrNotFound.
	GetRunning(ctx context.Context, jobType JobType) (Record, error)
	// GetResumable returns the most recent paused or failed record or ErrNotFound.
	GetResumable(ctx context.Context, jobType JobType) (Record, error)
	// ListByStatus returns every record in one of the statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...Status) ([]Record, error)
}
