package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// Type names an event in the job protocol.
type Type string

// Event types.
const (
	TypeStarted       Type = "STARTED"
	TypeProgress      Type = "PROGRESS"
	TypePhaseStart    Type = "PHASE_START"
	TypePhaseComplete Type = "PHASE_COMPLETE"
	TypeItemSuccess   Type = "ITEM_SUCCESS"
	TypeItemError     Type = "ITEM_ERROR"
	TypePaused        Type = "PAUSED"
	TypeResumed       Type = "RESUMED"
	TypeCompleted     Type = "COMPLETED"
	TypeFailed        Type = "FAILED"
	TypeCancelled     Type = "CANCELLED"
)

// Types lists every event type.
var Types = []Type{
	TypeStarted, TypeProgress, TypePhaseStart, TypePhaseComplete,
	TypeItemSuccess, TypeItemError, TypePaused, TypeResumed,
	TypeCompleted, TypeFailed, TypeCancelled,
}

// EndsRun reports whether no further events follow in the same run.
func (t Type) EndsRun() bool {
	switch t {
	case TypePaused, TypeCompleted, TypeFailed, TypeCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the event moves the job to a terminal status.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeFailed || t == TypeCancelled
}

func (t Type) valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Payload carries what a progress UI needs to render an event without a
// follow-up status query. Fields that do not apply are omitted on the wire.
type Payload struct {
	ItemsDone   int64  `json:"items_done"`
	ItemsFailed int64  `json:"items_failed"`
	ItemsTotal  *int64 `json:"items_total,omitempty"`
	Phase       string `json:"phase,omitempty"`
	// Item is the strategy position of the unit the event refers to.
	Item string `json:"item,omitempty"`
	// Label is a human readable name for the last processed item.
	Label        string        `json:"label,omitempty"`
	Outcome      string        `json:"outcome,omitempty"`
	ItemID       int64         `json:"item_id,omitempty"`
	Skipped      bool          `json:"skipped,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Error        string        `json:"error,omitempty"`
	TokensInput  int64         `json:"tokens_input,omitempty"`
	TokensOutput int64         `json:"tokens_output,omitempty"`
	CostUSD      float64       `json:"cost_usd,omitempty"`
	Cursor       *store.Cursor `json:"cursor,omitempty"`
	Duration     time.Duration `json:"duration_ns,omitempty"`
}

// Event is one ordered entry in a job run's stream.
type Event struct {
	JobID   string        `json:"job_id"`
	JobType store.JobType `json:"job_type"`
	// Seq starts at 1 for every run and increases by one per event.
	Seq     uint64    `json:"seq"`
	Type    Type      `json:"type"`
	TS      time.Time `json:"ts"`
	Payload Payload   `json:"payload"`
}

// Validate performs coarse validation on an event.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.Seq == 0 {
		return errors.New("sequence must start at 1")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.Type.valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Payload.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Snapshot is the status a late listener receives before live events. Every
// event delivered after it has Seq greater than Snapshot.Seq.
type Snapshot struct {
	Record store.Record `json:"job"`
	Seq    uint64       `json:"seq"`
	Live   bool         `json:"live"`
}
