package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/progress"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// Publisher sends a JSON-serializable payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the message published when a job reaches a terminal status.
type Notification struct {
	JobID        string        `json:"job_id"`
	JobType      store.JobType `json:"job_type"`
	Status       store.Status  `json:"status"`
	ItemsDone    int64         `json:"items_done"`
	ItemsFailed  int64         `json:"items_failed"`
	ItemsTotal   *int64        `json:"items_total,omitempty"`
	CostUSD      float64       `json:"cost_usd,omitempty"`
	TokensInput  int64         `json:"tokens_input,omitempty"`
	TokensOutput int64         `json:"tokens_output,omitempty"`
	Error        string        `json:"error,omitempty"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// PublisherSink forwards terminal job events to a Publisher. Delivery is best
// effort; a failed publish is returned to the hub, which logs it.
type PublisherSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for the provided topic.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes one notification per terminal event in the batch. It
// respects ctx deadlines and stops at the first publish error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Type.Terminal() {
			continue
		}
		msg := notificationFor(evt)
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish %s notification for job %s: %w", evt.Type, evt.JobID, err)
		}
		s.logger.Debug("job notification published",
			zap.String("job_id", evt.JobID),
			zap.String("message_id", id),
		)
	}
	return nil
}

func notificationFor(evt progress.Event) Notification {
	status := store.StatusCompleted
	switch evt.Type {
	case progress.TypeFailed:
		status = store.StatusFailed
	case progress.TypeCancelled:
		status = store.StatusCancelled
	}
	return Notification{
		JobID:        evt.JobID,
		JobType:      evt.JobType,
		Status:       status,
		ItemsDone:    evt.Payload.ItemsDone,
		ItemsFailed:  evt.Payload.ItemsFailed,
		ItemsTotal:   evt.Payload.ItemsTotal,
		CostUSD:      evt.Payload.CostUSD,
		TokensInput:  evt.Payload.TokensInput,
		TokensOutput: evt.Payload.TokensOutput,
		Error:        evt.Payload.Error,
		FinishedAt:   evt.TS,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
