package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/corpus-jobs/internal/progress"
)

// LogSink emits structured logs for job events. Item level events are logged
// at debug so long imports do not flood production logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("job_type", string(evt.JobType)),
			zap.Uint64("seq", evt.Seq),
			zap.String("event", string(evt.Type)),
			zap.Int64("items_done", evt.Payload.ItemsDone),
			zap.Int64("items_failed", evt.Payload.ItemsFailed),
		}
		if evt.Payload.Phase != "" {
			fields = append(fields, zap.String("phase", evt.Payload.Phase))
		}
		if evt.Payload.Label != "" {
			fields = append(fields, zap.String("label", evt.Payload.Label))
		}
		if evt.Payload.Error != "" {
			fields = append(fields, zap.String("error", evt.Payload.Error))
		}
		if evt.Payload.CostUSD > 0 {
			fields = append(fields, zap.Float64("cost_usd", evt.Payload.CostUSD))
		}
		s.logger.Log(levelFor(evt.Type), "job event", fields...)
	}
	return nil
}

func levelFor(t progress.Type) zapcore.Level {
	switch t {
	case progress.TypeItemSuccess, progress.TypeProgress:
		return zapcore.DebugLevel
	case progress.TypeItemError:
		return zapcore.WarnLevel
	case progress.TypeFailed:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
