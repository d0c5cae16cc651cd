package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/progress"
)

// LogSink emits structured logs for debugging lifecycle streams. It is useful
// during development or audits where a durable store is unavailable.
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

// Consume logs each event in the batch using structured fields. Empty fields
// are skipped.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("event_ts", evt.TS),
		}
		fields = appendString(fields, "provider_id", evt.ProviderID)
		fields = appendString(fields, "query_id", evt.QueryID)
		fields = appendString(fields, "job_id", evt.JobID)
		fields = appendString(fields, "hostname", evt.Hostname)
		fields = appendString(fields, "from", string(evt.From))
		fields = appendString(fields, "to", string(evt.To))
		fields = appendString(fields, "result", string(evt.Result))
		fields = appendString(fields, "status_class", string(evt.StatusClass))
		fields = appendString(fields, "note", evt.Note)
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Stage == progress.StageQueryDispatched {
			fields = append(fields, zap.Int("jobs", evt.Jobs))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func appendString(fields []zap.Field, key, value string) []zap.Field {
	if value == "" {
		return fields
	}
	return append(fields, zap.String(key, value))
}
