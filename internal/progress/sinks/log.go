package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/progress"
)

// LogSink emits structured logs for each progress event.
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

// Consume logs each event in the batch. Keyword events go to debug level so
// large jobs do not flood production logs.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("domain_id", evt.DomainID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("processed", evt.Processed),
			zap.Int("total", evt.Total),
			zap.Duration("dur", evt.Dur),
		}
		if evt.KeywordID != "" {
			fields = append(fields,
				zap.String("keyword_id", evt.KeywordID),
				zap.String("mode", string(evt.Mode)),
				zap.Bool("failed", evt.Failed),
			)
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", evt.Status))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageKeywordStart, progress.StageKeywordDone:
			s.logger.Debug("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
