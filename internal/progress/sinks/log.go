package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
)

// LogSink writes each progress event at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
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
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind {
		case progress.KindTransition:
			fields = append(fields, zap.String("status", string(evt.Status)), zap.String("action", string(evt.Action)))
		case progress.KindProgress:
			fields = append(fields, zap.String("phase", string(evt.Phase)), zap.Int("done", evt.Done), zap.Int("total", evt.Total))
		case progress.KindStat:
			fields = append(fields, zap.String("stat", string(evt.Stat)), zap.Int64("delta", evt.Delta))
		case progress.KindLog:
			fields = append(fields, zap.String("level", string(evt.Level)))
		case progress.KindUpload:
			fields = append(fields, zap.String("upload_status", string(evt.Upload)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
