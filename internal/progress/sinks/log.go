package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/surf-results-harvester/internal/progress"
)

// LogSink writes one structured log line per progress event. Per-target
// lines log at debug so a long job does not flood info output.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level, msg := describe(evt.Stage)
		ce := s.logger.Check(level, msg)
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

func describe(stage progress.Stage) (zapcore.Level, string) {
	switch stage {
	case progress.StageJobStart:
		return zapcore.InfoLevel, "job started"
	case progress.StageTargetDone:
		return zapcore.DebugLevel, "target finished"
	case progress.StageJobDone:
		return zapcore.InfoLevel, "job finished"
	case progress.StageJobError:
		return zapcore.WarnLevel, "job failed"
	default:
		return zapcore.InfoLevel, "progress event"
	}
}

func eventFields(evt progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields, zap.String("job_id", evt.JobID))
	if evt.Target != "" {
		fields = append(fields, zap.String("target", evt.Target), zap.Int("attempts", evt.Attempts))
	}
	if evt.Status != "" {
		fields = append(fields, zap.String("status", evt.Status))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("took", evt.Dur))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close is a no-op; the logger belongs to the caller.
func (s *LogSink) Close(context.Context) error {
	return nil
}
