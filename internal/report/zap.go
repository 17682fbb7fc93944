package report

import (
	"go.uber.org/zap"
)

// LogSink forwards status changes and warnings to a zap logger. Output
// lines are logged at debug level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	fields := []zap.Field{zap.String("job", e.Job), zap.String("stage", e.Stage)}
	switch e.Type {
	case OutputEvent:
		s.logger.Debug(e.Line, fields...)
	case WarningEvent:
		s.logger.Warn(e.Line, fields...)
	case StatusEvent:
		fields = append(fields, zap.String("status", e.Status), zap.Int("attempt", e.Attempt))
		if e.Reason != "" {
			fields = append(fields, zap.String("reason", e.Reason))
		}
		if e.Duration > 0 {
			fields = append(fields, zap.Duration("duration", e.Duration), zap.Int("exit_code", e.ExitCode))
		}
		s.logger.Info("job status", fields...)
	}
}
