package detect

import (
	"context"
	"log/slog"
)

// LogSink is a Sink that only logs submitted tasks. The actual inference
// model is an external collaborator; what it does with a submitted task
// is the model's concern, not the dispatcher's. LogSink exists so the
// daemon has something to hand the dispatcher at startup rather than
// leaving it sink-less.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink that logs each task it receives at debug
// level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Detect logs the task and returns nil; it performs no actual inference.
func (s *LogSink) Detect(_ context.Context, task Task) error {
	s.logger.Debug("detection task received",
		slog.String("stream", task.StreamName),
		slog.String("task_id", task.ID.String()),
		slog.String("model", task.Model),
		slog.Float64("threshold", task.Threshold),
	)
	return nil
}
