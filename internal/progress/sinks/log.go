package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// LogSink writes one structured log line per transition.
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

// Consume logs each event; failures log at warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("item_id", evt.ItemID),
			zap.String("kind", string(evt.Kind)),
			zap.String("url", evt.URL),
			zap.String("event", string(evt.Event)),
			zap.String("from", string(evt.From)),
			zap.String("to", string(evt.To)),
			zap.Int("retry_count", evt.RetryCount),
		}
		if evt.To == queue.StatusCompleted {
			fields = append(fields, zap.Int("books_found", evt.BooksFound), zap.Int("books_saved", evt.BooksSaved))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.To == queue.StatusFailed || evt.To == queue.StatusRetry {
			s.logger.Warn("queue transition", fields...)
			continue
		}
		s.logger.Info("queue transition", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
