package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// AuditSink records terminal outcomes, retries and re-enqueues in the
// crawl_logs table. Claims are too frequent to be worth a row each.
type AuditSink struct {
	log    queue.AuditLog
	logger *zap.Logger
}

// NewAuditSink constructs an AuditSink for the provided repository.
func NewAuditSink(log queue.AuditLog, logger *zap.Logger) *AuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditSink{log: log, logger: logger}
}

// Consume converts the batch to audit entries and appends them at once.
func (s *AuditSink) Consume(ctx context.Context, batch []progress.Event) error {
	entries := make([]queue.AuditEntry, 0, len(batch))
	for _, evt := range batch {
		entry, ok := auditEntry(evt)
		if ok {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.log.Append(ctx, entries); err != nil {
		return fmt.Errorf("append %d audit entries: %w", len(entries), err)
	}
	s.logger.Debug("audit entries appended", zap.Int("count", len(entries)))
	return nil
}

func auditEntry(evt progress.Event) (queue.AuditEntry, bool) {
	entry := queue.AuditEntry{BookID: evt.BookID, URL: evt.URL, CreatedAt: evt.TS}
	switch {
	case evt.To == queue.StatusCompleted:
		entry.Level = "info"
		entry.Message = fmt.Sprintf("%s completed: %d books found, %d saved", evt.Kind, evt.BooksFound, evt.BooksSaved)
	case evt.To == queue.StatusFailed:
		entry.Level = "error"
		entry.Message = fmt.Sprintf("%s failed after %d retries", evt.Kind, evt.RetryCount)
		entry.ErrorDetails = notePtr(evt.Note)
	case evt.To == queue.StatusRetry:
		entry.Level = "warn"
		entry.Message = fmt.Sprintf("%s scheduled for retry %d (%s)", evt.Kind, evt.RetryCount, evt.Event)
		entry.ErrorDetails = notePtr(evt.Note)
	case evt.Event == queue.EventReenqueue:
		entry.Level = "info"
		entry.Message = fmt.Sprintf("%s re-enqueued", evt.Kind)
	default:
		return queue.AuditEntry{}, false
	}
	return entry, true
}

func notePtr(note string) *string {
	if note == "" {
		return nil
	}
	return &note
}

// Close implements the Sink interface; it performs no action.
func (s *AuditSink) Close(context.Context) error {
	return nil
}
