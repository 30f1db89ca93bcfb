package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// AuditLog keeps crawl_logs entries in memory.
type AuditLog struct {
	mu      sync.RWMutex
	nextID  int64
	entries []queue.AuditEntry
}

// NewAuditLog constructs an empty AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Append records entries, assigning ids in order.
func (l *AuditLog) Append(_ context.Context, entries []queue.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.nextID++
		e.ID = l.nextID
		l.entries = append(l.entries, e)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *AuditLog) Recent(_ context.Context, limit int) ([]queue.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]queue.AuditEntry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}
