package queue

import (
	"context"
	"time"
)

// Store persists work items. Implementations must make Claim and
// UpdateStatus atomic with respect to concurrent callers.
type Store interface {
	// Insert adds a new item or returns ErrDuplicateURL.
	Insert(ctx context.Context, item WorkItem) error
	// Get loads an item by id or returns ErrNotFound.
	Get(ctx context.Context, id string) (WorkItem, error)
	// GetByURL loads an item by its dedup key or returns ErrNotFound.
	GetByURL(ctx context.Context, kind Kind, url string) (WorkItem, error)
	// Claim moves the best eligible item to processing or returns ErrNoWork.
	Claim(ctx context.Context, req ClaimRequest) (WorkItem, error)
	// UpdateStatus applies one transition with compare-and-set semantics.
	UpdateStatus(ctx context.Context, id string, tr Transition) (WorkItem, error)
	// ListByStatus returns a page of items.
	ListByStatus(ctx context.Context, q ListQuery) ([]WorkItem, error)
	// ListExpired returns processing items whose lease started before cutoff.
	ListExpired(ctx context.Context, kind Kind, cutoff time.Time, limit int) ([]WorkItem, error)
	// Stats aggregates count and book counters per status.
	Stats(ctx context.Context, kind Kind) ([]StatusStats, error)
	// SchemaVersion reports the applied migration level (0 when never migrated).
	SchemaVersion(ctx context.Context) (uint, error)
	// Close releases backend resources.
	Close() error
}

// AuditLog persists crawl_logs rows.
type AuditLog interface {
	Append(ctx context.Context, entries []AuditEntry) error
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Scheduler is the contract a crawl worker honors: claim at most one item,
// then report exactly one outcome for it.
type Scheduler interface {
	Claim(ctx context.Context, kind Kind) (Lease, error)
	ReportSuccess(ctx context.Context, id, token string, booksFound, booksSaved int) (WorkItem, error)
	ReportRetry(ctx context.Context, id, token, errorMessage string) (WorkItem, error)
	ReportFailure(ctx context.Context, id, token, errorMessage string) (WorkItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item ids and lease tokens.
type IDGenerator interface {
	NewID() (string, error)
}
