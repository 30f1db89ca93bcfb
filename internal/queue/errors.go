package queue

import "errors"

// Sentinel errors returned by stores and the scheduler. Callers compare with
// errors.Is; implementations wrap them with additional context.
var (
	// ErrDuplicateURL is returned by Store.Insert when the URL already exists
	// in the kind's table. The admission layer treats it as a no-op.
	ErrDuplicateURL = errors.New("duplicate url")
	// ErrInvalidTransition signals that the item is no longer in the state the
	// caller expected (stale lease, terminal item, concurrent update).
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrLeaseExpired is the reason recorded when the sweeper reclaims an item
	// whose worker stopped reporting.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrRetryBudgetExhausted is the terminal reason recorded when a
	// recoverable failure exceeds the item's retry budget.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrStoreUnavailable wraps transient infrastructure failures. Callers
	// retry with backoff; no state is lost.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound signals that the requested item does not exist.
	ErrNotFound = errors.New("work item not found")
	// ErrNoWork is returned by Claim when no item is eligible right now.
	ErrNoWork = errors.New("no work available")
	// ErrInvalidCounters rejects success reports with negative counts or
	// books_saved greater than books_found.
	ErrInvalidCounters = errors.New("invalid book counters")
	// ErrSchemaMissing signals that the backing schema was never migrated.
	ErrSchemaMissing = errors.New("queue schema not initialized")
)
