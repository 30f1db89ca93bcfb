package queue

import (
	"fmt"
	"time"
)

// Event names one edge of the item state machine.
type Event string

// Supported transition events.
const (
	EventClaim     Event = "claim"
	EventSucceed   Event = "succeed"
	EventRetry     Event = "retry"
	EventFail      Event = "fail"
	EventExpire    Event = "expire"
	EventReenqueue Event = "reenqueue"
)

// RetryDecision is where a recoverable failure leaves an item.
type RetryDecision struct {
	Status      Status
	AvailableAt time.Time
}

// RetryPolicy decides the outcome of a recoverable failure of item at at.
// It must return StatusRetry or StatusFailed.
type RetryPolicy interface {
	Decide(item WorkItem, at time.Time) RetryDecision
}

// ImmediateRetry makes retried items eligible at once until their budget is
// spent.
type ImmediateRetry struct{}

// Decide implements RetryPolicy.
func (ImmediateRetry) Decide(item WorkItem, at time.Time) RetryDecision {
	if item.RetryBudgetSpent() {
		return RetryDecision{Status: StatusFailed, AvailableAt: item.AvailableAt}
	}
	return RetryDecision{Status: StatusRetry, AvailableAt: at}
}

// RetryBudgetSpent reports whether one more recoverable failure exceeds the
// item's retry budget.
func (w WorkItem) RetryBudgetSpent() bool {
	return w.RetryCount >= w.MaxRetries
}

// ValidateCounters rejects negative counts and books_saved > books_found.
func ValidateCounters(booksFound, booksSaved int) error {
	if booksFound < 0 || booksSaved < 0 || booksSaved > booksFound {
		return fmt.Errorf("%w: found=%d saved=%d", ErrInvalidCounters, booksFound, booksSaved)
	}
	return nil
}

// Transition describes one requested state change.
type Transition struct {
	Event Event
	At    time.Time
	// Token must match the item's lease for report and expire events. An
	// empty token skips the check.
	Token string
	// NewToken is the lease token issued by a claim.
	NewToken string
	// ErrorMessage accompanies retry, expire and fail events.
	ErrorMessage string
	BooksFound   int
	BooksSaved   int
	// Retry decides retry and expire events; nil means ImmediateRetry.
	Retry RetryPolicy
	// Cutoff guards expire events: the lease must have started before it.
	Cutoff time.Time
}

// Apply validates tr against the item's current status and returns the
// updated item. It never mutates its input.
func Apply(item WorkItem, tr Transition) (WorkItem, error) {
	at := tr.At.UTC()
	if at.IsZero() {
		return item, fmt.Errorf("%w: transition time is required", ErrInvalidTransition)
	}
	next := item
	next.UpdatedAt = at

	switch tr.Event {
	case EventClaim:
		if item.Status != StatusPending && item.Status != StatusRetry {
			return item, invalid(item, tr)
		}
		if item.AvailableAt.After(at) {
			return item, fmt.Errorf("%w: item %s not eligible until %s", ErrInvalidTransition, item.ID, item.AvailableAt)
		}
		if tr.NewToken == "" {
			return item, fmt.Errorf("%w: claim requires a lease token", ErrInvalidTransition)
		}
		next.Status = StatusProcessing
		next.ProcessingStartedAt = timePtr(at)
		next.LeaseToken = tr.NewToken
		return next, nil

	case EventSucceed:
		if err := checkLease(item, tr); err != nil {
			return item, err
		}
		if err := ValidateCounters(tr.BooksFound, tr.BooksSaved); err != nil {
			return item, err
		}
		next.Status = StatusCompleted
		next.BooksFound = tr.BooksFound
		next.BooksSaved = tr.BooksSaved
		next.ErrorMessage = nil
		next.CompletedAt = timePtr(at)
		next.LeaseToken = ""
		return next, nil

	case EventRetry, EventExpire:
		if err := checkLease(item, tr); err != nil {
			return item, err
		}
		msg := tr.ErrorMessage
		if tr.Event == EventExpire {
			if item.ProcessingStartedAt == nil || !item.ProcessingStartedAt.Before(tr.Cutoff) {
				return item, fmt.Errorf("%w: lease of %s has not expired", ErrInvalidTransition, item.ID)
			}
			if msg == "" {
				msg = ErrLeaseExpired.Error()
			}
		}
		policy := tr.Retry
		if policy == nil {
			policy = ImmediateRetry{}
		}
		decision := policy.Decide(item, at)
		next.RetryCount = item.RetryCount + 1
		next.ProcessingStartedAt = nil
		next.LeaseToken = ""
		switch decision.Status {
		case StatusFailed:
			terminal := fmt.Sprintf("%s after %d retries: %s", ErrRetryBudgetExhausted, item.RetryCount, msg)
			next.Status = StatusFailed
			next.ErrorMessage = &terminal
			next.CompletedAt = timePtr(at)
			return next, nil
		case StatusRetry:
			next.Status = StatusRetry
			next.ErrorMessage = stringPtr(msg)
			next.AvailableAt = decision.AvailableAt.UTC()
			if next.AvailableAt.Before(at) {
				next.AvailableAt = at
			}
			return next, nil
		default:
			return item, fmt.Errorf("%w: retry policy chose %q for item %s", ErrInvalidTransition, decision.Status, item.ID)
		}

	case EventFail:
		if err := checkLease(item, tr); err != nil {
			return item, err
		}
		next.Status = StatusFailed
		next.ErrorMessage = stringPtr(tr.ErrorMessage)
		next.CompletedAt = timePtr(at)
		next.LeaseToken = ""
		return next, nil

	case EventReenqueue:
		if item.Status != StatusFailed {
			return item, invalid(item, tr)
		}
		next.Status = StatusPending
		next.RetryCount = 0
		next.ErrorMessage = nil
		next.CompletedAt = nil
		next.ProcessingStartedAt = nil
		next.BooksFound = 0
		next.BooksSaved = 0
		next.AvailableAt = at
		next.LeaseToken = ""
		return next, nil

	default:
		return item, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, tr.Event)
	}
}

// Allowed reports whether event may leave status, ignoring lease and timing
// guards.
func Allowed(status Status, event Event) bool {
	switch event {
	case EventClaim:
		return status == StatusPending || status == StatusRetry
	case EventSucceed, EventRetry, EventExpire, EventFail:
		return status == StatusProcessing
	case EventReenqueue:
		return status == StatusFailed
	default:
		return false
	}
}

func checkLease(item WorkItem, tr Transition) error {
	if item.Status != StatusProcessing {
		return invalid(item, tr)
	}
	if tr.Token != "" && tr.Token != item.LeaseToken {
		return fmt.Errorf("%w: stale lease for item %s", ErrInvalidTransition, item.ID)
	}
	return nil
}

func invalid(item WorkItem, tr Transition) error {
	return fmt.Errorf("%w: %s not allowed from %s (item %s)", ErrInvalidTransition, tr.Event, item.Status, item.ID)
}

func timePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	v := s
	return &v
}
