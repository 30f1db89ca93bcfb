// Package retry decides what happens to a work item after a failed attempt.
package retry

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// Policy computes exponential, jittered, capped backoff between attempts and
// decides when an item's retry budget is spent. A zero BaseDelay makes
// retried items eligible immediately.
type Policy struct {
	BaseDelay time.Duration
	// MaxDelay caps the backoff; zero leaves it bounded only by maxDelay.
	MaxDelay time.Duration
	// Jitter spreads the delay over [delay/2, delay) when set.
	Jitter bool
}

var _ queue.RetryPolicy = Policy{}

// maxDelay bounds uncapped backoff so the doubling never overflows.
const maxDelay = time.Duration(math.MaxInt64)

// Backoff returns the wait before the next attempt of an item that has failed
// retryCount times.
func (p Policy) Backoff(retryCount int) time.Duration {
	if p.BaseDelay <= 0 || retryCount <= 0 {
		return 0
	}
	limit := maxDelay
	if p.MaxDelay > 0 {
		limit = p.MaxDelay
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(retryCount-1))
	if delay >= float64(limit) {
		delay = float64(limit)
	}
	d := time.Duration(delay)
	if delay >= float64(maxDelay) {
		d = maxDelay
	}
	if !p.Jitter {
		return d
	}
	half := d / 2
	return half + randomJitter(half)
}

// Decide implements queue.RetryPolicy: the item fails once its budget is
// spent, otherwise it waits out the backoff.
func (p Policy) Decide(item queue.WorkItem, now time.Time) queue.RetryDecision {
	if item.RetryBudgetSpent() {
		return queue.RetryDecision{Status: queue.StatusFailed, AvailableAt: item.AvailableAt}
	}
	return queue.RetryDecision{Status: queue.StatusRetry, AvailableAt: addSaturating(now, p.Backoff(item.RetryCount+1))}
}

func addSaturating(t time.Time, d time.Duration) time.Time {
	out := t.Add(d)
	if out.Before(t) {
		return time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	}
	return out
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-recoverable so the item fails without retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
