// Package scheduler hands out leases on work items and records worker
// outcomes. It is the in-process implementation of queue.Scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/metrics"
	"github.com/JakeFAU/crawlqueue/internal/policy/retry"
	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/telemetry"
)

// DefaultLeaseDuration bounds how long a worker may hold an item before the
// sweeper reclaims it.
const DefaultLeaseDuration = 10 * time.Minute

// ErrUnknownKind rejects claims for a queue that does not exist.
var ErrUnknownKind = errors.New("unknown queue kind")

// Config tunes the scheduler.
type Config struct {
	LeaseDuration time.Duration
	Retry         retry.Policy
}

// Scheduler implements queue.Scheduler over a queue.Store.
type Scheduler struct {
	store   queue.Store
	clock   queue.Clock
	tokens  queue.IDGenerator
	cfg     Config
	emitter progress.Emitter
	logger  *zap.Logger
}

var _ queue.Scheduler = (*Scheduler)(nil)

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithEmitter reports transitions to a progress emitter.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l.Named("scheduler") }
}

// New constructs a Scheduler. tokens issues lease tokens.
func New(store queue.Store, clock queue.Clock, tokens queue.IDGenerator, cfg Config, opts ...Option) *Scheduler {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	s := &Scheduler{
		store:   store,
		clock:   clock,
		tokens:  tokens,
		cfg:     cfg,
		emitter: progress.Discard{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LeaseDuration reports the configured lease length.
func (s *Scheduler) LeaseDuration() time.Duration {
	return s.cfg.LeaseDuration
}

// Claim leases the best eligible item of kind. It returns queue.ErrNoWork
// immediately when nothing is eligible.
func (s *Scheduler) Claim(ctx context.Context, kind queue.Kind) (lease queue.Lease, err error) {
	ctx, span := telemetry.Start(ctx, "scheduler.Claim", attribute.String("crawlqueue.kind", string(kind)))
	defer func() {
		if errors.Is(err, queue.ErrNoWork) {
			telemetry.End(span, nil)
			return
		}
		telemetry.End(span, err)
	}()

	if !kind.Valid() {
		return queue.Lease{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	token, err := s.tokens.NewID()
	if err != nil {
		return queue.Lease{}, fmt.Errorf("issue lease token: %w", err)
	}
	item, err := s.store.Claim(ctx, queue.ClaimRequest{Kind: kind, Token: token, Now: s.clock.Now()})
	switch {
	case errors.Is(err, queue.ErrNoWork):
		metrics.ObserveClaim(string(kind), metrics.ClaimEmpty)
		return queue.Lease{}, err
	case err != nil:
		metrics.ObserveClaim(string(kind), metrics.ClaimError)
		return queue.Lease{}, fmt.Errorf("claim %s: %w", kind, err)
	}
	metrics.ObserveClaim(string(kind), metrics.ClaimLeased)

	started := item.UpdatedAt
	if item.ProcessingStartedAt != nil {
		started = *item.ProcessingStartedAt
	}
	prev := item
	prev.Status = queue.StatusPending
	if item.RetryCount > 0 {
		prev.Status = queue.StatusRetry
	}
	prev.ProcessingStartedAt = nil
	s.emitter.Emit(progress.FromTransition(prev, item, queue.EventClaim))
	s.logger.Debug("item claimed",
		zap.String("item_id", item.ID),
		zap.String("kind", string(kind)),
		zap.Int("priority", item.Priority),
		zap.Int("retry_count", item.RetryCount),
	)
	return queue.Lease{Item: item, Token: token, ExpiresAt: started.Add(s.cfg.LeaseDuration)}, nil
}

// ReportSuccess completes a leased item with its book counters.
func (s *Scheduler) ReportSuccess(ctx context.Context, id, token string, booksFound, booksSaved int) (queue.WorkItem, error) {
	return s.report(ctx, id, queue.Transition{
		Event:      queue.EventSucceed,
		Token:      token,
		BooksFound: booksFound,
		BooksSaved: booksSaved,
	})
}

// ReportRetry records a recoverable failure. The item returns to the queue
// after the policy backoff or fails once its retry budget is spent.
func (s *Scheduler) ReportRetry(ctx context.Context, id, token, errorMessage string) (queue.WorkItem, error) {
	return s.report(ctx, id, queue.Transition{
		Event:        queue.EventRetry,
		Token:        token,
		ErrorMessage: errorMessage,
		Retry:        s.cfg.Retry,
	})
}

// ReportFailure fails a leased item without retrying it.
func (s *Scheduler) ReportFailure(ctx context.Context, id, token, errorMessage string) (queue.WorkItem, error) {
	return s.report(ctx, id, queue.Transition{
		Event:        queue.EventFail,
		Token:        token,
		ErrorMessage: errorMessage,
	})
}

func (s *Scheduler) report(ctx context.Context, id string, tr queue.Transition) (next queue.WorkItem, err error) {
	ctx, span := telemetry.Start(ctx, "scheduler.Report",
		attribute.String("crawlqueue.item_id", id),
		attribute.String("crawlqueue.event", string(tr.Event)),
	)
	defer func() { telemetry.End(span, err) }()

	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("load item %s: %w", id, err)
	}
	tr.At = s.clock.Now()
	next, err = s.store.UpdateStatus(ctx, id, tr)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			s.logger.Warn("stale report rejected",
				zap.String("item_id", id),
				zap.String("event", string(tr.Event)),
				zap.Error(err),
			)
		}
		return queue.WorkItem{}, fmt.Errorf("report %s for %s: %w", tr.Event, id, err)
	}

	metrics.ObserveReport(string(next.Kind), string(tr.Event))
	s.emitter.Emit(progress.FromTransition(prev, next, tr.Event))
	fields := []zap.Field{
		zap.String("item_id", id),
		zap.String("kind", string(next.Kind)),
		zap.String("status", string(next.Status)),
		zap.Int("retry_count", next.RetryCount),
	}
	if next.Status == queue.StatusFailed {
		s.logger.Warn("item failed", append(fields, zap.String("error", next.Error()))...)
	} else {
		s.logger.Debug("item reported", fields...)
	}
	return next, nil
}
