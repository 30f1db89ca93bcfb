// Package worker runs the claim, handle and report loop against a
// queue.Scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/metrics"
	"github.com/JakeFAU/crawlqueue/internal/policy/retry"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/telemetry"
)

// Outcome carries the counters reported with a successful crawl.
type Outcome struct {
	BooksFound int `json:"books_found"`
	BooksSaved int `json:"books_saved"`
}

// Handler crawls one leased item. Errors wrapped with retry.Permanent fail
// the item; any other error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, item queue.WorkItem) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item queue.WorkItem) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item queue.WorkItem) (Outcome, error) {
	return f(ctx, item)
}

// Throttle paces claims per kind.
type Throttle interface {
	Wait(ctx context.Context, kind queue.Kind) error
}

// Config controls Worker behavior.
type Config struct {
	Kind queue.Kind
	// IdleBackoff is the first wait after an empty claim; it doubles up to
	// MaxIdleBackoff while the queue stays empty.
	IdleBackoff    time.Duration
	MaxIdleBackoff time.Duration
	// HandlerTimeout bounds one Handle call; zero means no bound.
	HandlerTimeout time.Duration
}

// Worker consumes leased items and reports their outcome.
type Worker struct {
	scheduler queue.Scheduler
	handler   Handler
	throttle  Throttle
	cfg       Config
	logger    *zap.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithThrottle paces claims.
func WithThrottle(t Throttle) Option {
	return func(w *Worker) { w.throttle = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New constructs a Worker.
func New(scheduler queue.Scheduler, handler Handler, cfg Config, opts ...Option) *Worker {
	if cfg.Kind == "" {
		cfg.Kind = queue.KindListing
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}
	if cfg.MaxIdleBackoff < cfg.IdleBackoff {
		cfg.MaxIdleBackoff = 30 * cfg.IdleBackoff
	}
	w := &Worker{
		scheduler: scheduler,
		handler:   handler,
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("worker").With(zap.String("kind", string(cfg.Kind)))
	return w
}

// Run blocks, processing items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	idle := w.cfg.IdleBackoff
	for {
		processed, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if processed {
			idle = w.cfg.IdleBackoff
			continue
		}
		if err != nil {
			w.logger.Error("claim failed", zap.Error(err))
		}
		if !sleep(ctx, idle) {
			return
		}
		idle = min(idle*2, w.cfg.MaxIdleBackoff)
	}
}

// Drain processes items until a claim finds the queue empty and returns how
// many items it handled. A failed claim stops the drain.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	n := 0
	for ctx.Err() == nil {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

// RunOnce claims and processes at most one item. It reports false when no
// item was processed, either because the queue was empty or the claim failed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.throttle != nil {
		if err := w.throttle.Wait(ctx, w.cfg.Kind); err != nil {
			return false, fmt.Errorf("throttle: %w", err)
		}
	}
	lease, err := w.scheduler.Claim(ctx, w.cfg.Kind)
	if errors.Is(err, queue.ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	w.process(ctx, lease)
	return true, nil
}

func (w *Worker) process(ctx context.Context, lease queue.Lease) {
	item := lease.Item
	ctx, span := telemetry.Start(ctx, "worker.process",
		attribute.String("crawlqueue.item_id", item.ID),
		attribute.String("crawlqueue.kind", string(item.Kind)),
	)
	logger := w.logger.With(zap.String("item_id", item.ID), zap.String("url", item.URL))
	logger.Debug("claimed item", zap.Int("retry_count", item.RetryCount))

	outcome, handleErr := w.handle(ctx, item)
	if handleErr == nil {
		if err := queue.ValidateCounters(outcome.BooksFound, outcome.BooksSaved); err != nil {
			handleErr = retry.Permanent(fmt.Errorf("crawler outcome: %w", err))
		}
	}
	reportCtx := context.WithoutCancel(ctx)
	var err error
	switch {
	case handleErr == nil:
		_, err = w.scheduler.ReportSuccess(reportCtx, item.ID, lease.Token, outcome.BooksFound, outcome.BooksSaved)
		if errors.Is(err, queue.ErrInvalidCounters) {
			handleErr = retry.Permanent(err)
			_, err = w.scheduler.ReportFailure(reportCtx, item.ID, lease.Token, err.Error())
		}
	case retry.IsPermanent(handleErr):
		_, err = w.scheduler.ReportFailure(reportCtx, item.ID, lease.Token, handleErr.Error())
	default:
		_, err = w.scheduler.ReportRetry(reportCtx, item.ID, lease.Token, handleErr.Error())
	}
	telemetry.End(span, errors.Join(handleErr, err))

	if handleErr != nil {
		logger.Warn("crawl failed", zap.Error(handleErr), zap.Bool("permanent", retry.IsPermanent(handleErr)))
	}
	if errors.Is(err, queue.ErrInvalidTransition) {
		logger.Warn("report rejected, lease no longer held", zap.Error(err))
		return
	}
	if err != nil {
		logger.Error("report failed", zap.Error(err))
	}
}

func (w *Worker) handle(ctx context.Context, item queue.WorkItem) (out Outcome, err error) {
	if w.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, item)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
