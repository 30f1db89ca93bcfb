package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/metrics"
	"github.com/JakeFAU/crawlqueue/internal/policy/retry"
	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/telemetry"
)

// Sweeper defaults.
const (
	DefaultSweepSchedule  = "@every 30s"
	DefaultSweepBatchSize = 100
)

// SweeperConfig tunes lease reclamation.
type SweeperConfig struct {
	// Schedule is a robfig/cron spec, descriptors such as "@every 30s" included.
	Schedule      string
	LeaseDuration time.Duration
	BatchSize     int
	Kinds         []queue.Kind
	Retry         retry.Policy
}

// Sweeper returns items whose lease elapsed to the retry queue. A reclaimed
// lease counts against the item's retry budget like any other failure.
type Sweeper struct {
	store   queue.Store
	clock   queue.Clock
	cfg     SweeperConfig
	emitter progress.Emitter
	logger  *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
	stop chan struct{}
	// watched is closed once the context watcher of the current run exits.
	watched chan struct{}
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepEmitter reports expirations to a progress emitter.
func WithSweepEmitter(e progress.Emitter) SweeperOption {
	return func(s *Sweeper) { s.emitter = e }
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l.Named("sweeper") }
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store queue.Store, clock queue.Clock, cfg SweeperConfig, opts ...SweeperOption) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatchSize
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = queue.Kinds
	}
	s := &Sweeper{
		store:   store,
		clock:   clock,
		cfg:     cfg,
		emitter: progress.Discard{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep reclaims every expired lease once and returns how many items moved.
// Items reported or reclaimed concurrently are skipped, so repeated sweeps
// never double count.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := telemetry.Start(ctx, "scheduler.Sweep")
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.LeaseDuration)
	total := 0
	var errs []error
	for _, kind := range s.cfg.Kinds {
		n, err := s.sweepKind(ctx, kind, now, cutoff)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	telemetry.End(span, err)
	return total, err
}

func (s *Sweeper) sweepKind(ctx context.Context, kind queue.Kind, now, cutoff time.Time) (int, error) {
	moved := 0
	for {
		expired, err := s.store.ListExpired(ctx, kind, cutoff, s.cfg.BatchSize)
		if err != nil {
			return moved, fmt.Errorf("list expired %s leases: %w", kind, err)
		}
		progressed := 0
		for _, item := range expired {
			next, err := s.store.UpdateStatus(ctx, item.ID, queue.Transition{
				Event:  queue.EventExpire,
				At:     now,
				Token:  item.LeaseToken,
				Cutoff: cutoff,
				Retry:  s.cfg.Retry,
			})
			if errors.Is(err, queue.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return moved, fmt.Errorf("expire %s: %w", item.ID, err)
			}
			moved++
			progressed++
			metrics.ObserveLeaseExpired(string(kind))
			s.emitter.Emit(progress.FromTransition(item, next, queue.EventExpire))
			s.logger.Info("lease reclaimed",
				zap.String("item_id", item.ID),
				zap.String("kind", string(kind)),
				zap.String("status", string(next.Status)),
				zap.Int("retry_count", next.RetryCount),
			)
		}
		if len(expired) < s.cfg.BatchSize || progressed == 0 {
			return moved, nil
		}
	}
}

// Start runs Sweep on the configured schedule until ctx is done or Stop is
// called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("sweep failed", zap.Error(err), zap.Int("reclaimed", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	stop, watched := make(chan struct{}), make(chan struct{})
	s.cron, s.stop, s.watched = c, stop, watched
	s.logger.Info("sweeper started", zap.String("schedule", s.cfg.Schedule), zap.Duration("lease", s.cfg.LeaseDuration))
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stop:
		}
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, stop := s.cron, s.stop
	s.cron, s.stop = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	close(stop)
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
