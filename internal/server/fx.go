// Package server assembles the crawlqueue service from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/admission"
	"github.com/JakeFAU/crawlqueue/internal/aggregate"
	"github.com/JakeFAU/crawlqueue/internal/api"
	"github.com/JakeFAU/crawlqueue/internal/clock/system"
	"github.com/JakeFAU/crawlqueue/internal/config"
	"github.com/JakeFAU/crawlqueue/internal/hash/sha256"
	"github.com/JakeFAU/crawlqueue/internal/id/uuid"
	redisindex "github.com/JakeFAU/crawlqueue/internal/index/redis"
	"github.com/JakeFAU/crawlqueue/internal/logging"
	"github.com/JakeFAU/crawlqueue/internal/metrics"
	"github.com/JakeFAU/crawlqueue/internal/policy/retry"
	"github.com/JakeFAU/crawlqueue/internal/progress"
	progresssinks "github.com/JakeFAU/crawlqueue/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/crawlqueue/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/report"
	"github.com/JakeFAU/crawlqueue/internal/scheduler"
	"github.com/JakeFAU/crawlqueue/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	backend   *Backend
	registry  *prometheus.Registry
	hub       *progress.Hub
	redis     *goredis.Client
	publisher *gcppublisher.Publisher
	tracer    *sdktrace.TracerProvider

	Scheduler *scheduler.Scheduler
	Sweeper   *scheduler.Sweeper
	Admitter  *admission.Admitter
	Reporter  *report.Reporter
	apiServer *api.Server
}

// Build creates the application's dependencies, logging through a logger
// derived from cfg.Logging.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with an explicit logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Backend),
		zap.Int("port", cfg.Server.Port),
	)
	metrics.Init()

	var err error
	app.tracer, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.backend, err = OpenBackend(ctx, cfg.Store, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	emitter, err := app.setupProgress(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	clock := system.New()
	policy := retry.Policy{
		BaseDelay: cfg.Scheduler.BackoffBase,
		MaxDelay:  cfg.Scheduler.BackoffMax,
		Jitter:    cfg.Scheduler.BackoffJitter,
	}
	store := app.backend.Store

	app.Scheduler = scheduler.New(store, clock, uuid.Tokens{}, scheduler.Config{
		LeaseDuration: cfg.Scheduler.LeaseDuration,
		Retry:         policy,
	}, scheduler.WithEmitter(emitter), scheduler.WithLogger(logger))

	app.Sweeper = scheduler.NewSweeper(store, clock, scheduler.SweeperConfig{
		Schedule:      cfg.Scheduler.SweepSchedule,
		LeaseDuration: cfg.Scheduler.LeaseDuration,
		BatchSize:     cfg.Scheduler.SweepBatchSize,
		Retry:         policy,
	}, scheduler.WithSweepEmitter(emitter), scheduler.WithSweepLogger(logger))

	admitOpts := []admission.Option{admission.WithEmitter(emitter), admission.WithLogger(logger)}
	if cfg.Index.Enabled {
		app.redis, err = redisindex.NewClient(ctx, redisindex.Config{
			Address:  cfg.Index.Address,
			Password: cfg.Index.Password,
			DB:       cfg.Index.DB,
			TTL:      cfg.Index.TTL,
		})
		if err != nil {
			app.closeInfrastructure(ctx)
			return nil, fmt.Errorf("url index init failed: %w", err)
		}
		admitOpts = append(admitOpts, admission.WithIndex(redisindex.New(app.redis, sha256.New(), cfg.Index.TTL)))
		logger.Info("redis url index enabled", zap.String("address", cfg.Index.Address), zap.Duration("ttl", cfg.Index.TTL))
	}
	app.Admitter = admission.New(store, clock, uuid.New(), admission.Config{
		DefaultPriority: cfg.Scheduler.DefaultPriority,
		MaxRetries:      cfg.Scheduler.MaxRetries,
		ReenqueueFailed: cfg.Scheduler.ReenqueueFailed,
	}, admitOpts...)

	app.Reporter = report.New(store)
	if err := app.registry.Register(aggregate.NewCollector(aggregate.New(store), logger)); err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("register aggregate collector: %w", err)
	}

	app.apiServer = api.NewServer(api.Deps{
		Scheduler: app.Scheduler,
		Admitter:  app.Admitter,
		Reporter:  app.Reporter,
		Audit:     app.backend.Audit,
	}, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Gatherer:       prometheus.Gatherers{prometheus.DefaultGatherer, app.registry},
		Logger:         logger,
	})
	return app, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Progress.Audit && a.backend.Audit != nil {
		sinkList = append(sinkList, progresssinks.NewAuditSink(a.backend.Audit, a.logger.Named("progress_audit")))
	}
	if a.cfg.PubSub.Enabled {
		a.publisher, err = gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewPubSubSink(a.publisher, a.cfg.PubSub.TopicName, a.logger.Named("progress_pubsub")))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.hub, nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Store exposes the configured work item store.
func (a *App) Store() queue.Store {
	return a.backend.Store
}

// Run starts the sweeper and the HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	a.logger.Info("lease sweeper started", zap.String("schedule", a.cfg.Scheduler.SweepSchedule))

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	runErr := <-serveErr
	if err := a.Close(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return fmt.Errorf("http server: %w", runErr)
	}
	return nil
}

// Close gracefully shuts down the application. The progress hub is drained
// before the store closes so audit rows are not lost.
func (a *App) Close(ctx context.Context) error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	err := a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if err := a.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.ForceFlush(ctx); err != nil {
			a.logger.Warn("tracer flush failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}
