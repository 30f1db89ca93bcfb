package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/client"
	"github.com/JakeFAU/crawlqueue/internal/config"
	"github.com/JakeFAU/crawlqueue/internal/dispatcher"
	"github.com/JakeFAU/crawlqueue/internal/logging"
	"github.com/JakeFAU/crawlqueue/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/server"
	"github.com/JakeFAU/crawlqueue/internal/worker"
)

type workFlags struct {
	kind        string
	concurrency int
	drain       bool
}

func newWorkCmd(root *rootFlags) *cobra.Command {
	flags := &workFlags{}
	cmd := &cobra.Command{
		Use:   "work [flags] -- crawler-command [args...]",
		Short: "Run a worker pool that hands leased items to a crawler command.",
		Long: `work claims items and runs the crawler command once per item with the
url appended. The command reports success by exiting 0, optionally printing
{"books_found":N,"books_saved":M} as its last line. Exit status
worker.permanent_exit_code fails the item; any other failure retries it.

Workers talk to --server (or worker.server_url) when set, otherwise to the
local store, in which case this process also sweeps expired leases.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			if flags.kind == "" {
				flags.kind = cfg.Worker.Kind
			}
			kind, err := queue.ParseKind(flags.kind)
			if err != nil {
				return err
			}
			if flags.concurrency <= 0 {
				flags.concurrency = cfg.Worker.Concurrency
			}
			handler, err := worker.NewCommandHandler(args)
			if err != nil {
				return err
			}
			handler.PermanentExitCode = cfg.Worker.PermanentExitCode

			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			ctx := cmd.Context()
			sched, cleanup, err := openScheduler(ctx, cfg, root.serverURL, flags.drain, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Worker.ClaimRPS, DefaultBurst: cfg.Worker.ClaimBurst})
			pool, err := dispatcher.Pool(sched, handler, worker.Config{
				Kind:           kind,
				IdleBackoff:    cfg.Worker.IdleBackoff,
				MaxIdleBackoff: cfg.Worker.MaxIdleBackoff,
				HandlerTimeout: cfg.Worker.HandlerTimeout,
			}, flags.concurrency, logger, worker.WithThrottle(limiter))
			if err != nil {
				return err
			}

			logger.Info("worker pool started",
				zap.String("kind", string(kind)),
				zap.Int("concurrency", pool.Size()),
				zap.Bool("drain", flags.drain),
			)
			if flags.drain {
				n, err := pool.Drain(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d processed\n", kind, n)
				return err
			}
			pool.Run(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.kind, "kind", "", "queue kind to work (default worker.kind)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "number of workers (default worker.concurrency)")
	cmd.Flags().BoolVar(&flags.drain, "drain", false, "exit once the queue is empty instead of polling")
	return cmd
}

// openScheduler returns the remote scheduler when a server url is set, the
// local one otherwise.
func openScheduler(ctx context.Context, cfg config.Config, serverURL string, drain bool, logger *zap.Logger) (queue.Scheduler, func(), error) {
	if serverURL == "" {
		serverURL = cfg.Worker.ServerURL
	}
	if serverURL != "" {
		c, err := client.New(client.Config{BaseURL: serverURL, APIKey: cfg.Auth.APIKey, RetryCount: 2})
		if err != nil {
			return nil, nil, fmt.Errorf("create client: %w", err)
		}
		return c, func() { _ = c.Close() }, nil
	}

	app, err := server.BuildWithLogger(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build local services: %w", err)
	}
	if !drain {
		if err := app.Sweeper.Start(ctx); err != nil {
			_ = app.Close(context.Background())
			return nil, nil, fmt.Errorf("start sweeper: %w", err)
		}
	}
	return app.Scheduler, func() {
		if err := app.Close(context.Background()); err != nil {
			logger.Warn("close local services", zap.Error(err))
		}
	}, nil
}
