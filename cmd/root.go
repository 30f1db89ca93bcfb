// Package cmd implements the crawlqueue command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/admission"
	"github.com/JakeFAU/crawlqueue/internal/client"
	"github.com/JakeFAU/crawlqueue/internal/config"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/report"
	"github.com/JakeFAU/crawlqueue/internal/server"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type cfgKeyType struct{}

var cfgKey cfgKeyType

type rootFlags struct {
	configFile string
	envFile    string
	serverURL  string
}

// services is what the operator commands need, served either by a local
// backend or by a remote crawlqueue server.
type services interface {
	Enqueue(ctx context.Context, req admission.Request) (admission.Result, error)
	RequeueFailed(ctx context.Context, kind queue.Kind) (int, error)
	Summary(ctx context.Context, kind queue.Kind) (report.Summary, error)
	Close() error
}

// newServices is the services factory. It's a variable so tests can swap it.
var newServices = func(ctx context.Context, cfg config.Config, serverURL string) (services, error) {
	if serverURL != "" {
		c, err := client.New(client.Config{BaseURL: serverURL, APIKey: cfg.Auth.APIKey, RetryCount: 2})
		if err != nil {
			return nil, fmt.Errorf("create client: %w", err)
		}
		return c, nil
	}
	app, err := server.BuildWithLogger(ctx, cfg, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("build local services: %w", err)
	}
	return localServices{app: app}, nil
}

type localServices struct {
	app *server.App
}

func (l localServices) Enqueue(ctx context.Context, req admission.Request) (admission.Result, error) {
	return l.app.Admitter.Enqueue(ctx, req)
}

func (l localServices) RequeueFailed(ctx context.Context, kind queue.Kind) (int, error) {
	return l.app.Admitter.RequeueFailed(ctx, kind)
}

func (l localServices) Summary(ctx context.Context, kind queue.Kind) (report.Summary, error) {
	return l.app.Reporter.Summary(ctx, kind)
}

func (l localServices) Close() error {
	return l.app.Close(context.Background())
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "crawlqueue",
		Short: "Durable work queue for the book crawler.",
		Long: `crawlqueue stores crawl targets, hands them to workers under priority
and retry policy, reclaims abandoned leases and reports progress.`,
		SilenceUsage: true,

		// Runs before every subcommand: load the env file, then the config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(flags.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(flags.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (yaml)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().StringVar(&flags.serverURL, "server", "",
		"crawlqueue server URL; operator commands open the store directly when empty")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newEnqueueCmd(flags),
		newStatsCmd(flags),
		newRequeueFailedCmd(flags),
		newWorkCmd(flags),
		newVersionCmd(),
	)
	return cmd
}

func configFrom(cmd *cobra.Command) config.Config {
	cfg, _ := cmd.Context().Value(cfgKey).(config.Config)
	return cfg
}

func openServices(cmd *cobra.Command, flags *rootFlags) (services, error) {
	return newServices(cmd.Context(), configFrom(cmd), flags.serverURL)
}

func closeServices(s services, w io.Writer) {
	if err := s.Close(); err != nil {
		fmt.Fprintf(w, "close: %v\n", err)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
