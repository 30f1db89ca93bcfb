package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/server"
	"github.com/JakeFAU/crawlqueue/internal/storage/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the store schema.",
	}
	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration.",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m *migrations.Migrator) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations.",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m *migrations.Migrator) error {
			if err := m.Down(steps); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version.",
		Args:  cobra.NoArgs,
		RunE:  withMigrator(printVersion),
	}
	cmd.AddCommand(up, down, version)
	return cmd
}

func withMigrator(fn func(*cobra.Command, *migrations.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		storeCfg := configFrom(cmd).Store
		storeCfg.AutoMigrate = false
		backend, err := server.OpenBackend(cmd.Context(), storeCfg, zap.NewNop())
		if err != nil {
			return err
		}
		m, err := backend.Migrator()
		if err != nil {
			_ = backend.Close()
			if errors.Is(err, server.ErrNoSchema) {
				fmt.Fprintln(cmd.OutOrStdout(), "memory backend: nothing to migrate")
				return nil
			}
			return err
		}
		runErr := fn(cmd, m)
		return errors.Join(runErr, m.Close(), backend.Close())
	}
}

func printVersion(cmd *cobra.Command, m *migrations.Migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d", version)
	if dirty {
		fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
