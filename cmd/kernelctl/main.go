// Command kernelctl is the kernel's admin command-line tool: it starts
// the API or worker runtime, and exposes one-shot schema/backup
// operations for scripting outside the HTTP admin surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wisbric/kernel/internal/app"
	"github.com/wisbric/kernel/internal/config"
	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/migration"
)

// exitCode maps an app error to spec §6's admin CLI exit codes: 0 success;
// 1 config/validation error; 2 infrastructure (DB/KV) unavailable;
// 3 migration failed.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, app.ErrMigrationFailed):
		return 3
	case errors.Is(err, app.ErrInfraUnavailable):
		return 2
	case errors.Is(err, app.ErrConfigInvalid):
		return 1
	default:
		return 1
	}
}

func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(mode string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", app.ErrConfigInvalid, err)
	}
	if mode != "" {
		cfg.Mode = mode
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("api")
			if err != nil {
				return err
			}
			ctx, cancel := rootContext()
			defer cancel()
			return app.Run(ctx, cfg)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background job worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("worker")
			if err != nil {
				return err
			}
			ctx, cancel := rootContext()
			defer cancel()
			return app.Run(ctx, cfg)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the schema-diff migration engine and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("migrate")
			if err != nil {
				return err
			}
			ctx, cancel := rootContext()
			defer cancel()
			return app.Run(ctx, cfg)
		},
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "apply-file [dir]",
		Short: "Apply a hand-authored golang-migrate directory directly (escape hatch, see SPEC_FULL.md 4.C.1)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			if err := migration.ApplyFileDir(cfg.DatabaseURL, args[0]); err != nil {
				return fmt.Errorf("%w: %v", app.ErrMigrationFailed, err)
			}
			return nil
		},
	})

	return migrateCmd
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Retry the rename backfill against the live schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			return runBackfill(cfg)
		},
	}
}

func runBackfill(cfg *config.Config) error {
	ctx, cancel := rootContext()
	defer cancel()

	pool, err := app.OpenPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", app.ErrInfraUnavailable, err)
	}
	defer pool.Close()

	registry := entity.NewRegistry()
	app.RegisterEntities(registry)

	conn, err := pool.Acquire(ctx, 10*time.Second)
	if err != nil {
		return fmt.Errorf("%w: %v", app.ErrInfraUnavailable, err)
	}
	defer pool.Release(conn)

	policy := migration.Policy{AllowColumnDeletion: cfg.AllowColumnDeletion, AllowTableDeletion: cfg.AllowTableDeletion}
	engine := migration.NewEngine(registry, pool.Generator(), policy, cfg.MigrationsAuditDir, slog.Default())
	if err := engine.Backfill(ctx, conn); err != nil {
		return fmt.Errorf("%w: %v", app.ErrMigrationFailed, err)
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "kernelctl",
		Short:         "Operate the wisbric application kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newBackfillCmd())

	if err := root.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(exitCode(err))
	}
}
