package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentrun/internal/config"
	"github.com/haasonsaas/agentrun/internal/runstore"
)

// openMigrator loads the config and opens its database without migrating.
func openMigrator(configPath string) (*sql.DB, *runstore.Migrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := runstore.OpenDB(cfg.DBConfig())
	if err != nil {
		return nil, nil, err
	}
	migrator, err := runstore.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return db, migrator, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	configPath = resolveConfigPath(configPath)
	slog.Info("running database migrations",
		"config", configPath,
		"steps", steps,
	)

	db, migrator, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}

	slog.Info("migrations completed successfully")
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	configPath = resolveConfigPath(configPath)
	slog.Warn("rolling back migrations",
		"config", configPath,
		"steps", steps,
	)

	db, migrator, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rolledBack, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolledBack) == 0 {
		slog.Info("no migrations to roll back")
		return nil
	}
	for _, id := range rolledBack {
		slog.Info("rolled back migration", "id", id)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	db, migrator, err := openMigrator(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	defer db.Close()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range applied {
			fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range pending {
			fmt.Fprintf(out, "  - %s\n", entry.ID)
		}
	}
	fmt.Fprintln(out)
	return nil
}

// runReap handles the reap command.
func runReap(cmd *cobra.Command, configPath string, once bool) error {
	a, err := loadApp(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	reaper, err := runstore.NewReaper(store, a.cfg.ReaperConfig(), a.logger)
	if err != nil {
		return err
	}

	if once {
		res, err := reaper.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "leases reaped: %d, phases purged: %d\n", res.LeasesReaped, res.PhasesPurged)
		return nil
	}

	a.serveMetrics()
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper.Start(sigCtx)
	slog.Info("reaper started", "schedule", a.cfg.Reaper.Schedule, "next", reaper.Next(time.Now()).Format(time.RFC3339))
	<-sigCtx.Done()
	reaper.Stop()
	slog.Info("reaper stopped")
	return nil
}
