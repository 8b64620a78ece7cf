package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group for database migrations.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage the run store schema.

The run command applies pending migrations on start, so these commands are
mostly useful for inspecting a database or rolling back.`,
	}

	cmd.AddCommand(buildMigrateUpCmd())
	cmd.AddCommand(buildMigrateDownCmd())
	cmd.AddCommand(buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Long: `Apply all pending database migrations in order.

Postgres and SQLite are supported. The dialect follows database.driver.`,
		Example: `  # Apply all pending migrations
  agentrun migrate up

  # Apply only the next migration
  agentrun migrate up --steps 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, configPath, steps)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back applied migrations, newest first.

WARNING: rolling back drops tables. Recorded runs and messages are lost.`,
		Example: `  # Roll back the last migration
  agentrun migrate down`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, configPath, steps)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// =============================================================================
// Reaper Command
// =============================================================================

// buildReapCmd creates the "reap" command.
func buildReapCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Release expired leases and purge old phase records",
		Long: `Sweep the run store on the reaper.schedule cron expression.

Expired leases are deleted so crashed runs can be resumed by another worker.
Completed phase records of finished runs older than reaper.idempotency_ttl
are purged.`,
		Example: `  # One sweep, then exit
  agentrun reap --once

  # Sweep on schedule until interrupted
  agentrun reap`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReap(cmd, configPath, once)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&once, "once", false, "Run a single sweep and exit")
	return cmd
}
