// Package main provides the CLI entry point for agentrun, a durable
// multi-step agent run engine.
//
// # Basic Usage
//
// Run an agent against a thread:
//
//	agentrun run --config agentrun.yaml --thread t1 "summarize the repo"
//
// Manage database migrations:
//
//	agentrun migrate up
//	agentrun migrate status
//
// Inspect tool activation:
//
//	agentrun tools resolve git_diff --agent main
//	agentrun tools check
//
// # Environment Variables
//
// Configuration files expand $VAR and ${VAR}. Common ones:
//
//   - AGENTRUN_CONFIG: Path to configuration file (default: agentrun.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "agentrun.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentrun",
		Short: "agentrun - durable multi-step agent runs",
		Long: `agentrun drives an LLM through multi-step runs with tool execution.

Runs are leased, checkpointed by (run, step, phase) and resumable after a crash.
Supported LLM providers: Anthropic (Claude), OpenAI (GPT), recorded tapes`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildMigrateCmd(),
		buildToolsCmd(),
		buildReapCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath falls back to AGENTRUN_CONFIG, then the default name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("AGENTRUN_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

func addConfigFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "config", "c", "", "Path to YAML or JSON5 configuration file (default: $AGENTRUN_CONFIG or agentrun.yaml)")
}
