package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Tool Commands
// =============================================================================

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect tool activation",
		Long: `Inspect the tool catalog, its dependency graph and the activation policy.

These commands read the configuration only. No database or provider is used.`,
	}
	cmd.AddCommand(buildToolsListCmd(), buildToolsResolveCmd(), buildToolsCheckCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog tools and the policy decision for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, configPath, agentID)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID to evaluate the policy for")
	return cmd
}

func buildToolsResolveCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
	)
	cmd := &cobra.Command{
		Use:   "resolve <tool>...",
		Short: "Print the load order of tools and their dependencies",
		Long: `Resolve the requested tools against the dependency graph.

Dependencies the agent's policy denies are reported as skipped. Tools on a
dependency cycle are reported as unresolved.`,
		Example: `  # Load order for git_diff as agent "main"
  agentrun tools resolve git_diff --agent main`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsResolve(cmd, configPath, agentID, args)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID to evaluate the policy for")
	return cmd
}

func buildToolsCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the dependency graph for cycles and missing tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsCheck(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}
