package main

import (
	"github.com/spf13/cobra"
)

type runOptions struct {
	configPath string
	runID      string
	threadID   string
	agentID    string
	projectID  string
	accountID  string
	model      string
	system     string
	strategy   string
	maxSteps   int
	events     bool
}

// buildRunCmd creates the "run" command.
func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Start or resume an agent run",
		Long: `Start a run, or resume it if the run ID already exists.

The run holds a lease for its whole lifetime. A second worker with the same
run ID skips it. A run that already finished prints its recorded outcome.
Interrupting the command cancels the run cooperatively: the current step's
partial output is kept and the run is marked cancelled.`,
		Example: `  # Start a new run
  agentrun run --thread t1 "what changed since yesterday?"

  # Resume a crashed run
  agentrun run --run-id 4b1f... --thread t1

  # Stream runtime events as JSON lines
  agentrun run --thread t1 --events "list open issues"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := ""
			if len(args) == 1 {
				input = args[0]
			}
			return runAgent(cmd, opts, input)
		},
	}

	addConfigFlag(cmd, &opts.configPath)
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Run ID (default: a new UUID)")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "Thread ID the run belongs to")
	cmd.Flags().StringVar(&opts.agentID, "agent", "", "Agent ID used for tool policy")
	cmd.Flags().StringVar(&opts.projectID, "project", "", "Project ID")
	cmd.Flags().StringVar(&opts.accountID, "account", "", "Account ID")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model override")
	cmd.Flags().StringVar(&opts.system, "system", "", "System prompt")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "Tool execution strategy: sequential or parallel")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "Override the maximum number of steps")
	cmd.Flags().BoolVar(&opts.events, "events", false, "Print runtime events as JSON lines")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}
