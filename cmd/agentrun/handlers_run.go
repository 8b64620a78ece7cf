package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/runstore"
	"github.com/haasonsaas/agentrun/internal/tools/activation"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// runAgent handles the run command.
func runAgent(cmd *cobra.Command, opts runOptions, input string) error {
	configPath := resolveConfigPath(opts.configPath)
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a.serveMetrics()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	spool, err := a.usageSpool(ctx)
	if err != nil {
		return err
	}
	leases, err := runstore.NewLeaseManager(store, a.cfg.LeaseConfig(),
		runstore.WithLeaseMetrics(a.metrics),
		runstore.WithLeaseLogger(a.logger),
	)
	if err != nil {
		return err
	}
	defer leases.Close()

	src, err := a.modelSource()
	if err != nil {
		return err
	}
	catalog, err := buildCatalog(src.replay, src.recorder)
	if err != nil {
		return err
	}
	policies, err := a.policyStore(ctx)
	if err != nil {
		return err
	}
	tools := activation.NewProvider(catalog, policies,
		activation.WithPreload(a.cfg.Tools.Preload...),
		activation.WithThreadManager(store),
		activation.WithDB(a.db),
		activation.WithProviderLogger(a.logger),
		activation.WithActivatorOptions(
			activation.WithDependencies(a.cfg.Tools.Dependencies),
			activation.WithMetrics(a.metrics),
			activation.WithLogger(a.logger),
		),
	)

	coordOpts := []agent.CoordinatorOption{
		agent.WithRunConfig(a.cfg.RunConfig()),
		agent.WithToolProvider(tools),
		agent.WithDefaultModel(a.cfg.Provider.Model),
		agent.WithCoordinatorMetrics(a.metrics),
		agent.WithCoordinatorTracer(a.tracer),
		agent.WithCoordinatorLogger(a.logger),
	}
	if spool != nil {
		coordOpts = append(coordOpts, agent.WithUsageFallback(spool))
	}
	coord, err := agent.NewCoordinator(src.provider, store, leases, coordOpts...)
	if err != nil {
		return err
	}

	runID := strings.TrimSpace(opts.runID)
	if runID == "" {
		runID = uuid.NewString()
	}
	req := agent.RunRequest{
		RunID:     runID,
		ThreadID:  opts.threadID,
		AgentID:   opts.agentID,
		ProjectID: opts.projectID,
		AccountID: opts.accountID,
		Model:     opts.model,
		System:    opts.system,
		Input:     input,
		Sink:      newOutputSink(cmd.OutOrStdout(), opts.events),
	}
	if opts.strategy != "" || opts.maxSteps > 0 {
		rc := a.cfg.RunConfig()
		if opts.strategy != "" {
			rc.Strategy = agent.ExecutionStrategy(opts.strategy)
			if !rc.Strategy.Valid() {
				return fmt.Errorf("invalid strategy %q", opts.strategy)
			}
		}
		if opts.maxSteps > 0 {
			rc.MaxSteps = opts.maxSteps
		}
		req.Config = &rc
	}

	// Interrupts stop the run between units of work instead of killing the
	// stream, so partial output is committed.
	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-sigCtx.Done()
		if ctx.Err() == nil && coord.Cancel(runID) {
			slog.Warn("interrupt received, cancelling run", "run_id", runID)
		}
	}()

	slog.Info("starting run", "run_id", runID, "thread_id", opts.threadID, "config", configPath)
	outcome, runErr := coord.Run(ctx, req)

	if src.recorder != nil {
		if err := src.recorder.Tape().Save(a.cfg.Provider.Record); err != nil {
			slog.Warn("failed to save tape", "path", a.cfg.Provider.Record, "error", err)
		} else {
			slog.Info("tape saved", "path", a.cfg.Provider.Record)
		}
	}
	if outcome != nil {
		printOutcome(cmd.OutOrStdout(), outcome)
	}
	return runErr
}

// outputSink streams assistant text, or every event as a JSON line.
type outputSink struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
	enc    *json.Encoder
}

func newOutputSink(out io.Writer, asJSON bool) agent.EventSink {
	s := &outputSink{out: out, asJSON: asJSON, enc: json.NewEncoder(out)}
	return agent.NewCallbackSink(s.emit)
}

func (s *outputSink) emit(_ context.Context, e *models.RuntimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.asJSON {
		_ = s.enc.Encode(e)
		return
	}
	switch e.Type {
	case models.EventContent:
		fmt.Fprint(s.out, e.Content)
	case models.EventToolStarted:
		fmt.Fprintf(s.out, "\n[tool %s]\n", e.ToolName)
	case models.EventToolFailed:
		fmt.Fprintf(s.out, "[tool %s failed: %s]\n", e.ToolName, e.Error)
	}
}

func printOutcome(out io.Writer, outcome *agent.RunOutcome) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Run Outcome")
	fmt.Fprintln(out, "===========")
	fmt.Fprintf(out, "  run:      %s\n", outcome.RunID)
	fmt.Fprintf(out, "  status:   %s\n", outcome.Status)
	switch {
	case outcome.Skipped:
		fmt.Fprintln(out, "  note:     run is owned by another worker")
		return
	case outcome.Replayed:
		fmt.Fprintln(out, "  note:     run had already finished")
	}
	fmt.Fprintf(out, "  steps:    %d\n", outcome.Steps)
	if outcome.TerminationReason != "" {
		fmt.Fprintf(out, "  reason:   %s\n", outcome.TerminationReason)
	}
	if outcome.ErrorCode != "" {
		fmt.Fprintf(out, "  error:    %s\n", outcome.ErrorCode)
	}
	fmt.Fprintf(out, "  tokens:   %d prompt, %d completion\n", outcome.Usage.PromptTokens, outcome.Usage.CompletionTokens)
}
