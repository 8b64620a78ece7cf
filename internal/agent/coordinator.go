package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrun/internal/backoff"
	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/internal/runstore"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Termination reasons recorded on the run.
const (
	ReasonCompleted       = "completed"
	ReasonTerminatingTool = "terminating_tool"
	ReasonPendingTools    = "tool_calls_pending"
	ReasonMaxSteps        = "max_steps"
	ReasonCancelled       = "cancelled"
	ReasonError           = "error"
	ReasonLeaseLost       = "lease_lost"
)

// RunConfig configures the behavior of one run.
type RunConfig struct {
	// Strategy selects sequential or parallel tool execution.
	// Default: sequential
	Strategy ExecutionStrategy

	// ExecuteOnStream dispatches a tool call as soon as it is complete,
	// before the step's stream ends.
	ExecuteOnStream bool

	// AutoExecute runs tool calls. When false the run stops after the first
	// step with calls and leaves them to the caller.
	// Default: true
	AutoExecute bool

	// NativeToolCalls and MarkupToolCalls enable the two tool-call encodings.
	NativeToolCalls bool
	MarkupToolCalls bool

	// MaxSteps bounds the number of model invocations of a run.
	// Default: 25
	MaxSteps int

	// TerminatingTools end the run once one succeeds. Nil uses the tool
	// provider's terminating set, then DefaultTerminatingTools.
	TerminatingTools []string

	// ContinueReasons lists terminal reasons besides tool_calls that start
	// another step.
	ContinueReasons []string

	// FlushInterval is the period of the in-flight text snapshot. Zero
	// disables it.
	// Default: 2s
	FlushInterval time.Duration

	// MaxConcurrency bounds parallel tool executions. Zero means unbounded.
	// Default: 8
	MaxConcurrency int

	// ToolTimeout overrides the executor's default per-call timeout.
	ToolTimeout time.Duration

	// MaxTokens is passed to the model on every step.
	// Default: 4096
	MaxTokens int
}

// DefaultRunConfig returns the default run configuration.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Strategy:        StrategySequential,
		AutoExecute:     true,
		NativeToolCalls: true,
		MaxSteps:        25,
		FlushInterval:   2 * time.Second,
		MaxConcurrency:  8,
		MaxTokens:       4096,
	}
}

func sanitizeRunConfig(cfg RunConfig) RunConfig {
	defaults := DefaultRunConfig()
	if !cfg.Strategy.Valid() {
		cfg.Strategy = defaults.Strategy
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.MaxConcurrency < 0 {
		cfg.MaxConcurrency = 0
	}
	if cfg.FlushInterval < 0 {
		cfg.FlushInterval = 0
	}
	if !cfg.AutoExecute {
		cfg.ExecuteOnStream = false
	}
	if !cfg.NativeToolCalls && !cfg.MarkupToolCalls {
		cfg.NativeToolCalls = true
	}
	return cfg
}

// RunInfo identifies a run to its tool provider.
type RunInfo struct {
	RunID     string
	ThreadID  string
	AgentID   string
	ProjectID string
	AccountID string
}

// RunTools is the tool set of one run.
type RunTools struct {
	Registry *ToolRegistry

	// Activator builds tools on a registry miss. May be nil.
	Activator ToolActivator

	Discovery   []string
	Terminating []string
}

// ToolProvider builds the tool set of a run.
type ToolProvider interface {
	RunTools(ctx context.Context, run RunInfo) (*RunTools, error)
}

// CoordinatorStore is the durable state behind the coordinator.
type CoordinatorStore interface {
	runstore.RunStore
	runstore.MessageStore
	runstore.IdempotencyStore
	runstore.UsageStore
}

// RunRequest starts or resumes a run.
type RunRequest struct {
	RunID     string
	ThreadID  string
	AgentID   string
	ProjectID string
	AccountID string
	Model     string
	System    string

	// Input is the user message that opens the run. It is stored once; a
	// resumed run does not write it again.
	Input string

	// Config overrides the coordinator's run configuration.
	Config *RunConfig

	// Sink receives this run's events in addition to the coordinator's sink.
	Sink EventSink
}

// RunOutcome summarizes a run.
type RunOutcome struct {
	RunID  string
	Status runstore.RunStatus

	// Skipped is set when another worker owns the run.
	Skipped bool

	// Replayed is set when the run had already finished and its recorded
	// outcome is returned.
	Replayed bool

	Steps             int
	TerminationReason string
	ErrorCode         string
	Usage             models.Usage
	Messages          []*models.Message
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRunConfig sets the default run configuration.
func WithRunConfig(cfg RunConfig) CoordinatorOption {
	return func(c *Coordinator) { c.config = sanitizeRunConfig(cfg) }
}

// WithToolProvider sets the source of each run's tools.
func WithToolProvider(p ToolProvider) CoordinatorOption {
	return func(c *Coordinator) { c.tools = p }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) CoordinatorOption {
	return func(c *Coordinator) { c.model = model }
}

// WithExecutorConfig sets the tool executor configuration.
func WithExecutorConfig(cfg *ExecutorConfig) CoordinatorOption {
	return func(c *Coordinator) {
		if cfg != nil {
			c.execConfig = cfg
		}
	}
}

// WithUsageFallback sets where usage records go when the primary store keeps
// failing.
func WithUsageFallback(store runstore.UsageStore) CoordinatorOption {
	return func(c *Coordinator) {
		if store != nil {
			c.usageFallback = store
		}
	}
}

// WithUsageRetry sets the cleanup retry of failed usage writes.
func WithUsageRetry(policy backoff.Policy, attempts int) CoordinatorOption {
	return func(c *Coordinator) {
		c.usageRetry = policy
		c.usageAttempts = attempts
	}
}

// WithEventSink sets the sink every run reports to.
func WithEventSink(sink EventSink) CoordinatorOption {
	return func(c *Coordinator) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithCoordinatorMetrics records run metrics.
func WithCoordinatorMetrics(m *observability.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCoordinatorTracer traces runs and steps.
func WithCoordinatorTracer(t *observability.Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *observability.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithCoordinatorClock overrides the clock.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator drives runs step by step.
//
// Each step moves through three idempotent phases, recorded durably per
// (run, step, phase):
//
//	stream  ──▶  tools  ──▶  commit
//	  │            │           │
//	  │ model      │ results   │ ordered flush, continue or terminate
//	  ▼            ▼           ▼
//	recorded    recorded    recorded
//
// A phase that already completed is replayed from its record instead of
// being executed again, so a run resumed after a crash neither re-invokes
// the model nor re-executes tools for work that already finished.
type Coordinator struct {
	provider LLMProvider
	store    CoordinatorStore
	leases   *runstore.LeaseManager
	tools    ToolProvider

	config     RunConfig
	execConfig *ExecutorConfig
	model      string

	usageFallback runstore.UsageStore
	usageRetry    backoff.Policy
	usageAttempts int

	sink    EventSink
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *observability.Logger
	locks   *runLocks
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

// NewCoordinator creates a coordinator.
func NewCoordinator(provider LLMProvider, store CoordinatorStore, leases *runstore.LeaseManager, opts ...CoordinatorOption) (*Coordinator, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if store == nil {
		return nil, errors.New("coordinator store is required")
	}
	if leases == nil {
		return nil, errors.New("lease manager is required")
	}
	c := &Coordinator{
		provider:      provider,
		store:         store,
		leases:        leases,
		config:        DefaultRunConfig(),
		execConfig:    DefaultExecutorConfig(),
		usageFallback: runstore.NewSpool(),
		usageRetry:    backoff.DefaultPolicy(),
		usageAttempts: 3,
		sink:          NopSink{},
		locks:         newRunLocks(),
		now:           time.Now,
		active:        make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// activeRun is the cancellation handle of a run owned by this coordinator.
type activeRun struct {
	cancel chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	cause error
}

func newActiveRun() *activeRun {
	return &activeRun{cancel: make(chan struct{}), done: make(chan struct{})}
}

// stop requests cooperative cancellation. The first cause wins.
func (a *activeRun) stop(cause error) {
	a.once.Do(func() {
		a.mu.Lock()
		a.cause = cause
		a.mu.Unlock()
		close(a.cancel)
	})
}

// stopped returns the cancellation cause, or nil while the run may proceed.
func (a *activeRun) stopped() error {
	select {
	case <-a.cancel:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.cause
	default:
		return nil
	}
}

func (a *activeRun) leaseLost() bool {
	return errors.Is(a.stopped(), ErrLeaseLost)
}

// Cancel requests cooperative cancellation of a run owned by this
// coordinator. In-flight tool executions finish and the step is flushed
// partially. It reports whether the run was active here.
func (c *Coordinator) Cancel(runID string) bool {
	c.mu.Lock()
	a, ok := c.active[runID]
	c.mu.Unlock()
	if ok {
		a.stop(ErrRunCancelled)
	}
	return ok
}

func (c *Coordinator) register(runID string) (*activeRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[runID]; ok {
		return nil, false
	}
	a := newActiveRun()
	c.active[runID] = a
	return a, true
}

func (c *Coordinator) unregister(runID string, a *activeRun) {
	c.mu.Lock()
	if c.active[runID] == a {
		delete(c.active, runID)
	}
	c.mu.Unlock()
	close(a.done)
}

// runScope bundles everything one run needs while it holds its lease.
type runScope struct {
	req     RunRequest
	cfg     RunConfig
	record  *runstore.Run
	state   *RunState
	writer  *messageWriter
	sched   *Scheduler
	tools   *RunTools
	active  *activeRun
	sink    EventSink
	pending []*runstore.UsageRecord
}

func (s *runScope) key(step int, phase runstore.Phase) runstore.IdempotencyKey {
	return runstore.IdempotencyKey{RunID: s.state.RunID, Step: step, Phase: phase}
}

// Run executes or resumes a run until it terminates. A run whose lease is
// held elsewhere is skipped, not failed. A run that already finished returns
// its recorded outcome without doing any work.
//
// Once the lease is acquired the outcome is always returned; the error is
// non-nil when the run did not complete successfully.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return nil, errors.New("run id is required")
	}
	cfg := c.config
	if req.Config != nil {
		cfg = sanitizeRunConfig(*req.Config)
	}
	if req.Model == "" {
		req.Model = c.model
	}

	ctx = observability.WithRunID(ctx, req.RunID)
	ctx = observability.WithOwnerID(ctx, c.leases.OwnerID())

	active, ok := c.register(req.RunID)
	if !ok {
		c.logger.Info(ctx, "run already active in this process, skipping")
		c.metrics.RecordRun("skipped")
		return &RunOutcome{RunID: req.RunID, Skipped: true}, nil
	}
	defer c.unregister(req.RunID, active)

	held, err := c.leases.TryAcquire(ctx, req.RunID)
	if errors.Is(err, runstore.ErrLeaseHeld) {
		c.logger.Info(ctx, "run owned by another worker, skipping")
		c.metrics.RecordRun("skipped")
		return &RunOutcome{RunID: req.RunID, Skipped: true}, nil
	}
	if err != nil {
		return nil, &RunError{Phase: PhaseLease, Cause: err}
	}
	// Deferred first so the lease is released after every other cleanup.
	defer held.Release()
	go c.watchLease(ctx, held, active)

	ctx, span := c.tracer.TraceRun(ctx, req.RunID, req.Model)
	defer span.End()

	record, err := c.openRun(ctx, req)
	if err != nil {
		observability.RecordError(span, err)
		return nil, &RunError{Phase: PhaseInit, Cause: err}
	}
	if record.Status.Terminal() {
		return c.recordedOutcome(ctx, record)
	}

	s, err := c.prepare(ctx, req, cfg, record, active)
	if err != nil {
		observability.RecordError(span, err)
		runErr := &RunError{Phase: PhaseInit, Cause: err}
		record.Status = runstore.RunFailed
		record.TerminationReason = ReasonError
		record.ErrorCode = ErrorCode(runErr)
		if uerr := c.store.UpdateRun(context.WithoutCancel(ctx), record); uerr != nil {
			c.logger.Error(ctx, "failed to record run failure", "error", uerr)
		}
		c.metrics.RecordRun(string(runstore.RunFailed))
		return &RunOutcome{RunID: req.RunID, Status: runstore.RunFailed, TerminationReason: ReasonError, ErrorCode: record.ErrorCode}, runErr
	}

	record.Status = runstore.RunRunning
	if err := c.store.UpdateRun(ctx, record); err != nil {
		c.logger.Warn(ctx, "failed to mark run running", "error", err)
	}

	runErr := c.loop(ctx, s)
	if runErr != nil {
		observability.RecordError(span, runErr)
	}
	return c.finish(ctx, s, runErr), runErr
}

func (c *Coordinator) watchLease(ctx context.Context, held *runstore.HeldLease, active *activeRun) {
	select {
	case <-held.Lost():
		c.logger.Warn(ctx, "lease lost, stopping run")
		active.stop(ErrLeaseLost)
	case <-active.done:
	}
}

func (c *Coordinator) openRun(ctx context.Context, req RunRequest) (*runstore.Run, error) {
	now := c.now()
	err := c.store.CreateRun(ctx, &runstore.Run{
		ID:        req.RunID,
		ThreadID:  req.ThreadID,
		Model:     req.Model,
		Status:    runstore.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return c.store.GetRun(ctx, req.RunID)
}

func (c *Coordinator) recordedOutcome(ctx context.Context, record *runstore.Run) (*RunOutcome, error) {
	msgs, err := c.store.ListMessages(ctx, record.ID)
	if err != nil {
		return nil, &RunError{Phase: PhaseInit, Cause: err}
	}
	records, err := c.store.ListUsage(ctx, record.ID)
	if err != nil {
		return nil, &RunError{Phase: PhaseInit, Cause: err}
	}
	var usage models.Usage
	for _, r := range records {
		usage.Add(&models.Usage{PromptTokens: r.PromptTokens, CompletionTokens: r.CompletionTokens})
	}
	c.logger.Info(ctx, "run already finished, returning recorded outcome", "status", record.Status)
	return &RunOutcome{
		RunID:             record.ID,
		Status:            record.Status,
		Replayed:          true,
		Steps:             record.Step,
		TerminationReason: record.TerminationReason,
		ErrorCode:         record.ErrorCode,
		Usage:             usage,
		Messages:          msgs,
	}, nil
}

func (c *Coordinator) prepare(ctx context.Context, req RunRequest, cfg RunConfig, record *runstore.Run, active *activeRun) (*runScope, error) {
	history, err := c.loadHistory(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	state := NewRunState(req.RunID, req.ThreadID, req.Model, history)
	if err := c.restoreTermination(ctx, state); err != nil {
		return nil, err
	}

	sink := c.sink
	if req.Sink != nil {
		sink = NewMultiSink(c.sink, req.Sink)
	}
	writer := &messageWriter{
		store:   c.store,
		state:   state,
		locks:   c.locks,
		sink:    sink,
		metrics: c.metrics,
		now:     c.now,
	}
	if err := c.writeInput(ctx, writer, req); err != nil {
		return nil, err
	}

	tools, err := c.runTools(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build run tools: %w", err)
	}

	execCfg := *c.execConfig
	if cfg.ToolTimeout > 0 {
		execCfg.DefaultTimeout = cfg.ToolTimeout
	}
	execOpts := []ExecutorOption{
		WithExecutorMetrics(c.metrics),
		WithExecutorTracer(c.tracer),
		WithExecutorLogger(c.logger),
	}
	if tools.Activator != nil {
		execOpts = append(execOpts, WithActivator(tools.Activator))
	}
	exec := NewExecutor(tools.Registry, &execCfg, execOpts...)

	terminating := cfg.TerminatingTools
	if terminating == nil && len(tools.Terminating) > 0 {
		terminating = tools.Terminating
	}
	sched := NewScheduler(exec, SchedulerConfig{
		Strategy:         cfg.Strategy,
		MaxConcurrency:   cfg.MaxConcurrency,
		TerminatingTools: terminating,
		DiscoveryTools:   tools.Discovery,
	}, sink)

	return &runScope{
		req:    req,
		cfg:    cfg,
		record: record,
		state:  state,
		writer: writer,
		sched:  sched,
		tools:  tools,
		active: active,
		sink:   sink,
	}, nil
}

// stepProgress is what the phase records say about a step.
type stepProgress struct {
	committed bool
	streamed  bool
}

func (c *Coordinator) stepProgress(ctx context.Context, runID string, step int) (stepProgress, error) {
	var p stepProgress
	for _, phase := range []runstore.Phase{runstore.PhaseCommit, runstore.PhaseStream} {
		rec, err := c.store.GetPhase(ctx, runstore.IdempotencyKey{RunID: runID, Step: step, Phase: phase})
		if errors.Is(err, runstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return p, fmt.Errorf("load %s record: %w", phase, err)
		}
		switch phase {
		case runstore.PhaseCommit:
			p.committed = rec.Completed()
		case runstore.PhaseStream:
			p.streamed = rec.Completed()
		}
	}
	return p, nil
}

// loadHistory returns the committed messages of a run. Messages of a step
// whose commit phase never completed are leftovers of an interrupted attempt
// and are deleted; the step runs again. The exception is the last partial
// snapshot of a step whose stream was never recorded: it is kept, without
// tool calls and marked interrupted, so streamed output survives the crash.
func (c *Coordinator) loadHistory(ctx context.Context, runID string) ([]*models.Message, error) {
	msgs, err := c.store.ListMessages(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	latest := make(map[int]*models.Message)
	for _, m := range msgs {
		if m.Type == models.MessageAssistant && m.MetaString(models.MetaStreamStatus) == models.StreamStatusPartial {
			latest[metaInt(m, models.MetaStep)] = m
		}
	}

	progress := map[int]stepProgress{0: {committed: true}}
	var kept []*models.Message
	for _, m := range msgs {
		step := metaInt(m, models.MetaStep)
		p, seen := progress[step]
		if !seen {
			if p, err = c.stepProgress(ctx, runID, step); err != nil {
				return nil, err
			}
			progress[step] = p
		}

		switch {
		case p.committed, m.MetaString(models.MetaStreamStatus) == models.StreamStatusInterrupted:
			kept = append(kept, m)
			continue
		case !p.streamed && latest[step] == m:
			m.Content.ToolCalls = nil
			m.UpdatedAt = c.now()
			m.SetMeta(models.MetaStreamStatus, models.StreamStatusInterrupted)
			if err := c.store.AppendMessages(ctx, []*models.Message{m}); err != nil {
				return nil, fmt.Errorf("keep interrupted output: %w", err)
			}
			c.logger.Info(ctx, "kept output of interrupted step", "step", step, "message_id", m.ID, "chars", len(m.Content.Text))
			kept = append(kept, m)
			continue
		}
		if err := c.store.DeleteMessage(ctx, runID, m.ID); err != nil {
			return nil, fmt.Errorf("drop uncommitted message: %w", err)
		}
		c.logger.Info(ctx, "dropped message of uncommitted step", "step", step, "type", m.Type, "message_id", m.ID)
	}
	return kept, nil
}

// restoreTermination reapplies the decision of the last committed step. A
// worker that crashed between that commit and the run record update would
// otherwise start another step.
func (c *Coordinator) restoreTermination(ctx context.Context, state *RunState) error {
	step := state.Step()
	if step == 0 {
		return nil
	}
	rec, err := c.store.GetPhase(ctx, runstore.IdempotencyKey{RunID: state.RunID, Step: step, Phase: runstore.PhaseCommit})
	if errors.Is(err, runstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load commit record: %w", err)
	}
	var committed commitRecord
	if rec.Completed() && len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, &committed); err != nil {
			return fmt.Errorf("decode commit record: %w", err)
		}
	}
	if committed.Reason != "" {
		state.Terminate(committed.Reason)
	}
	return nil
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/haasonsaas/agentrun"))

func inputMessageID(runID string) string {
	return uuid.NewSHA1(idNamespace, []byte(runID+"/input")).String()
}

func usageRecordID(runID string, step int) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/usage/%d", runID, step))).String()
}

func (c *Coordinator) writeInput(ctx context.Context, w *messageWriter, req RunRequest) error {
	if strings.TrimSpace(req.Input) == "" {
		return nil
	}
	id := inputMessageID(req.RunID)
	for _, m := range w.state.Messages() {
		if m.ID == id {
			return nil
		}
	}
	m := w.newMessage(models.MessageUser, 0, true, models.MessageContent{Role: models.RoleUser, Text: req.Input})
	m.ID = id
	return w.write(ctx, m)
}

func (c *Coordinator) runTools(ctx context.Context, req RunRequest) (*RunTools, error) {
	if c.tools == nil {
		return &RunTools{Registry: NewToolRegistry()}, nil
	}
	rt, err := c.tools.RunTools(ctx, RunInfo{
		RunID:     req.RunID,
		ThreadID:  req.ThreadID,
		AgentID:   req.AgentID,
		ProjectID: req.ProjectID,
		AccountID: req.AccountID,
	})
	if err != nil {
		return nil, err
	}
	if rt == nil {
		rt = &RunTools{}
	}
	if rt.Registry == nil {
		rt.Registry = NewToolRegistry()
	}
	return rt, nil
}

// loop runs steps until the run terminates, fails or is cancelled.
func (c *Coordinator) loop(ctx context.Context, s *runScope) error {
	for {
		if done, _ := s.state.Terminated(); done {
			return nil
		}
		if cause := s.active.stopped(); cause != nil {
			return &RunError{Phase: PhaseContinue, Step: s.state.Step(), Cause: cause}
		}
		if s.state.Step() >= s.cfg.MaxSteps {
			s.state.Terminate(ReasonMaxSteps)
			return &RunError{
				Phase: PhaseContinue,
				Step:  s.state.Step(),
				Code:  CodeMaxSteps,
				Cause: fmt.Errorf("%w: %d", ErrMaxSteps, s.cfg.MaxSteps),
			}
		}
		if err := c.runStep(ctx, s, s.state.NextStep()); err != nil {
			return err
		}
	}
}

// stepRecord is the recorded result of a stream phase.
type stepRecord struct {
	Text         string            `json:"text"`
	FinishReason string            `json:"finish_reason"`
	Calls        []models.ToolCall `json:"calls,omitempty"`
	Usage        models.Usage      `json:"usage"`
}

// toolsRecord is the recorded result of a tools phase.
type toolsRecord struct {
	Results    []*models.ToolResult `json:"results"`
	Terminated bool                 `json:"terminated"`
}

// commitRecord is the recorded result of a commit phase.
type commitRecord struct {
	AssistantID string `json:"assistant_id,omitempty"`
	Messages    int    `json:"messages"`
	Reason      string `json:"reason,omitempty"`
}

// beginPhase claims a phase. When the phase already completed it decodes
// the recorded result into replay and reports true.
func (c *Coordinator) beginPhase(ctx context.Context, key runstore.IdempotencyKey, replay any) (bool, error) {
	err := c.store.BeginPhase(ctx, key, c.leases.OwnerID(), c.now())
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, runstore.ErrAlreadyCompleted) {
		return false, fmt.Errorf("begin %s: %w", key, err)
	}
	rec, err := c.store.GetPhase(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if len(rec.Result) > 0 && replay != nil {
		if err := json.Unmarshal(rec.Result, replay); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return true, nil
}

func (c *Coordinator) completePhase(ctx context.Context, key runstore.IdempotencyKey, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.store.CompletePhase(ctx, key, data, c.now()); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// runStep executes one step: stream, tools, ordered commit, then the
// continue-or-terminate decision.
func (c *Coordinator) runStep(ctx context.Context, s *runScope, step int) error {
	ctx = observability.WithStep(ctx, step)
	ctx, span := c.tracer.TraceStep(ctx, step)
	defer span.End()

	var committed commitRecord
	done, err := c.beginPhase(ctx, s.key(step, runstore.PhaseCommit), &committed)
	if err != nil {
		return &RunError{Phase: PhaseCommit, Step: step, Code: CodePersistence, Cause: err}
	}
	if done {
		c.logger.Info(ctx, "step already committed, skipping", "reason", committed.Reason)
		if committed.Reason != "" {
			s.state.Terminate(committed.Reason)
		}
		return nil
	}

	var rec stepRecord
	streamReplayed, err := c.beginPhase(ctx, s.key(step, runstore.PhaseStream), &rec)
	if err != nil {
		return &RunError{Phase: PhaseStream, Step: step, Code: CodePersistence, Cause: err}
	}
	var tools toolsRecord
	toolsReplayed, err := c.beginPhase(ctx, s.key(step, runstore.PhaseTools), &tools)
	if err != nil {
		return &RunError{Phase: PhaseExecuteTools, Step: step, Code: CodePersistence, Cause: err}
	}

	c.metrics.RecordStep()
	emit(ctx, s.sink, &models.RuntimeEvent{Type: models.EventStepStart, RunID: s.state.RunID, Step: step, Time: c.now()})

	committer := newCommitter(s.writer, step)
	if err := committer.Begin(ctx); err != nil {
		return &RunError{Phase: PhaseCommit, Step: step, Code: CodePersistence, Cause: err}
	}

	batch := s.sched.NewBatch()
	batch.StopOn(s.active.cancel)
	pending := rec.Calls
	if streamReplayed {
		c.logger.Info(ctx, "replaying recorded stream", "calls", len(rec.Calls))
	} else {
		dispatch := s.cfg.ExecuteOnStream && !toolsReplayed
		res := c.stream(ctx, s, step, committer, batch, dispatch)
		rec = stepRecord{Text: res.Text, FinishReason: res.FinishReason, Calls: res.Calls, Usage: res.Usage}
		if res.State != StateDone {
			batch.Wait()
			committer.StageBatch(batch)
			return c.abortStep(ctx, s, step, committer, rec, c.streamFailure(s, res))
		}
		pending = res.Pending
		if err := c.completePhase(ctx, s.key(step, runstore.PhaseStream), rec); err != nil {
			batch.Wait()
			return &RunError{Phase: PhaseStream, Step: step, Code: CodePersistence, Cause: err}
		}
	}
	s.state.AddUsage(rec.Usage)

	terminated := false
	switch {
	case toolsReplayed:
		c.logger.Info(ctx, "replaying recorded tool results", "results", len(tools.Results))
		for _, r := range tools.Results {
			committer.StageToolResult(r)
		}
		terminated = tools.Terminated
	case len(rec.Calls) > 0 && s.cfg.AutoExecute:
		s.sched.Run(ctx, batch, pending, s.active.cancel)
		committer.StageBatch(batch)
		if cause := s.active.stopped(); cause != nil {
			return c.abortStep(ctx, s, step, committer, rec, &RunError{Phase: PhaseExecuteTools, Step: step, Cause: cause})
		}
		terminated = batch.Terminated()
		tools = toolsRecord{Terminated: terminated}
		for _, r := range batch.Completed() {
			tools.Results = append(tools.Results, r.Result)
		}
		if err := c.completePhase(ctx, s.key(step, runstore.PhaseTools), tools); err != nil {
			return &RunError{Phase: PhaseExecuteTools, Step: step, Code: CodePersistence, Cause: err}
		}
	case len(rec.Calls) > 0:
		committer.KeepPendingCalls()
	}

	msgs, err := committer.Flush(ctx, rec.Text, rec.Calls)
	if err != nil {
		return &RunError{Phase: PhaseCommit, Step: step, Code: CodePersistence, Cause: err}
	}

	reason := c.decide(s, rec, terminated)
	committed = commitRecord{AssistantID: committer.AssistantID(), Messages: len(msgs), Reason: reason}
	if err := c.completePhase(ctx, s.key(step, runstore.PhaseCommit), committed); err != nil {
		return &RunError{Phase: PhaseCommit, Step: step, Code: CodePersistence, Cause: err}
	}
	c.recordUsage(ctx, s, step, rec.Usage)

	if reason != "" {
		s.state.Terminate(reason)
	}
	emit(ctx, s.sink, (&models.RuntimeEvent{Type: models.EventStepEnd, RunID: s.state.RunID, Step: step, Time: c.now()}).
		WithMeta("finish_reason", rec.FinishReason).
		WithMeta("tool_calls", len(rec.Calls)))
	return nil
}

// decide returns the termination reason of a committed step, or "" to
// continue with another step.
func (c *Coordinator) decide(s *runScope, rec stepRecord, terminated bool) string {
	switch {
	case terminated:
		return ReasonTerminatingTool
	case len(rec.Calls) > 0 && !s.cfg.AutoExecute:
		return ReasonPendingTools
	case len(rec.Calls) > 0:
		// Executed results go back to the model whatever the finish reason:
		// markup calls arrive with stop.
		return ""
	}
	for _, r := range s.cfg.ContinueReasons {
		if r == rec.FinishReason {
			return ""
		}
	}
	return ReasonCompleted
}

// stream runs the model for one step and feeds the parser. Content events
// go straight to the sink; complete calls are dispatched immediately when
// dispatch is set.
func (c *Coordinator) stream(ctx context.Context, s *runScope, step int, committer *Committer, batch *Batch, dispatch bool) StreamResult {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.active.cancel:
			cancel()
		case <-streamCtx.Done():
		}
	}()

	stream, err := c.provider.Stream(streamCtx, c.buildRequest(s))
	if err != nil {
		if cause := s.active.stopped(); cause != nil {
			return StreamResult{State: StateCancelled, Err: cause}
		}
		return StreamResult{State: StateError, Err: err}
	}
	defer stream.Close()

	stopFlush := c.startFlusher(ctx, s, committer)
	defer stopFlush()

	parser := NewStreamParser(ParserConfig{
		Step:            step,
		NativeToolCalls: s.cfg.NativeToolCalls,
		MarkupToolCalls: s.cfg.MarkupToolCalls,
		ContinueReasons: s.cfg.ContinueReasons,
	})
	return parser.Consume(streamCtx, stream, s.active.cancel, func(ev ParserEvent) {
		switch ev.Kind {
		case ParserContent:
			c.metrics.RecordDelta("content")
			s.state.AppendText(ev.Content)
			emit(ctx, s.sink, &models.RuntimeEvent{
				Type:    models.EventContent,
				RunID:   s.state.RunID,
				Step:    step,
				Content: ev.Content,
				Time:    c.now(),
			})
		case ParserCallComplete:
			c.metrics.RecordDelta("tool_call")
			call := *ev.Call
			emit(ctx, s.sink, models.NewToolEvent(models.EventToolCallComplete, call.Name, call.ID).
				WithRun(s.state.RunID).
				WithStep(step).
				WithMeta("encoding", string(call.Encoding)))
			if dispatch {
				parser.MarkDispatched(call)
				s.sched.Dispatch(ctx, batch, call)
			}
		case ParserFinish:
			c.metrics.RecordDelta("finish")
		}
	})
}

// streamFailure converts a non-DONE stream result into a run error.
func (c *Coordinator) streamFailure(s *runScope, res StreamResult) error {
	cause := res.Err
	if res.State == StateCancelled {
		if stop := s.active.stopped(); stop != nil {
			cause = stop
		} else {
			cause = ErrRunCancelled
		}
	}
	if cause == nil {
		cause = ErrStreamTruncated
	}
	return &RunError{Phase: PhaseStream, Step: s.state.Step(), Cause: cause}
}

// abortStep persists what the step completed and returns runErr. After a
// lease loss nothing is written: another worker owns the run.
func (c *Coordinator) abortStep(ctx context.Context, s *runScope, step int, committer *Committer, rec stepRecord, runErr error) error {
	if s.active.leaseLost() {
		return runErr
	}
	flushCtx := context.WithoutCancel(ctx)
	if _, err := committer.FlushPartial(flushCtx, rec.Text, rec.Calls); err != nil {
		c.logger.Error(ctx, "partial flush failed", "step", step, "error", err)
	}
	return runErr
}

// startFlusher periodically snapshots the in-flight assistant text so a
// crash loses at most one interval of output.
func (c *Coordinator) startFlusher(ctx context.Context, s *runScope, committer *Committer) func() {
	interval := s.cfg.FlushInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last string
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				text := s.state.Text()
				if text == last {
					continue
				}
				if err := committer.Snapshot(ctx, text); err != nil {
					c.logger.Warn(ctx, "periodic flush failed", "error", err)
					continue
				}
				last = text
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (c *Coordinator) buildRequest(s *runScope) *CompletionRequest {
	req := &CompletionRequest{
		Model:     s.req.Model,
		System:    s.req.System,
		Messages:  completionMessages(s.state.Messages()),
		MaxTokens: s.cfg.MaxTokens,
	}
	if s.cfg.NativeToolCalls {
		req.Tools = s.tools.Registry.Specs()
	}
	return req
}

// completionMessages builds the prompt from the visible committed log.
func completionMessages(log []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(log))
	for _, m := range log {
		if !m.Visible {
			continue
		}
		switch m.Type {
		case models.MessageUser:
			out = append(out, CompletionMessage{Role: models.RoleUser, Content: m.Content.Text})
		case models.MessageAssistant:
			out = append(out, CompletionMessage{
				Role:      models.RoleAssistant,
				Content:   m.Content.Text,
				ToolCalls: m.Content.ToolCalls,
			})
		case models.MessageTool:
			r := m.Content.ToolResult
			if r == nil {
				continue
			}
			out = append(out, CompletionMessage{
				Role:       models.RoleTool,
				Content:    r.OutputText(),
				ToolCallID: r.ToolCallID,
				ToolName:   r.ToolName,
				IsError:    !r.Success,
			})
		case models.MessageImageContext:
			if m.Content.Image == nil {
				continue
			}
			out = append(out, CompletionMessage{Role: models.RoleUser, Images: []models.SideEffect{*m.Content.Image}})
		}
	}
	return out
}

// recordUsage writes the step's usage record. A failed write is retried in
// the cleanup phase.
func (c *Coordinator) recordUsage(ctx context.Context, s *runScope, step int, u models.Usage) {
	rec := &runstore.UsageRecord{
		ID:               usageRecordID(s.state.RunID, step),
		RunID:            s.state.RunID,
		Step:             step,
		Model:            s.state.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CreatedAt:        c.now(),
	}
	if err := c.store.RecordUsage(ctx, rec); err != nil {
		c.logger.Warn(ctx, "usage write failed, retrying at cleanup", "error", err)
		s.pending = append(s.pending, rec)
		return
	}
	c.drainFallback(ctx)
}

type usageDrainer interface {
	Drain(ctx context.Context, dst runstore.UsageStore) (int, error)
}

func (c *Coordinator) drainFallback(ctx context.Context) {
	d, ok := c.usageFallback.(usageDrainer)
	if !ok {
		return
	}
	n, err := d.Drain(ctx, c.store)
	if err != nil {
		c.logger.Warn(ctx, "usage spool drain incomplete", "drained", n, "error", err)
		return
	}
	if n > 0 {
		c.logger.Info(ctx, "drained spooled usage records", "count", n)
	}
}

// flushUsage retries failed usage writes and hands records that still fail
// to the fallback store.
func (c *Coordinator) flushUsage(ctx context.Context, s *runScope) {
	for _, rec := range s.pending {
		err := backoff.Do(ctx, c.usageRetry, c.usageAttempts, func(ctx context.Context) error {
			return c.store.RecordUsage(ctx, rec)
		})
		if err == nil {
			continue
		}
		c.metrics.RecordUsageFallback()
		if ferr := c.usageFallback.RecordUsage(ctx, rec); ferr != nil {
			c.logger.Error(ctx, "usage record lost", "step", rec.Step, "error", errors.Join(err, ferr))
			continue
		}
		c.logger.Warn(ctx, "usage record spooled to fallback", "step", rec.Step, "error", err)
	}
	s.pending = nil
}

// finish records the run's final state: a status message, pending usage
// and the run record. It runs even when ctx is cancelled.
func (c *Coordinator) finish(ctx context.Context, s *runScope, runErr error) *RunOutcome {
	ctx = context.WithoutCancel(ctx)
	step := s.state.Step()

	status := runstore.RunCompleted
	code := ""
	if runErr != nil {
		code = ErrorCode(runErr)
		switch code {
		case CodeCancelled:
			status = runstore.RunCancelled
			s.state.Terminate(ReasonCancelled)
		case CodeLeaseLost:
			status = runstore.RunRunning
			s.state.Terminate(ReasonLeaseLost)
		default:
			status = runstore.RunFailed
			s.state.Terminate(ReasonError)
		}
	}
	_, reason := s.state.Terminated()

	outcome := &RunOutcome{
		RunID:             s.state.RunID,
		Status:            status,
		Steps:             step,
		TerminationReason: reason,
		ErrorCode:         code,
		Usage:             s.state.Usage(),
	}

	if s.active.leaseLost() {
		c.logger.Warn(ctx, "run abandoned after lease loss", "step", step)
		c.metrics.RecordRun(ReasonLeaseLost)
		outcome.Messages = s.state.Messages()
		return outcome
	}

	var statusErr error
	switch {
	case hasStatus(s.state.Messages()):
		// Written by an earlier attempt that crashed before the run record.
	case runErr == nil:
		statusErr = s.writer.writeStatus(ctx, step, "completed", reason, "")
	case status == runstore.RunCancelled:
		statusErr = s.writer.writeStatus(ctx, step, "cancelled", "run cancelled", code)
	default:
		statusErr = s.writer.writeStatus(ctx, step, "error", statusMessage(runErr), code)
	}
	if statusErr != nil {
		c.logger.Error(ctx, "failed to write status message", "error", statusErr)
	}

	c.flushUsage(ctx, s)

	s.record.Status = status
	s.record.Step = step
	s.record.TerminationReason = reason
	s.record.ErrorCode = code
	if err := c.store.UpdateRun(ctx, s.record); err != nil {
		c.logger.Error(ctx, "failed to update run record", "error", err)
	}

	if runErr != nil {
		c.logger.Warn(ctx, "run ended with error", "status", status, "code", code, "error", runErr)
	} else {
		c.logger.Info(ctx, "run completed", "steps", step, "reason", reason)
	}
	c.metrics.RecordRun(string(status))
	outcome.Messages = s.state.Messages()
	return outcome
}

func hasStatus(log []*models.Message) bool {
	for i := len(log) - 1; i >= 0; i-- {
		switch log[i].Type {
		case models.MessageStatus:
			return true
		case models.MessageLLMResponseEnd:
			return false
		}
	}
	return false
}

// statusMessage is the short, user-facing text of a run error.
func statusMessage(err error) string {
	var runErr *RunError
	if errors.As(err, &runErr) && runErr.Cause != nil {
		return runErr.Cause.Error()
	}
	return err.Error()
}
