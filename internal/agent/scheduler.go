package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// ExecutionStrategy selects how a batch of tool calls runs.
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "sequential"
	StrategyParallel   ExecutionStrategy = "parallel"
)

// Valid reports whether s names a known strategy.
func (s ExecutionStrategy) Valid() bool {
	return s == StrategySequential || s == StrategyParallel
}

// DefaultTerminatingTools are the final-answer tools.
var DefaultTerminatingTools = []string{"complete", "ask"}

// SchedulerConfig configures tool scheduling for a run.
type SchedulerConfig struct {
	Strategy ExecutionStrategy

	// MaxConcurrency bounds parallel executions. Zero means unbounded.
	MaxConcurrency int

	// TerminatingTools end the run once one of them succeeds.
	TerminatingTools []string

	// DiscoveryTools expand the tool set. In a parallel batch they run first,
	// one at a time, before any other call starts.
	DiscoveryTools []string
}

// Scheduler executes tool calls through an Executor and reports lifecycle
// events. One Scheduler may serve many batches.
type Scheduler struct {
	exec        *Executor
	strategy    ExecutionStrategy
	limit       int
	terminating map[string]bool
	discovery   map[string]bool
	sink        EventSink
}

// NewScheduler creates a scheduler. An unknown strategy falls back to
// sequential.
func NewScheduler(exec *Executor, cfg SchedulerConfig, sink EventSink) *Scheduler {
	strategy := cfg.Strategy
	if !strategy.Valid() {
		strategy = StrategySequential
	}
	terminating := cfg.TerminatingTools
	if terminating == nil {
		terminating = DefaultTerminatingTools
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Scheduler{
		exec:        exec,
		strategy:    strategy,
		limit:       cfg.MaxConcurrency,
		terminating: nameSet(terminating),
		discovery:   nameSet(cfg.DiscoveryTools),
		sink:        sink,
	}
}

func nameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if k := toolKey(n); k != "" {
			set[k] = true
		}
	}
	return set
}

// Strategy returns the configured strategy.
func (s *Scheduler) Strategy() ExecutionStrategy {
	return s.strategy
}

// IsTerminating reports whether name is in the terminating set.
func (s *Scheduler) IsTerminating(name string) bool {
	return s.terminating[toolKey(name)]
}

// IsDiscovery reports whether name expands the tool set.
func (s *Scheduler) IsDiscovery(name string) bool {
	return s.discovery[toolKey(name)]
}

// Batch collects the results of one step's tool calls. Results are keyed by
// call id; the first recorded result for an id wins.
type Batch struct {
	mu         sync.Mutex
	order      []string
	calls      map[string]models.ToolCall
	results    map[string]*ExecutionResult
	terminated bool
	wg         sync.WaitGroup
	sem        chan struct{}

	// queue feeds the batch's single serial worker.
	queue    []func()
	draining bool
	serial   sync.WaitGroup

	// held are mid-stream calls deferred until the batch runs.
	held []models.ToolCall

	// cancel stops the serial worker between calls.
	cancel <-chan struct{}
}

// NewBatch creates an empty batch bounded by the scheduler's concurrency limit.
func (s *Scheduler) NewBatch() *Batch {
	b := &Batch{
		calls:   make(map[string]models.ToolCall),
		results: make(map[string]*ExecutionResult),
	}
	if s.limit > 0 {
		b.sem = make(chan struct{}, s.limit)
	}
	return b
}

// claim registers call and reports whether it was new.
func (b *Batch) claim(call models.ToolCall) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.calls[call.ID]; ok {
		return false
	}
	b.calls[call.ID] = call
	b.order = append(b.order, call.ID)
	return true
}

func (b *Batch) record(r *ExecutionResult, terminating bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.results[r.Call.ID]; ok {
		return
	}
	b.results[r.Call.ID] = r
	if terminating && r.Succeeded() {
		b.terminated = true
	}
}

// Wait blocks until every dispatched execution has finished.
func (b *Batch) Wait() {
	b.serial.Wait()
	b.wg.Wait()
}

// StopOn makes queued mid-stream calls that have not started yet skip once
// cancel is closed.
func (b *Batch) StopOn(cancel <-chan struct{}) {
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
}

func (b *Batch) stopped() bool {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	return cancelled(cancel)
}

// enqueue appends fn to the serial worker, starting the worker if idle.
// Queued functions run one at a time in enqueue order.
func (b *Batch) enqueue(fn func()) {
	b.mu.Lock()
	b.queue = append(b.queue, fn)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.serial.Add(1)
	b.mu.Unlock()
	go b.drain()
}

func (b *Batch) drain() {
	defer b.serial.Done()
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		next()
	}
}

func (b *Batch) hold(call models.ToolCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.calls[call.ID]; ok {
		return
	}
	for _, h := range b.held {
		if h.ID == call.ID {
			return
		}
	}
	b.held = append(b.held, call)
}

func (b *Batch) takeHeld() []models.ToolCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	held := b.held
	b.held = nil
	return held
}

// Terminated reports whether a terminating tool succeeded in this batch.
func (b *Batch) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

// Has reports whether call id was dispatched in this batch.
func (b *Batch) Has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.calls[id]
	return ok
}

// Len returns the number of dispatched calls.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Completed returns the results of finished calls in dispatch order.
func (b *Batch) Completed() []*ExecutionResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*ExecutionResult, 0, len(b.results))
	for _, id := range b.order {
		if r, ok := b.results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Result returns the result for call id, if finished.
func (b *Batch) Result(id string) (*ExecutionResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.results[id]
	return r, ok
}

func (b *Batch) acquire(ctx context.Context) bool {
	if b.sem == nil {
		return true
	}
	select {
	case b.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Batch) release() {
	if b.sem != nil {
		<-b.sem
	}
}

// Dispatch hands over call as soon as it is known to be complete, before the
// step has finished streaming, and never waits for the execution.
//
// Sequential batches and discovery calls go to the batch's serial worker in
// arrival order. In a parallel batch other calls start at once, unless the
// run has discovery tools: then they are held until Run, so a discovery call
// later in the stream still finishes before they start. Duplicate ids are
// ignored.
func (s *Scheduler) Dispatch(ctx context.Context, batch *Batch, call models.ToolCall) {
	switch {
	case s.strategy == StrategySequential:
		batch.enqueue(func() {
			if batch.stopped() || batch.Terminated() {
				return
			}
			s.runOne(ctx, batch, call)
		})
	case s.IsDiscovery(call.Name):
		batch.enqueue(func() {
			if batch.stopped() {
				return
			}
			s.runOne(ctx, batch, call)
		})
	case len(s.discovery) > 0:
		batch.hold(call)
	default:
		if !batch.claim(call) {
			return
		}
		batch.wg.Add(1)
		go func() {
			defer batch.wg.Done()
			if !batch.acquire(ctx) {
				s.fail(ctx, batch, call, ctx.Err())
				return
			}
			defer batch.release()
			s.execute(ctx, batch, call)
		}()
	}
}

// Run executes calls into batch according to the strategy and waits for
// every execution of the batch, including earlier dispatches. Queued
// mid-stream calls finish first and held ones join calls. cancel is checked
// between dispatches; in-flight executions always finish.
func (s *Scheduler) Run(ctx context.Context, batch *Batch, calls []models.ToolCall, cancel <-chan struct{}) {
	batch.serial.Wait()
	if held := batch.takeHeld(); len(held) > 0 {
		calls = append(held, calls...)
	}
	if s.strategy == StrategySequential {
		s.runSequential(ctx, batch, calls, cancel)
	} else {
		s.runParallel(ctx, batch, calls, cancel)
	}
	batch.Wait()
}

func (s *Scheduler) runSequential(ctx context.Context, batch *Batch, calls []models.ToolCall, cancel <-chan struct{}) {
	for _, call := range calls {
		if cancelled(cancel) || batch.Terminated() {
			return
		}
		s.runOne(ctx, batch, call)
	}
}

func (s *Scheduler) runParallel(ctx context.Context, batch *Batch, calls []models.ToolCall, cancel <-chan struct{}) {
	rest := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		if !s.IsDiscovery(call.Name) {
			rest = append(rest, call)
			continue
		}
		if cancelled(cancel) {
			return
		}
		s.runOne(ctx, batch, call)
	}

	var g errgroup.Group
	if s.limit > 0 {
		g.SetLimit(s.limit)
	}
	for _, call := range rest {
		if cancelled(cancel) {
			break
		}
		if !batch.claim(call) {
			continue
		}
		g.Go(func() error {
			s.execute(ctx, batch, call)
			// Tool failures are results, never group errors: siblings keep running.
			return nil
		})
	}
	_ = g.Wait()
}

// runOne claims and executes call on the caller's goroutine.
func (s *Scheduler) runOne(ctx context.Context, batch *Batch, call models.ToolCall) {
	if !batch.claim(call) {
		return
	}
	s.execute(ctx, batch, call)
}

func (s *Scheduler) execute(ctx context.Context, batch *Batch, call models.ToolCall) {
	runID := observability.RunID(ctx)
	emit(ctx, s.sink, models.NewToolEvent(models.EventToolStarted, call.Name, call.ID).
		WithRun(runID).
		WithStep(call.Step))

	result := s.exec.Execute(ctx, call)
	batch.record(result, s.IsTerminating(call.Name))

	eventType := models.EventToolCompleted
	if !result.Succeeded() {
		eventType = models.EventToolFailed
	}
	ev := models.NewToolEvent(eventType, call.Name, call.ID).
		WithRun(runID).
		WithStep(call.Step).
		WithMeta("duration_ms", result.Duration.Milliseconds()).
		WithMeta("attempt", result.Attempts)
	ev.ToolResult = result.Result
	if !result.Succeeded() && result.Result != nil {
		ev.Error = result.Result.Error
	}
	emit(ctx, s.sink, ev)
}

// fail records a failed result for a call that never started.
func (s *Scheduler) fail(ctx context.Context, batch *Batch, call models.ToolCall, err error) {
	r := &ExecutionResult{Call: call, Err: err}
	r.Result = toModelResult(call, nil, NewToolError(call.Name, err).WithType(ToolErrorTimeout), 0)
	batch.record(r, false)
	emit(ctx, s.sink, models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).
		WithRun(observability.RunID(ctx)).
		WithStep(call.Step).
		WithError(err))
}

func cancelled(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
