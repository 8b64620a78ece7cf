package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentrun/internal/backoff"
	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// ExecutorConfig configures single-call tool execution: timeouts, retries
// and argument validation.
type ExecutorConfig struct {
	// DefaultTimeout is the per-attempt timeout.
	// Default: 30s
	DefaultTimeout time.Duration

	// DefaultRetries is the number of retries for retryable errors.
	// Default: 2
	DefaultRetries int

	// RetryBackoff is the initial backoff between retries.
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	// Default: 5s
	MaxRetryBackoff time.Duration

	// ValidateArguments checks arguments against the tool's JSON Schema
	// before invocation.
	ValidateArguments bool
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		DefaultTimeout:    30 * time.Second,
		DefaultRetries:    2,
		RetryBackoff:      100 * time.Millisecond,
		MaxRetryBackoff:   5 * time.Second,
		ValidateArguments: true,
	}
}

// ToolConfig holds per-tool overrides.
type ToolConfig struct {
	Timeout time.Duration
	// Retries overrides DefaultRetries when >= 0.
	Retries int
}

// Executor runs one tool call at a time with lookup, JIT activation on a
// registry miss, argument validation, timeout, panic recovery and retry.
// Concurrency is owned by the Scheduler.
type Executor struct {
	tools     ToolSource
	activator ToolActivator
	config    *ExecutorConfig

	mu         sync.RWMutex
	toolConfig map[string]*ToolConfig

	schemas sync.Map

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *observability.Logger
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithActivator sets the fallback used when a tool is not registered.
func WithActivator(a ToolActivator) ExecutorOption {
	return func(e *Executor) { e.activator = a }
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorTracer sets the tracer.
func WithExecutorTracer(t *observability.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *observability.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor over tools. If config is nil,
// DefaultExecutorConfig is used.
func NewExecutor(tools ToolSource, config *ExecutorConfig, opts ...ExecutorOption) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	e := &Executor{
		tools:      tools,
		config:     config,
		toolConfig: make(map[string]*ToolConfig),
		logger:     observability.NopLogger(),
		tracer:     observability.NopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ConfigureTool sets per-tool overrides for the named tool.
func (e *Executor) ConfigureTool(name string, config *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[toolKey(name)] = config
}

func (e *Executor) getToolConfig(name string) *ToolConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolConfig[toolKey(name)]
}

// ExecutionResult holds the outcome of one call. Result is always set: a
// failure is converted into a failed models.ToolResult and Err keeps the
// categorized cause.
type ExecutionResult struct {
	Call     models.ToolCall
	Result   *models.ToolResult
	Err      error
	Attempts int
	Duration time.Duration
}

// Succeeded reports whether the tool returned a successful result.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Result != nil && r.Result.Success
}

// Resolve returns the tool for name, activating it on a registry miss.
func (e *Executor) Resolve(ctx context.Context, name string) (Tool, error) {
	if len(name) == 0 || len(name) > MaxToolNameLength {
		return nil, NewToolError(name, ErrToolNotFound).WithType(ToolErrorNotFound)
	}
	if e.tools != nil {
		if tool, ok := e.tools.Lookup(name); ok {
			if auth, ok := e.activator.(ToolAuthorizer); ok {
				if err := auth.AuthorizeTool(ctx, name); err != nil {
					return nil, NewToolError(name, err).WithType(ToolErrorActivation)
				}
			}
			return tool, nil
		}
	}
	if e.activator == nil {
		return nil, NewToolError(name, fmt.Errorf("%w: %s", ErrToolNotFound, name)).WithType(ToolErrorNotFound)
	}
	tool, err := e.activator.ActivateTool(ctx, name)
	if err != nil {
		return nil, NewToolError(name, err).WithType(ToolErrorActivation)
	}
	return tool, nil
}

// Execute runs a single call and never returns a nil result.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	res := &ExecutionResult{Call: call}

	ctx = observability.WithToolCallID(ctx, call.ID)
	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name, call.ID)
	defer span.End()

	finish := func(out *ToolResult, err error) *ExecutionResult {
		res.Duration = time.Since(start)
		res.Err = err
		res.Result = toModelResult(call, out, err, res.Duration)
		e.metrics.RecordToolExecution(call.Name, res.Result.Success, res.Duration.Seconds())
		if err != nil {
			observability.RecordError(span, err)
			e.logger.Warn(ctx, "tool execution failed", "tool", call.Name, "error", err, "attempts", res.Attempts)
		}
		return res
	}

	tool, err := e.Resolve(ctx, call.Name)
	if err != nil {
		if te, ok := GetToolError(err); ok {
			te.WithToolCallID(call.ID)
		}
		return finish(nil, err)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if e.config.ValidateArguments {
		if err := e.validate(tool, args); err != nil {
			return finish(nil, NewToolError(call.Name, err).
				WithType(ToolErrorInvalidInput).
				WithToolCallID(call.ID))
		}
	}

	timeout := e.config.DefaultTimeout
	retries := e.config.DefaultRetries
	if tc := e.getToolConfig(call.Name); tc != nil {
		if tc.Timeout > 0 {
			timeout = tc.Timeout
		}
		if tc.Retries >= 0 {
			retries = tc.Retries
		}
	}
	policy := backoff.Policy{
		Initial: e.config.RetryBackoff,
		Max:     e.config.MaxRetryBackoff,
		Factor:  2,
	}

	out, err := backoff.Retry(ctx, policy, retries+1, IsToolRetryable,
		func(ctx context.Context, attempt int) (*ToolResult, error) {
			res.Attempts = attempt
			return e.executeWithTimeout(ctx, tool, call, args, timeout)
		})
	if err != nil {
		cause := out.LastError
		if cause == nil {
			cause = NewToolError(call.Name, err).WithType(ToolErrorTimeout).WithMessage("context cancelled")
		}
		if te, ok := GetToolError(cause); ok {
			te.WithToolCallID(call.ID).WithAttempts(out.Attempts)
		}
		return finish(nil, cause)
	}
	return finish(out.Value, nil)
}

// executeWithTimeout runs one attempt with a timeout and panic recovery.
func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, args json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewToolError(call.Name, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, debug.Stack())).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID).
					WithMessage(fmt.Sprintf("tool panicked: %v", r))
				resultCh <- execResult{err: err}
			}
		}()

		result, err := tool.Execute(execCtx, args)
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
			return
		}
		if result == nil {
			result = &ToolResult{Success: true}
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

func (e *Executor) validate(tool Tool, args json.RawMessage) error {
	raw := strings.TrimSpace(string(tool.Schema()))
	if raw == "" || raw == "{}" || raw == "null" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	key := tool.Name() + "\x00" + raw
	var schema *jsonschema.Schema
	if cached, ok := e.schemas.Load(key); ok {
		schema = cached.(*jsonschema.Schema)
	} else {
		compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", raw)
		if err != nil {
			e.logger.Warn(context.Background(), "tool schema does not compile, skipping validation",
				"tool", tool.Name(), "error", err)
			return nil
		}
		e.schemas.Store(key, compiled)
		schema = compiled
	}

	if err := schema.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", ErrInvalidArguments, verr.Error())
		}
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// toModelResult converts an execution outcome into the immutable record
// committed as a tool message.
func toModelResult(call models.ToolCall, out *ToolResult, err error, d time.Duration) *models.ToolResult {
	result := &models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Duration:   d,
	}
	if err != nil {
		result.Success = false
		result.Error = toolErrorText(err)
		return result
	}
	result.Success = out.Success
	result.Output = out.Output
	result.Error = out.Error
	for _, se := range out.SideEffects {
		if se.ToolCallID == "" {
			se.ToolCallID = call.ID
		}
		result.SideEffects = append(result.SideEffects, se)
	}
	return result
}

func toolErrorText(err error) string {
	if te, ok := GetToolError(err); ok && te.Message != "" {
		return te.Message
	}
	return err.Error()
}
