package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// mockTool implements Tool for testing.
type mockTool struct {
	name      string
	schema    json.RawMessage
	execFunc  func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
	execCount atomic.Int32
}

func (m *mockTool) Name() string        { return m.name }
func (m *mockTool) Description() string { return "mock " + m.name }
func (m *mockTool) Schema() json.RawMessage {
	if m.schema == nil {
		return json.RawMessage(`{}`)
	}
	return m.schema
}
func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	m.execCount.Add(1)
	if m.execFunc != nil {
		return m.execFunc(ctx, params)
	}
	return TextResult("ok"), nil
}

// fakeActivator registers tools from a fixed set on demand.
type fakeActivator struct {
	registry  *ToolRegistry
	available map[string]Tool
	err       error
	calls     atomic.Int32
}

func (a *fakeActivator) ActivateTool(_ context.Context, name string) (Tool, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	tool, ok := a.available[name]
	if !ok {
		return nil, errors.New("no factory for " + name)
	}
	a.registry.Register(tool)
	return tool, nil
}

func testExecConfig() *ExecutorConfig {
	return &ExecutorConfig{
		DefaultTimeout:    time.Second,
		DefaultRetries:    2,
		RetryBackoff:      time.Millisecond,
		MaxRetryBackoff:   5 * time.Millisecond,
		ValidateArguments: true,
	}
}

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args), Step: 1}
}

func TestExecutor_Execute_Success(t *testing.T) {
	registry := NewToolRegistry(&mockTool{
		name: "echo",
		execFunc: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Success: true, Output: params}, nil
		},
	})

	result := NewExecutor(registry, testExecConfig()).Execute(context.Background(), call("call-1", "echo", `{"a":1}`))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.Succeeded() || string(result.Result.Output) != `{"a":1}` {
		t.Errorf("result = %+v", result.Result)
	}
	if result.Result.ToolCallID != "call-1" || result.Result.ToolName != "echo" {
		t.Errorf("identity = %s/%s", result.Result.ToolCallID, result.Result.ToolName)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
}

func TestExecutor_Execute_Retry(t *testing.T) {
	var attempts atomic.Int32
	registry := NewToolRegistry(&mockTool{
		name: "flaky",
		execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("connection reset by peer")
			}
			return TextResult("ok"), nil
		},
	})

	result := NewExecutor(registry, testExecConfig()).Execute(context.Background(), call("c", "flaky", `{}`))

	if !result.Succeeded() {
		t.Fatalf("expected success after retries, got %+v", result.Result)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestExecutor_Execute_NonRetryable(t *testing.T) {
	tool := &mockTool{
		name: "broken",
		execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("invalid state")
		},
	}
	result := NewExecutor(NewToolRegistry(tool), testExecConfig()).Execute(context.Background(), call("c", "broken", `{}`))

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if got := tool.execCount.Load(); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
	if result.Result.Error != "invalid state" {
		t.Errorf("error text = %q", result.Result.Error)
	}
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	registry := NewToolRegistry(&mockTool{
		name: "slow",
		execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
			time.Sleep(200 * time.Millisecond)
			return TextResult("late"), nil
		},
	})
	exec := NewExecutor(registry, testExecConfig())
	exec.ConfigureTool("slow", &ToolConfig{Timeout: 10 * time.Millisecond, Retries: 0})

	result := exec.Execute(context.Background(), call("c", "slow", `{}`))

	te, ok := GetToolError(result.Err)
	if !ok || te.Type != ToolErrorTimeout {
		t.Fatalf("err = %v, want timeout ToolError", result.Err)
	}
	if !strings.Contains(result.Result.Error, "timed out") {
		t.Errorf("error text = %q", result.Result.Error)
	}
}

func TestExecutor_Execute_Panic(t *testing.T) {
	registry := NewToolRegistry(&mockTool{
		name: "boom",
		execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
			panic("kaboom")
		},
	})

	result := NewExecutor(registry, testExecConfig()).Execute(context.Background(), call("c", "boom", `{}`))

	te, ok := GetToolError(result.Err)
	if !ok || te.Type != ToolErrorPanic {
		t.Fatalf("err = %v, want panic ToolError", result.Err)
	}
	if !errors.Is(result.Err, ErrToolPanic) {
		t.Errorf("panic sentinel not in chain")
	}
	if result.Result.Error != "tool panicked: kaboom" {
		t.Errorf("error text = %q", result.Result.Error)
	}
}

func TestExecutor_ArgumentValidation(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`)
	tool := &mockTool{name: "search", schema: schema}
	exec := NewExecutor(NewToolRegistry(tool), testExecConfig())

	tests := []struct {
		name    string
		args    string
		wantOK  bool
		wantRun int32
	}{
		{name: "valid", args: `{"q":"go"}`, wantOK: true, wantRun: 1},
		{name: "missing required", args: `{}`, wantOK: false, wantRun: 1},
		{name: "wrong type", args: `{"q":3}`, wantOK: false, wantRun: 1},
		{name: "not json object", args: `"raw text"`, wantOK: false, wantRun: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := exec.Execute(context.Background(), call("c-"+tt.name, "search", tt.args))
			if result.Succeeded() != tt.wantOK {
				t.Errorf("success = %v, want %v (%s)", result.Succeeded(), tt.wantOK, result.Result.Error)
			}
			if !tt.wantOK && !errors.Is(result.Err, ErrInvalidArguments) {
				t.Errorf("err = %v, want ErrInvalidArguments", result.Err)
			}
			if got := tool.execCount.Load(); got != tt.wantRun {
				t.Errorf("executions = %d, want %d", got, tt.wantRun)
			}
		})
	}
}

func TestExecutor_ActivatesOnMiss(t *testing.T) {
	registry := NewToolRegistry()
	activator := &fakeActivator{
		registry:  registry,
		available: map[string]Tool{"late": &mockTool{name: "late"}},
	}
	exec := NewExecutor(registry, testExecConfig(), WithActivator(activator))

	first := exec.Execute(context.Background(), call("a", "late", `{}`))
	second := exec.Execute(context.Background(), call("b", "late", `{}`))

	if !first.Succeeded() || !second.Succeeded() {
		t.Fatalf("activation path failed: %+v %+v", first.Result, second.Result)
	}
	if got := activator.calls.Load(); got != 1 {
		t.Errorf("activations = %d, want 1", got)
	}
}

func TestExecutor_ActivationFailure(t *testing.T) {
	registry := NewToolRegistry()
	activator := &fakeActivator{registry: registry, err: errors.New("blocked_by_policy: tool x is denied (hint: remove it from tools.policy.deny)")}
	exec := NewExecutor(registry, testExecConfig(), WithActivator(activator))

	result := exec.Execute(context.Background(), call("a", "x", `{}`))

	te, ok := GetToolError(result.Err)
	if !ok || te.Type != ToolErrorActivation {
		t.Fatalf("err = %v, want activation ToolError", result.Err)
	}
	if !strings.Contains(result.Result.Error, "hint") {
		t.Errorf("activation hint lost: %q", result.Result.Error)
	}
}

func TestExecutor_NotFoundWithoutActivator(t *testing.T) {
	result := NewExecutor(NewToolRegistry(), testExecConfig()).Execute(context.Background(), call("a", "ghost", `{}`))
	if !errors.Is(result.Err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", result.Err)
	}
}

func TestExecutor_SideEffectsTaggedWithCall(t *testing.T) {
	registry := NewToolRegistry(&mockTool{
		name: "img",
		execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return &ToolResult{
				Success:     true,
				SideEffects: []models.SideEffect{{Kind: models.SideEffectImageContext, URL: "file://a.png"}},
			}, nil
		},
	})
	result := NewExecutor(registry, testExecConfig()).Execute(context.Background(), call("c9", "img", `{}`))
	if len(result.Result.SideEffects) != 1 || result.Result.SideEffects[0].ToolCallID != "c9" {
		t.Errorf("side effects = %+v", result.Result.SideEffects)
	}
}

func TestExecutor_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	registry := NewToolRegistry(
		&mockTool{name: "good"},
		&mockTool{name: "bad", execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return ErrorResult("nope"), nil
		}},
	)
	exec := NewExecutor(registry, testExecConfig(), WithExecutorMetrics(metrics))

	exec.Execute(context.Background(), call("1", "good", `{}`))
	exec.Execute(context.Background(), call("2", "good", `{}`))
	exec.Execute(context.Background(), call("3", "bad", `{}`))

	if got := testutil.ToFloat64(metrics.ToolExecutions.WithLabelValues("good", "success")); got != 2 {
		t.Errorf("good successes = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ToolExecutions.WithLabelValues("bad", "error")); got != 1 {
		t.Errorf("bad errors = %v", got)
	}
}
