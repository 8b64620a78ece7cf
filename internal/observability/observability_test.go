package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_ContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Level: "debug"})

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithStep(ctx, 3)
	ctx = WithToolCallID(ctx, "call-9")
	ctx = WithOwnerID(ctx, "worker-a")
	logger.Info(ctx, "step started", "model", "m1")

	entry := decodeLine(t, &buf)
	want := map[string]any{
		"msg":          "step started",
		"run_id":       "run-1",
		"step":         float64(3),
		"tool_call_id": "call-9",
		"owner_id":     "worker-a",
		"model":        "m1",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLogger_Redaction(t *testing.T) {
	tests := []struct {
		name   string
		args   []any
		key    string
		secret string
	}{
		{name: "api key in string", args: []any{"detail", "api_key=abcdefghijklmnop1234"}, key: "detail", secret: "abcdefghijklmnop1234"},
		{name: "error value", args: []any{"error", errors.New("password: hunter2hunter2")}, key: "error", secret: "hunter2hunter2"},
		{name: "dsn", args: []any{"url", "postgres://app:s3cret@db:5432/runs"}, key: "url", secret: "s3cret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Output: &buf})
			logger.Warn(context.Background(), "check", tt.args...)
			if strings.Contains(buf.String(), tt.secret) {
				t.Errorf("secret leaked: %s", buf.String())
			}
			if !strings.Contains(buf.String(), "[REDACTED]") {
				t.Errorf("no redaction marker: %s", buf.String())
			}
		})
	}
}

func TestLogger_RedactMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	logger.Info(context.Background(), "cfg", "provider", map[string]string{"api-key": "x", "model": "m"})
	if strings.Contains(buf.String(), `"x"`) {
		t.Errorf("map value leaked: %s", buf.String())
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Level: "warn", Format: "text"})
	logger.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
	logger.Error(context.Background(), "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("error not logged")
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).WithFields("component", "scheduler")
	logger.Info(context.Background(), "x")
	if decodeLine(t, &buf)["component"] != "scheduler" {
		t.Errorf("missing field: %s", buf.String())
	}
}

func TestMetrics_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordToolExecution("search", true, 0.2)
	m.RecordToolExecution("search", false, 0.1)
	m.RecordToolExecution("search", true, 0.3)
	m.RecordActivation("search", "success", 0.001)
	m.RecordDelta("content")
	m.RecordStep()
	m.RecordCommit("assistant")
	m.RecordLease("acquired")
	m.RecordRun("completed")
	m.RecordUsageFallback()

	expected := `
		# HELP agentrun_tool_executions_total Total number of tool executions by tool and status
		# TYPE agentrun_tool_executions_total counter
		agentrun_tool_executions_total{status="error",tool="search"} 1
		agentrun_tool_executions_total{status="success",tool="search"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutions, strings.NewReader(expected)); err != nil {
		t.Errorf("tool executions: %v", err)
	}
	if got := testutil.ToFloat64(m.Steps); got != 1 {
		t.Errorf("steps = %v", got)
	}
	if got := testutil.ToFloat64(m.UsageFallbacks); got != 1 {
		t.Errorf("usage fallbacks = %v", got)
	}
	if got := testutil.ToFloat64(m.LeaseEvents.WithLabelValues("acquired")); got != 1 {
		t.Errorf("lease acquired = %v", got)
	}
	if n := testutil.CollectAndCount(m.ToolExecutionDuration); n != 1 {
		t.Errorf("duration series = %d", n)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordStep()
	m.RecordToolExecution("x", true, 1)
	m.RecordRun("failed")
}

func TestTracer_NoEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceRun(context.Background(), "run-1", "m")
	RecordError(span, errors.New("boom"))
	span.End()
	if TraceID(ctx) != "" {
		t.Errorf("no-op tracer produced a trace id")
	}

	var nilTracer *Tracer
	_, span = nilTracer.TraceStep(context.Background(), 1)
	span.End()
}
