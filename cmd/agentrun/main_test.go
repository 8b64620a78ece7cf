package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "migrate", "tools", "reap", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("AGENTRUN_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigName {
		t.Errorf("resolveConfigPath(\"\") = %q", got)
	}
	t.Setenv("AGENTRUN_CONFIG", "/etc/agentrun.yaml")
	if got := resolveConfigPath(""); got != "/etc/agentrun.yaml" {
		t.Errorf("env fallback = %q", got)
	}
	if got := resolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Errorf("explicit path = %q", got)
	}
}

func TestToolsResolveCommand(t *testing.T) {
	path := writeTestConfig(t, `
provider:
  name: anthropic
  api_key: test
tools:
  policy:
    default_agent: main
  dependencies:
    thread_history: [ask]
`)
	out, err := execute(t, "tools", "resolve", "thread_history", "--agent", "main", "-c", path)
	if err != nil {
		t.Fatalf("resolve: %v\n%s", err, out)
	}
	ask := strings.Index(out, "ask (dependency)")
	history := strings.Index(out, "thread_history")
	if ask < 0 || history < 0 || ask > history {
		t.Errorf("unexpected load order:\n%s", out)
	}
}

func TestToolsCheckReportsUnknownDependency(t *testing.T) {
	path := writeTestConfig(t, `
provider:
  name: anthropic
  api_key: test
tools:
  dependencies:
    ask: [missing_tool]
`)
	out, err := execute(t, "tools", "check", "-c", path)
	if err == nil {
		t.Fatalf("expected check to fail:\n%s", out)
	}
	if !strings.Contains(out, "missing_tool") {
		t.Errorf("output does not name the missing tool:\n%s", out)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema output is not JSON: %v", err)
	}
}

func TestOutputSink(t *testing.T) {
	var buf bytes.Buffer
	sink := newOutputSink(&buf, false)
	ctx := context.Background()
	sink.Emit(ctx, &models.RuntimeEvent{Type: models.EventContent, Content: "hello"})
	sink.Emit(ctx, &models.RuntimeEvent{Type: models.EventStepStart})
	sink.Emit(ctx, &models.RuntimeEvent{Type: models.EventToolStarted, ToolName: "ask"})
	if got := buf.String(); got != "hello\n[tool ask]\n" {
		t.Errorf("text output = %q", got)
	}

	buf.Reset()
	sink = newOutputSink(&buf, true)
	sink.Emit(ctx, &models.RuntimeEvent{Type: models.EventStatus, RunID: "r1"})
	var decoded models.RuntimeEvent
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded.RunID != "r1" {
		t.Errorf("json output = %q (%v)", buf.String(), err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentrun.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
