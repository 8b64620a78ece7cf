package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/tools/activation"
	"github.com/haasonsaas/agentrun/pkg/models"
)

type searchTool struct{}

func (searchTool) Name() string            { return "search" }
func (searchTool) Description() string     { return "search" }
func (searchTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (searchTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return agent.TextResult("found"), nil
}

type fakeThreads struct {
	msgs []*models.Message
	err  error
}

func (f fakeThreads) ListMessages(context.Context, string) ([]*models.Message, error) {
	return f.msgs, f.err
}

func newCatalog(t *testing.T, extra ...activation.Definition) *activation.Catalog {
	t.Helper()
	c, err := activation.NewCatalog(append(Definitions(), extra...)...)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func newExecutor(act *activation.Activator, rc activation.RunContext) *agent.Executor {
	cfg := agent.DefaultExecutorConfig()
	cfg.ValidateArguments = true
	return agent.NewExecutor(act.Registry(), cfg, agent.WithActivator(act.ForRun(rc)))
}

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestDefinitions_Flags(t *testing.T) {
	c := newCatalog(t)
	if got := strings.Join(c.TerminatingNames(), ","); got != "ask,complete" {
		t.Errorf("terminating = %s", got)
	}
	if got := strings.Join(c.DiscoveryNames(), ","); got != ExpandToolsName {
		t.Errorf("discovery = %s", got)
	}
}

func TestSchemas_AreObjects(t *testing.T) {
	for _, tool := range []agent.Tool{newComplete(), newAsk(), newAttachImage()} {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			t.Fatalf("%s schema: %v", tool.Name(), err)
		}
		if schema["type"] != "object" {
			t.Errorf("%s schema type = %v", tool.Name(), schema["type"])
		}
	}
	var ask map[string]any
	_ = json.Unmarshal(newAsk().Schema(), &ask)
	required, _ := ask["required"].([]any)
	if len(required) != 1 || required[0] != "question" {
		t.Errorf("ask required = %v", ask["required"])
	}
}

func TestCompleteAndAsk(t *testing.T) {
	act := activation.NewActivator(newCatalog(t), nil, agent.NewToolRegistry())
	exec := newExecutor(act, activation.RunContext{RunID: "r1"})
	ctx := context.Background()

	res := exec.Execute(ctx, call("1", CompleteName, `{"result":"42"}`))
	if !res.Succeeded() || !strings.Contains(string(res.Result.Output), `"result":"42"`) {
		t.Fatalf("complete = %+v, %v", res.Result, res.Err)
	}

	res = exec.Execute(ctx, call("2", AskName, `{"question":"which branch?"}`))
	if !res.Succeeded() || !strings.Contains(string(res.Result.Output), "which branch?") {
		t.Fatalf("ask = %+v", res.Result)
	}

	// The reflected schema requires a question.
	res = exec.Execute(ctx, call("3", AskName, `{}`))
	if res.Succeeded() || !errors.Is(res.Err, agent.ErrInvalidArguments) {
		t.Errorf("ask without question = %+v, %v", res.Result, res.Err)
	}
}

func TestExpandTools(t *testing.T) {
	catalog := newCatalog(t, activation.Definition{
		Name:    "search",
		Factory: func(context.Context, activation.RunContext) (agent.Tool, error) { return searchTool{}, nil },
	})
	act := activation.NewActivator(catalog, nil, agent.NewToolRegistry())
	exec := newExecutor(act, activation.RunContext{RunID: "r1"})
	ctx := context.Background()

	res := exec.Execute(ctx, call("1", ExpandToolsName, `{"tools":["search","nope"]}`))
	if !res.Succeeded() {
		t.Fatalf("expand = %+v, %v", res.Result, res.Err)
	}
	var out expandOutput
	if err := json.Unmarshal(res.Result.Output, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Loaded) != 1 || out.Loaded[0] != "search" {
		t.Errorf("loaded = %v", out.Loaded)
	}
	if len(out.Failed) != 1 || out.Failed[0].Kind != string(activation.KindNotFound) || out.Failed[0].Hint == "" {
		t.Errorf("failed = %+v", out.Failed)
	}
	if _, ok := act.Registry().Lookup("search"); !ok {
		t.Fatal("search not registered")
	}
	if res := exec.Execute(ctx, call("2", "search", `{}`)); !res.Succeeded() {
		t.Errorf("search after expand = %+v", res.Result)
	}

	res = exec.Execute(ctx, call("3", ExpandToolsName, `{"tools":["nope"]}`))
	if res.Succeeded() || !strings.Contains(res.Result.Error, "not_found") {
		t.Errorf("expand with only failures = %+v", res.Result)
	}
}

func TestAttachImage_SideEffect(t *testing.T) {
	act := activation.NewActivator(newCatalog(t), nil, agent.NewToolRegistry())
	exec := newExecutor(act, activation.RunContext{})

	res := exec.Execute(context.Background(), call("img-1", AttachImageName, `{"url":"https://example.com/a.png"}`))
	if !res.Succeeded() {
		t.Fatalf("attach = %+v, %v", res.Result, res.Err)
	}
	effects := res.Result.SideEffects
	if len(effects) != 1 {
		t.Fatalf("side effects = %+v", effects)
	}
	se := effects[0]
	if se.Kind != models.SideEffectImageContext || se.ToolCallID != "img-1" || se.MimeType != "image/png" {
		t.Errorf("side effect = %+v", se)
	}

	res = exec.Execute(context.Background(), call("img-2", AttachImageName, `{}`))
	if res.Succeeded() {
		t.Error("attach without url or data succeeded")
	}
}

func TestThreadHistory(t *testing.T) {
	msgs := []*models.Message{
		{Sequence: 1, Type: models.MessageUser, Visible: true, Content: models.MessageContent{Text: "hi"}},
		{Sequence: 2, Type: models.MessageLLMResponseStart},
		{Sequence: 3, Type: models.MessageAssistant, Visible: true, Content: models.MessageContent{Text: "hello"}},
		{Sequence: 4, Type: models.MessageTool, Visible: true, Content: models.MessageContent{
			ToolResult: &models.ToolResult{Success: true, Output: json.RawMessage(`"ok"`)},
		}},
	}
	act := activation.NewActivator(newCatalog(t), nil, agent.NewToolRegistry())
	exec := newExecutor(act, activation.RunContext{RunID: "r1", Threads: fakeThreads{msgs: msgs}})

	res := exec.Execute(context.Background(), call("1", ThreadHistoryName, `{"limit":2}`))
	if !res.Succeeded() {
		t.Fatalf("history = %+v, %v", res.Result, res.Err)
	}
	var entries []historyEntry
	if err := json.Unmarshal(res.Result.Output, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Text != "hello" || entries[1].Text != "ok" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestThreadHistory_NeedsThreadManager(t *testing.T) {
	act := activation.NewActivator(newCatalog(t), nil, agent.NewToolRegistry())
	_, err := act.Activate(context.Background(), ThreadHistoryName, activation.RunContext{RunID: "r1"})
	if !activation.IsKind(err, activation.KindConstructionFailure) {
		t.Fatalf("err = %v, want construction_failure", err)
	}
}
