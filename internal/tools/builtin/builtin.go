// Package builtin provides the engine-level tools: the final-answer tools
// that end a run, the discovery tool that activates more tools, and tools
// that exercise deferred side effects and the run's thread handle.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/tools/activation"
)

// Tool names.
const (
	CompleteName      = "complete"
	AskName           = "ask"
	ExpandToolsName   = "expand_tools"
	AttachImageName   = "attach_image"
	ThreadHistoryName = "thread_history"
)

// Definitions returns the catalog definitions of every builtin tool.
func Definitions() []activation.Definition {
	return []activation.Definition{
		{
			Name:        CompleteName,
			Factory:     func(context.Context, activation.RunContext) (agent.Tool, error) { return newComplete(), nil },
			Terminating: true,
		},
		{
			Name:        AskName,
			Factory:     func(context.Context, activation.RunContext) (agent.Tool, error) { return newAsk(), nil },
			Terminating: true,
		},
		{
			Name:      ExpandToolsName,
			Needs:     []activation.Param{activation.ParamActivator},
			Factory:   newExpandTools,
			Discovery: true,
		},
		{
			Name:    AttachImageName,
			Factory: func(context.Context, activation.RunContext) (agent.Tool, error) { return newAttachImage(), nil },
		},
		{
			Name:    ThreadHistoryName,
			Needs:   []activation.Param{activation.ParamThreadManager},
			Factory: newThreadHistory,
		},
	}
}

// schemaFor reflects the arguments schema of T.
func schemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	var v T
	out, err := json.Marshal(r.Reflect(&v))
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return out
}

// typedTool decodes its arguments into Req before running.
type typedTool[Req any] struct {
	name        string
	description string
	schema      json.RawMessage
	run         func(ctx context.Context, req Req) (*agent.ToolResult, error)
}

func newTypedTool[Req any](name, description string, run func(context.Context, Req) (*agent.ToolResult, error)) *typedTool[Req] {
	return &typedTool[Req]{
		name:        name,
		description: description,
		schema:      schemaFor[Req](),
		run:         run,
	}
}

func (t *typedTool[Req]) Name() string            { return t.name }
func (t *typedTool[Req]) Description() string     { return t.description }
func (t *typedTool[Req]) Schema() json.RawMessage { return t.schema }

func (t *typedTool[Req]) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolResult, error) {
	var req Req
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", agent.ErrInvalidArguments, err)
		}
	}
	return t.run(ctx, req)
}
