package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// LLMProvider opens model streams.
type LLMProvider interface {
	// Stream starts a model invocation. The returned stream is bound to ctx.
	Stream(ctx context.Context, req *CompletionRequest) (DeltaStream, error)

	// Name returns the provider identifier used in metrics and logs.
	Name() string
}

// DeltaStream is the inbound event source of one model invocation.
// Recv returns io.EOF once the stream is exhausted.
type DeltaStream interface {
	Recv() (*models.Delta, error)
	Close() error
}

// CompletionRequest is a provider-neutral model request.
type CompletionRequest struct {
	Model string `json:"model"`

	System string `json:"system,omitempty"`

	Messages []CompletionMessage `json:"messages"`

	Tools []ToolSpec `json:"tools,omitempty"`

	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one prompt entry built from visible run messages.
type CompletionMessage struct {
	Role models.Role `json:"role"`

	Content string `json:"content,omitempty"`

	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	ToolName string `json:"tool_name,omitempty"`

	IsError bool `json:"is_error,omitempty"`

	Images []models.SideEffect `json:"images,omitempty"`
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Tool is a named, asynchronously invocable function.
type Tool interface {
	Name() string

	Description() string

	// Schema returns the JSON Schema of the arguments object.
	Schema() json.RawMessage

	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// ToolResult is the {success, output, error} triple returned by a tool.
type ToolResult struct {
	Success bool `json:"success"`

	Output json.RawMessage `json:"output,omitempty"`

	Error string `json:"error,omitempty"`

	// SideEffects are committed after every tool result of the batch.
	SideEffects []models.SideEffect `json:"side_effects,omitempty"`
}

// TextResult returns a successful result with a string output.
func TextResult(text string) *ToolResult {
	out, _ := json.Marshal(text)
	return &ToolResult{Success: true, Output: out}
}

// JSONResult returns a successful result with v encoded as output.
func JSONResult(v any) (*ToolResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &ToolResult{Success: true, Output: out}, nil
}

// ErrorResult returns a failed result.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Success: false, Error: msg}
}

// SpecOf builds the advertised spec of a tool.
func SpecOf(t Tool) ToolSpec {
	return ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()}
}
