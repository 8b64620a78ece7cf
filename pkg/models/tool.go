package models

import (
	"encoding/json"
	"time"
)

// ToolCallEncoding records how a model expressed a tool call.
type ToolCallEncoding string

const (
	// EncodingNative is the provider's structured, index-keyed delta format.
	EncodingNative ToolCallEncoding = "native"
	// EncodingMarkup is a call embedded in the assistant text as a markup block.
	EncodingMarkup ToolCallEncoding = "markup"
)

// ToolCall represents a model's request to execute a tool.
//
// Arguments holds the parsed JSON payload once it is valid. RawArguments keeps
// the accumulated argument text exactly as received.
type ToolCall struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Arguments    json.RawMessage  `json:"arguments,omitempty"`
	RawArguments string           `json:"raw_arguments,omitempty"`
	Encoding     ToolCallEncoding `json:"encoding"`
	Step         int              `json:"step"`
	Index        int              `json:"index"`
}

// SameCall reports whether two calls are the same call: both the id and the
// function name must match.
func (c ToolCall) SameCall(other ToolCall) bool {
	return c.ID == other.ID && c.Name == other.Name
}

// ToolResult represents the output of a tool execution. A result is immutable
// once recorded.
type ToolResult struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
	SideEffects []SideEffect    `json:"side_effects,omitempty"`
}

// OutputText renders the output for prompt construction.
func (r *ToolResult) OutputText() string {
	if r == nil {
		return ""
	}
	if !r.Success && r.Error != "" {
		return r.Error
	}
	var s string
	if err := json.Unmarshal(r.Output, &s); err == nil {
		return s
	}
	return string(r.Output)
}

// SideEffectKind names a deferred side effect carried by a tool result.
type SideEffectKind string

const (
	// SideEffectImageContext attaches an image to the model's context.
	SideEffectImageContext SideEffectKind = "image_context"
)

// SideEffect is a deferred effect that must be committed only after every
// tool result of its batch.
type SideEffect struct {
	Kind       SideEffectKind  `json:"kind"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	MimeType   string          `json:"mime_type,omitempty"`
	URL        string          `json:"url,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
