package models

import (
	"encoding/json"
	"time"
)

// MessageType classifies a persisted run message.
type MessageType string

const (
	MessageStatus           MessageType = "status"
	MessageAssistant        MessageType = "assistant"
	MessageTool             MessageType = "tool"
	MessageImageContext     MessageType = "image_context"
	MessageLLMResponseStart MessageType = "llm_response_start"
	MessageLLMResponseEnd   MessageType = "llm_response_end"
	MessageUser             MessageType = "user"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Metadata keys shared by the committer and consumers.
const (
	MetaRunID              = "run_id"
	MetaStep               = "step"
	MetaStreamStatus       = "stream_status"
	MetaAssistantMessageID = "assistant_message_id"
	MetaToolCallID         = "tool_call_id"
)

// Stream status values stored under MetaStreamStatus.
const (
	StreamStatusPartial   = "partial"
	StreamStatusComplete  = "complete"
	StreamStatusCancelled = "cancelled"
	// StreamStatusInterrupted marks the last snapshot of a step whose worker
	// died mid-stream.
	StreamStatusInterrupted = "interrupted"
)

// Message is the unit of persistence and of the outbound message stream.
type Message struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	ThreadID  string         `json:"thread_id"`
	Type      MessageType    `json:"type"`
	Content   MessageContent `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sequence  int64          `json:"sequence"`
	Visible   bool           `json:"visible"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MessageContent is a role-tagged union. Exactly one payload is populated
// for a given message type: Text (with optional ToolCalls) for assistant and
// user messages, ToolResult for tool messages, Status for status messages.
type MessageContent struct {
	Role       Role           `json:"role"`
	Text       string         `json:"text,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
	Status     *StatusPayload `json:"status,omitempty"`
	Image      *SideEffect    `json:"image,omitempty"`
}

// StatusPayload is carried by status messages.
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Clone returns a deep-enough copy for handing to stores and subscribers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	if m.Content.ToolCalls != nil {
		clone.Content.ToolCalls = append([]ToolCall(nil), m.Content.ToolCalls...)
	}
	if m.Content.ToolResult != nil {
		result := *m.Content.ToolResult
		clone.Content.ToolResult = &result
	}
	if m.Content.Status != nil {
		status := *m.Content.Status
		clone.Content.Status = &status
	}
	return &clone
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// MetaString returns a metadata value as a string, or "" when absent.
func (m *Message) MetaString(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	if s, ok := m.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MarshalContent encodes the content union for storage.
func (m *Message) MarshalContent() ([]byte, error) {
	return json.Marshal(m.Content)
}

// Usage reports token accounting for one model invocation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another usage report.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}
