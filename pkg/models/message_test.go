package models

import (
	"encoding/json"
	"testing"
)

func TestMessageType_Constants(t *testing.T) {
	tests := []struct {
		constant MessageType
		expected string
	}{
		{MessageStatus, "status"},
		{MessageAssistant, "assistant"},
		{MessageTool, "tool"},
		{MessageImageContext, "image_context"},
		{MessageLLMResponseStart, "llm_response_start"},
		{MessageLLMResponseEnd, "llm_response_end"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_CloneIsolatesMutableFields(t *testing.T) {
	original := &Message{
		ID:   "msg-1",
		Type: MessageAssistant,
		Content: MessageContent{
			Role:      RoleAssistant,
			Text:      "hello",
			ToolCalls: []ToolCall{{ID: "call-1", Name: "search"}},
		},
		Metadata: map[string]any{MetaStep: 1},
	}

	clone := original.Clone()
	clone.Metadata[MetaStep] = 2
	clone.Content.ToolCalls[0].Name = "other"

	if original.Metadata[MetaStep] != 1 {
		t.Errorf("original metadata mutated: %v", original.Metadata[MetaStep])
	}
	if original.Content.ToolCalls[0].Name != "search" {
		t.Errorf("original tool calls mutated: %q", original.Content.ToolCalls[0].Name)
	}
}

func TestMessage_MetaString(t *testing.T) {
	var nilMsg *Message
	if got := nilMsg.MetaString(MetaRunID); got != "" {
		t.Errorf("nil message MetaString = %q", got)
	}

	msg := &Message{}
	msg.SetMeta(MetaAssistantMessageID, "asst-1")
	msg.SetMeta(MetaStep, 3)

	if got := msg.MetaString(MetaAssistantMessageID); got != "asst-1" {
		t.Errorf("MetaString = %q, want asst-1", got)
	}
	if got := msg.MetaString(MetaStep); got != "" {
		t.Errorf("non-string MetaString = %q, want empty", got)
	}
}

func TestMessageContent_JSONShape(t *testing.T) {
	msg := Message{
		ID:   "tool-1",
		Type: MessageTool,
		Content: MessageContent{
			Role: RoleTool,
			ToolResult: &ToolResult{
				ToolCallID: "call-1",
				ToolName:   "search",
				Success:    true,
				Output:     json.RawMessage(`"ok"`),
			},
		},
	}
	data, err := msg.MarshalContent()
	if err != nil {
		t.Fatalf("MarshalContent: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["role"] != "tool" {
		t.Errorf("role = %v", decoded["role"])
	}
	if _, ok := decoded["tool_calls"]; ok {
		t.Error("tool_calls should be omitted for tool messages")
	}
	if _, ok := decoded["tool_result"]; !ok {
		t.Error("tool_result missing")
	}
}

func TestToolCall_SameCall(t *testing.T) {
	base := ToolCall{ID: "call-1", Name: "search"}
	tests := []struct {
		name  string
		other ToolCall
		want  bool
	}{
		{"identical", ToolCall{ID: "call-1", Name: "search"}, true},
		{"different args still same", ToolCall{ID: "call-1", Name: "search", RawArguments: `{"q":1}`}, true},
		{"different id", ToolCall{ID: "call-2", Name: "search"}, false},
		{"different name", ToolCall{ID: "call-1", Name: "fetch"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.SameCall(tt.other); got != tt.want {
				t.Errorf("SameCall = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolResult_OutputText(t *testing.T) {
	tests := []struct {
		name   string
		result *ToolResult
		want   string
	}{
		{"nil", nil, ""},
		{"json string", &ToolResult{Success: true, Output: json.RawMessage(`"done"`)}, "done"},
		{"json object", &ToolResult{Success: true, Output: json.RawMessage(`{"a":1}`)}, `{"a":1}`},
		{"failure uses error", &ToolResult{Success: false, Error: "boom"}, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.OutputText(); got != tt.want {
				t.Errorf("OutputText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUsage_AddAndTotal(t *testing.T) {
	var u Usage
	u.Add(&Usage{PromptTokens: 10, CompletionTokens: 5})
	u.Add(nil)
	u.Add(&Usage{PromptTokens: 1, CompletionTokens: 2})
	if u.PromptTokens != 11 || u.CompletionTokens != 7 {
		t.Errorf("usage = %+v", u)
	}
	if u.Total() != 18 {
		t.Errorf("Total = %d, want 18", u.Total())
	}
}

func TestDelta_Empty(t *testing.T) {
	var nilDelta *Delta
	if !nilDelta.Empty() {
		t.Error("nil delta should be empty")
	}
	if !(&Delta{}).Empty() {
		t.Error("zero delta should be empty")
	}
	if (&Delta{FinishReason: FinishStop}).Empty() {
		t.Error("finish delta should not be empty")
	}
}
