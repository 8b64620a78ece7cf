package models

// Terminal reasons reported by model streams.
const (
	FinishStop      = "stop"
	FinishEndTurn   = "end_turn"
	FinishToolCalls = "tool_calls"
	FinishToolUse   = "tool_use"
	FinishLength    = "length"
)

// Delta is one discrete event from a model stream. Any combination of fields
// may be set; an empty Delta is ignored.
type Delta struct {
	Content      string            `json:"content,omitempty"`
	ToolCall     *ToolCallFragment `json:"tool_call,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
}

// ToolCallFragment is a partial native tool call keyed by position index.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Empty reports whether the delta carries nothing.
func (d *Delta) Empty() bool {
	return d == nil || (d.Content == "" && d.ToolCall == nil && d.FinishReason == "" && d.Usage == nil)
}
