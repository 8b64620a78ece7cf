package models

import "time"

// RuntimeEventType identifies the kind of runtime event emitted during a run.
type RuntimeEventType string

const (
	// EventContent carries a streamed assistant text fragment.
	EventContent RuntimeEventType = "content"

	// EventToolCallComplete indicates the parser assembled a complete tool call.
	EventToolCallComplete RuntimeEventType = "tool_call_complete"

	// EventToolStarted indicates a tool execution has started.
	EventToolStarted RuntimeEventType = "tool_started"

	// EventToolCompleted indicates a tool execution succeeded.
	EventToolCompleted RuntimeEventType = "tool_completed"

	// EventToolFailed indicates a tool execution failed.
	EventToolFailed RuntimeEventType = "tool_failed"

	// EventMessageCommitted indicates a message was durably written.
	EventMessageCommitted RuntimeEventType = "message_committed"

	// EventStatus carries a run status change.
	EventStatus RuntimeEventType = "status"

	// EventStepStart marks the start of a model invocation.
	EventStepStart RuntimeEventType = "step_start"

	// EventStepEnd marks the end of a step.
	EventStepEnd RuntimeEventType = "step_end"
)

// RuntimeEvent is a transient, non-persisted event delivered to observers of
// a run. Persisted state travels as Message records.
type RuntimeEvent struct {
	Type RuntimeEventType `json:"type"`

	RunID string `json:"run_id,omitempty"`

	Step int `json:"step,omitempty"`

	Content string `json:"content,omitempty"`

	ToolName string `json:"tool_name,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`

	ToolResult *ToolResult `json:"tool_result,omitempty"`

	Message *Message `json:"message,omitempty"`

	Error string `json:"error,omitempty"`

	Meta map[string]any `json:"meta,omitempty"`

	Time time.Time `json:"time"`
}

// NewToolEvent creates a tool lifecycle event.
func NewToolEvent(eventType RuntimeEventType, toolName, toolCallID string) *RuntimeEvent {
	return &RuntimeEvent{
		Type:       eventType,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Time:       time.Now(),
	}
}

// WithStep sets the step number.
func (e *RuntimeEvent) WithStep(step int) *RuntimeEvent {
	e.Step = step
	return e
}

// WithRun sets the run id.
func (e *RuntimeEvent) WithRun(runID string) *RuntimeEvent {
	e.RunID = runID
	return e
}

// WithError records an error string.
func (e *RuntimeEvent) WithError(err error) *RuntimeEvent {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithMeta adds a metadata key-value pair to the event.
func (e *RuntimeEvent) WithMeta(key string, value any) *RuntimeEvent {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}
