package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// MessageStore persists run messages.
type MessageStore interface {
	// AppendMessages writes msgs atomically and in order. Writing a message
	// whose id already exists replaces it.
	AppendMessages(ctx context.Context, msgs []*models.Message) error

	// DeleteMessage removes a message by id. Missing ids are not an error.
	DeleteMessage(ctx context.Context, runID, id string) error

	// ListMessages returns a run's messages ordered by sequence.
	ListMessages(ctx context.Context, runID string) ([]*models.Message, error)
}

// messageWriter is the single per-run write path. Every persisted message of
// a run goes through write, serialized by the run's lock.
type messageWriter struct {
	store   MessageStore
	state   *RunState
	locks   *runLocks
	sink    EventSink
	metrics *observability.Metrics
	now     func() time.Time
}

func (w *messageWriter) write(ctx context.Context, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	unlock := w.locks.lock(w.state.RunID)
	defer unlock()

	if err := w.store.AppendMessages(ctx, msgs); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	w.state.Append(msgs...)
	for _, m := range msgs {
		w.metrics.RecordCommit(string(m.Type))
		ev := &models.RuntimeEvent{
			Type:    models.EventMessageCommitted,
			RunID:   m.RunID,
			Step:    metaInt(m, models.MetaStep),
			Message: m.Clone(),
			Time:    w.now(),
		}
		emit(ctx, w.sink, ev)
	}
	return nil
}

// newMessage builds a message with a fresh id and the next sequence number.
func (w *messageWriter) newMessage(typ models.MessageType, step int, visible bool, content models.MessageContent) *models.Message {
	now := w.now()
	m := &models.Message{
		ID:        uuid.NewString(),
		RunID:     w.state.RunID,
		ThreadID:  w.state.ThreadID,
		Type:      typ,
		Content:   content,
		Sequence:  w.state.NextSequence(),
		Visible:   visible,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.SetMeta(models.MetaRunID, w.state.RunID)
	m.SetMeta(models.MetaStep, step)
	return m
}

// writeStatus commits a status message.
func (w *messageWriter) writeStatus(ctx context.Context, step int, status, message, code string) error {
	m := w.newMessage(models.MessageStatus, step, false, models.MessageContent{
		Role:   models.RoleSystem,
		Status: &models.StatusPayload{Status: status, Message: message, Code: code},
	})
	return w.write(ctx, m)
}

// Committer builds one step's persisted messages and commits them in the
// order downstream providers require: the assistant message first, then its
// tool results contiguously in call order, then deferred side effects.
//
// Phase one (AllocateAssistant) reserves the assistant id and sequence so
// tool results can reference it while still executing. Phase two (Flush)
// writes everything in a single ordered batch.
type Committer struct {
	w    *messageWriter
	step int

	mu          sync.Mutex
	assistant   *models.Message
	snapshotted bool
	results     map[string]*models.ToolResult
	effects     []models.SideEffect
	keepPending bool
	flushed     bool
}

func newCommitter(w *messageWriter, step int) *Committer {
	return &Committer{
		w:       w,
		step:    step,
		results: make(map[string]*models.ToolResult),
	}
}

// Begin commits the llm_response_start bracket and allocates the assistant id.
func (c *Committer) Begin(ctx context.Context) error {
	start := c.w.newMessage(models.MessageLLMResponseStart, c.step, false, models.MessageContent{Role: models.RoleSystem})
	if err := c.w.write(ctx, start); err != nil {
		return err
	}
	c.AllocateAssistant()
	return nil
}

// AllocateAssistant reserves the assistant message id and sequence. It is
// idempotent within a step.
func (c *Committer) AllocateAssistant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assistant == nil {
		c.assistant = c.w.newMessage(models.MessageAssistant, c.step, true, models.MessageContent{Role: models.RoleAssistant})
	}
	return c.assistant.ID
}

// AssistantID returns the reserved assistant id, or "" before allocation.
func (c *Committer) AssistantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assistant == nil {
		return ""
	}
	return c.assistant.ID
}

// StageToolResult records a result for the flush. The first result for a
// call id wins.
func (c *Committer) StageToolResult(r *models.ToolResult) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[r.ToolCallID]; ok {
		return
	}
	c.results[r.ToolCallID] = r
	c.effects = append(c.effects, r.SideEffects...)
}

// StageBatch stages every completed result of a batch in dispatch order.
func (c *Committer) StageBatch(b *Batch) {
	for _, r := range b.Completed() {
		c.StageToolResult(r.Result)
	}
}

// KeepPendingCalls makes the flush list calls that have no result. It is
// used when tool execution is left to the caller of the run.
func (c *Committer) KeepPendingCalls() {
	c.mu.Lock()
	c.keepPending = true
	c.mu.Unlock()
}

// Snapshot persists the in-flight assistant text in place under the reserved
// id, marked partial. Tool calls are never included in a snapshot.
func (c *Committer) Snapshot(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.assistant == nil || c.flushed || text == "" {
		c.mu.Unlock()
		return nil
	}
	snap := c.assistant.Clone()
	snap.Content.Text = text
	snap.UpdatedAt = c.w.now()
	snap.SetMeta(models.MetaStreamStatus, models.StreamStatusPartial)
	c.snapshotted = true
	c.mu.Unlock()

	unlock := c.w.locks.lock(c.w.state.RunID)
	defer unlock()
	return c.w.store.AppendMessages(ctx, []*models.Message{snap})
}

// Flush finalizes the step. The assistant message lists only the calls that
// have a staged result, so it never claims a call without a matching tool
// message.
func (c *Committer) Flush(ctx context.Context, text string, calls []models.ToolCall) ([]*models.Message, error) {
	return c.flush(ctx, text, calls, models.StreamStatusComplete)
}

// FlushPartial finalizes a cancelled step with whatever completed.
func (c *Committer) FlushPartial(ctx context.Context, text string, calls []models.ToolCall) ([]*models.Message, error) {
	return c.flush(ctx, text, calls, models.StreamStatusCancelled)
}

func (c *Committer) flush(ctx context.Context, text string, calls []models.ToolCall, status string) ([]*models.Message, error) {
	c.AllocateAssistant()

	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()
		return nil, nil
	}

	var committedCalls []models.ToolCall
	var results []*models.ToolResult
	for _, call := range calls {
		r, ok := c.results[call.ID]
		switch {
		case ok && r.ToolName == call.Name:
			committedCalls = append(committedCalls, call)
			results = append(results, r)
		case c.keepPending:
			committedCalls = append(committedCalls, call)
		}
	}

	if text == "" && len(committedCalls) == 0 {
		c.mu.Unlock()
		// Nothing to say: the reserved placeholder must not survive.
		if err := c.Discard(ctx); err != nil {
			return nil, err
		}
		end := c.w.newMessage(models.MessageLLMResponseEnd, c.step, false, models.MessageContent{Role: models.RoleSystem})
		end.SetMeta(models.MetaStreamStatus, status)
		if err := c.w.write(ctx, end); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.flushed = true
		c.mu.Unlock()
		return []*models.Message{end}, nil
	}

	assistant := c.assistant.Clone()
	assistant.Content.Text = text
	assistant.Content.ToolCalls = committedCalls
	assistant.UpdatedAt = c.w.now()
	assistant.SetMeta(models.MetaStreamStatus, status)

	batch := []*models.Message{assistant}
	for _, r := range results {
		m := c.w.newMessage(models.MessageTool, c.step, true, models.MessageContent{
			Role:       models.RoleTool,
			ToolResult: r,
		})
		m.SetMeta(models.MetaToolCallID, r.ToolCallID)
		m.SetMeta(models.MetaAssistantMessageID, assistant.ID)
		batch = append(batch, m)
	}

	committed := make(map[string]bool, len(committedCalls))
	for _, call := range committedCalls {
		committed[call.ID] = true
	}
	for _, se := range c.effects {
		if !committed[se.ToolCallID] {
			continue
		}
		effect := se
		m := c.w.newMessage(models.MessageImageContext, c.step, true, models.MessageContent{
			Role:  models.RoleUser,
			Image: &effect,
		})
		m.SetMeta(models.MetaToolCallID, se.ToolCallID)
		m.SetMeta(models.MetaAssistantMessageID, assistant.ID)
		batch = append(batch, m)
	}

	end := c.w.newMessage(models.MessageLLMResponseEnd, c.step, false, models.MessageContent{Role: models.RoleSystem})
	end.SetMeta(models.MetaStreamStatus, status)
	batch = append(batch, end)
	c.mu.Unlock()

	if err := c.w.write(ctx, batch...); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.flushed = true
	c.mu.Unlock()
	return batch, nil
}

// Discard deletes a previously snapshotted placeholder.
func (c *Committer) Discard(ctx context.Context) error {
	c.mu.Lock()
	if c.assistant == nil || !c.snapshotted {
		c.mu.Unlock()
		return nil
	}
	id := c.assistant.ID
	c.snapshotted = false
	c.mu.Unlock()

	unlock := c.w.locks.lock(c.w.state.RunID)
	defer unlock()
	if err := c.w.store.DeleteMessage(ctx, c.w.state.RunID, id); err != nil {
		return fmt.Errorf("discard placeholder: %w", err)
	}
	c.w.state.Remove(id)
	return nil
}
