package agent

import (
	"context"
	"sync"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// EventSink receives runtime events. Implementations must not block the
// caller for long: content events are emitted on the streaming hot path.
type EventSink interface {
	Emit(ctx context.Context, e *models.RuntimeEvent)
}

// ChanSink forwards events to a channel, dropping them when the channel is full.
type ChanSink struct {
	ch chan<- *models.RuntimeEvent
}

// NewChanSink creates a sink that writes to ch.
func NewChanSink(ch chan<- *models.RuntimeEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event without blocking.
func (s *ChanSink) Emit(ctx context.Context, e *models.RuntimeEvent) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans out to several sinks in order.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a fan-out sink, skipping nil entries.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit forwards to every sink.
func (s *MultiSink) Emit(ctx context.Context, e *models.RuntimeEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink invokes a function for each event.
type CallbackSink struct {
	fn func(ctx context.Context, e *models.RuntimeEvent)
}

// NewCallbackSink wraps fn as a sink.
func NewCallbackSink(fn func(ctx context.Context, e *models.RuntimeEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e *models.RuntimeEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, *models.RuntimeEvent) {}

// RecordingSink keeps every event in memory. Safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	events []*models.RuntimeEvent
}

// Emit appends the event.
func (s *RecordingSink) Emit(_ context.Context, e *models.RuntimeEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []*models.RuntimeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.RuntimeEvent(nil), s.events...)
}

// OfType returns recorded events of one type.
func (s *RecordingSink) OfType(t models.RuntimeEventType) []*models.RuntimeEvent {
	var out []*models.RuntimeEvent
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func emit(ctx context.Context, sink EventSink, e *models.RuntimeEvent) {
	if sink != nil && e != nil {
		sink.Emit(ctx, e)
	}
}
