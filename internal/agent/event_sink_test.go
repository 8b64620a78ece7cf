package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestChanSink_Emit(t *testing.T) {
	ch := make(chan *models.RuntimeEvent, 10)
	sink := NewChanSink(ch)

	sink.Emit(context.Background(), &models.RuntimeEvent{Type: models.EventContent, RunID: "test"})

	select {
	case received := <-ch:
		if received.RunID != "test" {
			t.Errorf("RunID = %q, want %q", received.RunID, "test")
		}
	default:
		t.Error("expected event in channel")
	}
}

func TestChanSink_FullChannel(t *testing.T) {
	ch := make(chan *models.RuntimeEvent, 1)
	sink := NewChanSink(ch)

	sink.Emit(context.Background(), &models.RuntimeEvent{Content: "a"})
	// Must not block.
	sink.Emit(context.Background(), &models.RuntimeEvent{Content: "b"})

	if len(ch) != 1 {
		t.Fatalf("channel len = %d, want 1", len(ch))
	}
	if got := (<-ch).Content; got != "a" {
		t.Errorf("kept %q, want first event", got)
	}
}

func TestMultiSink_Emit(t *testing.T) {
	var a, b RecordingSink
	sink := NewMultiSink(&a, nil, &b)

	sink.Emit(context.Background(), &models.RuntimeEvent{Type: models.EventStatus})

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("fan-out = %d/%d, want 1/1", len(a.Events()), len(b.Events()))
	}
}

func TestCallbackSink(t *testing.T) {
	var got []models.RuntimeEventType
	sink := NewCallbackSink(func(_ context.Context, e *models.RuntimeEvent) {
		got = append(got, e.Type)
	})
	sink.Emit(context.Background(), &models.RuntimeEvent{Type: models.EventToolStarted})
	NewCallbackSink(nil).Emit(context.Background(), &models.RuntimeEvent{})

	if len(got) != 1 || got[0] != models.EventToolStarted {
		t.Errorf("got %v", got)
	}
}

func TestRecordingSink_ConcurrentAndOfType(t *testing.T) {
	var sink RecordingSink
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := models.EventToolStarted
			if i%2 == 0 {
				typ = models.EventToolCompleted
			}
			sink.Emit(context.Background(), &models.RuntimeEvent{Type: typ})
		}(i)
	}
	wg.Wait()

	if n := len(sink.Events()); n != 20 {
		t.Errorf("events = %d, want 20", n)
	}
	if n := len(sink.OfType(models.EventToolCompleted)); n != 10 {
		t.Errorf("completed = %d, want 10", n)
	}
}

func TestEmit_NilSafe(t *testing.T) {
	emit(context.Background(), nil, &models.RuntimeEvent{})
	emit(context.Background(), NopSink{}, nil)
}
