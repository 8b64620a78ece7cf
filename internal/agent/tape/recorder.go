package tape

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Recorder wraps a provider and records every stream it serves.
type Recorder struct {
	provider agent.LLMProvider

	mu      sync.Mutex
	tape    *Tape
	turnIdx int
}

// NewRecorder creates a recorder around provider.
func NewRecorder(provider agent.LLMProvider) *Recorder {
	t := New()
	t.Metadata["provider"] = provider.Name()
	return &Recorder{provider: provider, tape: t}
}

// Name implements agent.LLMProvider.
func (r *Recorder) Name() string {
	return "recorder:" + r.provider.Name()
}

// Stream implements agent.LLMProvider. The turn is added to the tape when
// the returned stream is closed.
func (r *Recorder) Stream(ctx context.Context, req *agent.CompletionRequest) (agent.DeltaStream, error) {
	r.mu.Lock()
	index := r.turnIdx
	r.turnIdx++
	if r.tape.Model == "" {
		r.tape.Model = req.Model
	}
	r.mu.Unlock()

	upstream, err := r.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &recordingStream{
		upstream: upstream,
		recorder: r,
		start:    time.Now(),
		turn:     Turn{Index: index, Model: req.Model, MessageCount: len(req.Messages)},
	}, nil
}

func (r *Recorder) addTurn(turn Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Streams may close out of order; keep turns indexed by call order.
	for len(r.tape.Turns) <= turn.Index {
		r.tape.Turns = append(r.tape.Turns, Turn{Index: len(r.tape.Turns)})
	}
	r.tape.Turns[turn.Index] = turn
}

// Tape returns a copy of the recording.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}

type recordingStream struct {
	upstream agent.DeltaStream
	recorder *Recorder
	start    time.Time
	turn     Turn
	once     sync.Once
}

func (s *recordingStream) Recv() (*models.Delta, error) {
	d, err := s.upstream.Recv()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.turn.Error = err.Error()
		}
		return d, err
	}
	if d != nil {
		s.turn.Deltas = append(s.turn.Deltas, *d)
	}
	return d, nil
}

func (s *recordingStream) Close() error {
	err := s.upstream.Close()
	s.once.Do(func() {
		s.turn.Duration = time.Since(s.start)
		s.recorder.addTurn(s.turn)
	})
	return err
}

// RecordingTool records every execution of a tool on the recorder's tape.
type RecordingTool struct {
	agent.Tool
	recorder *Recorder
}

// WrapTool returns tool wrapped for recording.
func (r *Recorder) WrapTool(tool agent.Tool) *RecordingTool {
	return &RecordingTool{Tool: tool, recorder: r}
}

// Execute runs the wrapped tool and records the outcome against the most
// recent turn.
func (t *RecordingTool) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolResult, error) {
	start := time.Now()
	result, err := t.Tool.Execute(ctx, args)

	run := ToolRun{Name: t.Name(), Arguments: append(json.RawMessage(nil), args...), Result: result, Duration: time.Since(start)}
	if err != nil {
		run.Error = err.Error()
	}

	r := t.recorder
	r.mu.Lock()
	run.TurnIndex = max(r.turnIdx-1, 0)
	r.tape.ToolRuns = append(r.tape.ToolRuns, run)
	r.mu.Unlock()
	return result, err
}
