package tape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// ErrTapeExhausted indicates the tape has no more turns to replay.
var ErrTapeExhausted = errors.New("tape exhausted: no more turns to replay")

// ErrTapeMismatch indicates a request or tool call differs from the recording.
var ErrTapeMismatch = errors.New("tape mismatch: request differs from recorded")

// ErrToolNotInTape indicates a tool call is not found in the tape.
var ErrToolNotInTape = errors.New("tool call not found in tape")

// ReplayMode controls how strictly the replayer matches requests.
type ReplayMode int

const (
	// ReplayLoose returns recorded turns regardless of the request.
	ReplayLoose ReplayMode = iota

	// ReplayStrict records a mismatch when the model or message count differs.
	ReplayStrict
)

// Replayer serves recorded turns as model streams. The nth Stream call
// replays turn n.
type Replayer struct {
	tape *Tape
	mode ReplayMode

	mu         sync.Mutex
	turnIdx    int
	used       map[int]bool
	mismatches []Mismatch
}

// Mismatch records a difference between the recorded and actual request.
type Mismatch struct {
	TurnIndex int    `json:"turn_index"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// NewReplayer creates a replayer over a copy of t.
func NewReplayer(t *Tape) *Replayer {
	return &Replayer{tape: t.Clone(), used: make(map[int]bool)}
}

// WithMode sets the replay mode.
func (r *Replayer) WithMode(mode ReplayMode) *Replayer {
	r.mode = mode
	return r
}

// Name implements agent.LLMProvider.
func (r *Replayer) Name() string {
	return "replay"
}

// Stream implements agent.LLMProvider.
func (r *Replayer) Stream(ctx context.Context, req *agent.CompletionRequest) (agent.DeltaStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.turnIdx >= len(r.tape.Turns) {
		return nil, ErrTapeExhausted
	}
	turn := r.tape.Turns[r.turnIdx]
	r.turnIdx++

	if r.mode == ReplayStrict {
		if turn.Model != "" && req.Model != turn.Model {
			r.mismatches = append(r.mismatches, Mismatch{TurnIndex: turn.Index, Field: "model", Expected: turn.Model, Actual: req.Model})
		}
		if len(req.Messages) != turn.MessageCount {
			r.mismatches = append(r.mismatches, Mismatch{
				TurnIndex: turn.Index,
				Field:     "message_count",
				Expected:  strconv.Itoa(turn.MessageCount),
				Actual:    strconv.Itoa(len(req.Messages)),
			})
		}
	}
	return &replayStream{ctx: ctx, turn: turn}, nil
}

// Mismatches returns the mismatches seen in strict mode.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch{}, r.mismatches...)
}

// Reset rewinds the replayer.
func (r *Replayer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnIdx = 0
	r.used = make(map[int]bool)
	r.mismatches = nil
}

// CurrentTurn returns the number of turns served.
func (r *Replayer) CurrentTurn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnIdx
}

type replayStream struct {
	ctx  context.Context
	turn Turn
	pos  int
}

func (s *replayStream) Recv() (*models.Delta, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.turn.Deltas) {
		if s.turn.Error != "" {
			return nil, errors.New(s.turn.Error)
		}
		return nil, io.EOF
	}
	d := s.turn.Deltas[s.pos]
	s.pos++
	return &d, nil
}

func (s *replayStream) Close() error {
	return nil
}

// ReplayTool returns recorded results for one tool name.
type ReplayTool struct {
	replayer *Replayer
	name     string
}

// Tools returns a replay tool for every tool name on the tape.
func (r *Replayer) Tools() []agent.Tool {
	names := r.tape.ToolNames()
	tools := make([]agent.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, &ReplayTool{replayer: r, name: name})
	}
	return tools
}

func (t *ReplayTool) Name() string { return t.name }

func (t *ReplayTool) Description() string { return "Replays recorded results of " + t.name }

func (t *ReplayTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

// Execute returns the first unused recorded run of this tool for the
// current turn. Calls of one batch may execute in any order.
func (t *ReplayTool) Execute(_ context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
	r := t.replayer
	r.mu.Lock()
	defer r.mu.Unlock()

	turnIndex := max(r.turnIdx-1, 0)
	for i, run := range r.tape.ToolRuns {
		if run.TurnIndex != turnIndex || run.Name != t.name || r.used[i] {
			continue
		}
		r.used[i] = true
		if run.Error != "" {
			return nil, errors.New(run.Error)
		}
		if run.Result == nil {
			return nil, fmt.Errorf("%w: %s has no result", ErrTapeMismatch, t.name)
		}
		return run.Result, nil
	}
	return nil, fmt.Errorf("%w: %s at turn %d", ErrToolNotInTape, t.name, turnIndex)
}
