// Package tape records model streams and tool runs so a run can be replayed
// without calling a hosted model.
package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Version is the current tape format.
const Version = "2"

// Tape is a recorded sequence of model turns and tool runs.
type Tape struct {
	Version string `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	Model string `json:"model,omitempty"`

	// Turns holds one entry per Stream call, in call order.
	Turns []Turn `json:"turns"`

	ToolRuns []ToolRun `json:"tool_runs,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Turn is one model stream.
type Turn struct {
	Index int `json:"index"`

	// Model and MessageCount describe the request that produced the turn.
	Model        string `json:"model,omitempty"`
	MessageCount int    `json:"message_count"`

	// Deltas are the stream events in receive order.
	Deltas []models.Delta `json:"deltas"`

	// Error is set when the stream ended with an error after Deltas.
	Error string `json:"error,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Text returns the concatenated content of the turn.
func (t *Turn) Text() string {
	var b strings.Builder
	for _, d := range t.Deltas {
		b.WriteString(d.Content)
	}
	return b.String()
}

// FinishReason returns the last finish reason of the turn.
func (t *Turn) FinishReason() string {
	reason := ""
	for _, d := range t.Deltas {
		if d.FinishReason != "" {
			reason = d.FinishReason
		}
	}
	return reason
}

// ToolRun is one recorded tool execution.
type ToolRun struct {
	TurnIndex int             `json:"turn_index"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	Result *agent.ToolResult `json:"result,omitempty"`

	// Error is set when Execute returned an error.
	Error string `json:"error,omitempty"`

	Duration time.Duration `json:"duration"`
}

// New creates an empty tape.
func New() *Tape {
	return &Tape{
		Version:   Version,
		CreatedAt: time.Now(),
		Turns:     []Turn{},
		Metadata:  make(map[string]any),
	}
}

// AddTurn appends a turn and assigns its index.
func (t *Tape) AddTurn(turn Turn) {
	turn.Index = len(t.Turns)
	t.Turns = append(t.Turns, turn)
}

// GetTurn returns the turn at index.
func (t *Tape) GetTurn(index int) (*Turn, bool) {
	if index < 0 || index >= len(t.Turns) {
		return nil, false
	}
	return &t.Turns[index], true
}

// GetToolRuns returns the tool runs recorded after turn index.
func (t *Tape) GetToolRuns(turnIndex int) []ToolRun {
	var runs []ToolRun
	for _, run := range t.ToolRuns {
		if run.TurnIndex == turnIndex {
			runs = append(runs, run)
		}
	}
	return runs
}

// ToolNames returns the distinct tool names in recording order.
func (t *Tape) ToolNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, run := range t.ToolRuns {
		if !seen[run.Name] {
			seen[run.Name] = true
			names = append(names, run.Name)
		}
	}
	return names
}

// Marshal serializes the tape to indented JSON.
func (t *Tape) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal parses a tape.
func Unmarshal(data []byte) (*Tape, error) {
	var tape Tape
	if err := json.Unmarshal(data, &tape); err != nil {
		return nil, fmt.Errorf("parse tape: %w", err)
	}
	if tape.Version != Version {
		return nil, fmt.Errorf("unsupported tape version %q", tape.Version)
	}
	return &tape, nil
}

// Clone returns a deep copy.
func (t *Tape) Clone() *Tape {
	data, err := t.Marshal()
	if err == nil {
		if clone, err := Unmarshal(data); err == nil {
			return clone
		}
	}
	clone := *t
	clone.Turns = append([]Turn(nil), t.Turns...)
	clone.ToolRuns = append([]ToolRun(nil), t.ToolRuns...)
	return &clone
}

// Load reads a tape file.
func Load(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tape: %w", err)
	}
	return Unmarshal(data)
}

// Save writes the tape to path, creating parent directories.
func (t *Tape) Save(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Summary is a brief overview of a tape.
type Summary struct {
	Version      string `json:"version"`
	Model        string `json:"model,omitempty"`
	TurnCount    int    `json:"turn_count"`
	ToolRunCount int    `json:"tool_run_count"`
	TotalDeltas  int    `json:"total_deltas"`
	TotalTextLen int    `json:"total_text_len"`
}

// Summary returns counts over the tape.
func (t *Tape) Summary() Summary {
	s := Summary{Version: t.Version, Model: t.Model, TurnCount: len(t.Turns), ToolRunCount: len(t.ToolRuns)}
	for i := range t.Turns {
		s.TotalDeltas += len(t.Turns[i].Deltas)
		s.TotalTextLen += len(t.Turns[i].Text())
	}
	return s
}
