package agent

import (
	"strings"
	"sync"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// RunState is the in-memory state of one run while this worker holds its
// lease. The coordinator owns it; concurrent tool executions never touch the
// message log directly.
type RunState struct {
	mu sync.Mutex

	RunID    string
	ThreadID string
	Model    string

	log      []*models.Message
	text     strings.Builder
	step     int
	sequence int64

	terminated bool
	reason     string
	usage      models.Usage
}

// NewRunState creates state for a run, resuming after the given history.
func NewRunState(runID, threadID, model string, history []*models.Message) *RunState {
	s := &RunState{RunID: runID, ThreadID: threadID, Model: model}
	for _, m := range history {
		s.log = append(s.log, m)
		if m.Sequence > s.sequence {
			s.sequence = m.Sequence
		}
		// Interrupted output belongs to a step that runs again.
		if m.MetaString(models.MetaStreamStatus) == models.StreamStatusInterrupted {
			continue
		}
		if step := metaInt(m, models.MetaStep); step > s.step {
			s.step = step
		}
	}
	return s
}

func metaInt(m *models.Message, key string) int {
	switch v := m.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// NextSequence allocates the next output sequence number.
func (s *RunState) NextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	return s.sequence
}

// Sequence returns the last allocated sequence number.
func (s *RunState) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// NextStep advances the step counter and resets the in-flight text.
func (s *RunState) NextStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++
	s.text.Reset()
	return s.step
}

// Step returns the current step.
func (s *RunState) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// AppendText adds streamed assistant text for the in-flight step.
func (s *RunState) AppendText(fragment string) {
	s.mu.Lock()
	s.text.WriteString(fragment)
	s.mu.Unlock()
}

// Text returns the in-flight assistant text.
func (s *RunState) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Append adds committed messages to the log. A message whose id is already
// logged replaces the earlier copy in place.
func (s *RunState) Append(msgs ...*models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if i := s.indexOf(m.ID); i >= 0 {
			s.log[i] = m
		} else {
			s.log = append(s.log, m)
		}
	}
}

func (s *RunState) indexOf(id string) int {
	for i, m := range s.log {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Remove drops a message from the log by id.
func (s *RunState) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		s.log = append(s.log[:i], s.log[i+1:]...)
	}
}

// Messages returns a copy of the committed log.
func (s *RunState) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message(nil), s.log...)
}

// Terminate marks the run finished. The first reason wins.
func (s *RunState) Terminate(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.terminated {
		s.terminated = true
		s.reason = reason
	}
}

// Terminated reports whether the run finished and why.
func (s *RunState) Terminated() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated, s.reason
}

// AddUsage accumulates token usage.
func (s *RunState) AddUsage(u models.Usage) {
	s.mu.Lock()
	s.usage.Add(&u)
	s.mu.Unlock()
}

// Usage returns the accumulated usage.
func (s *RunState) Usage() models.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
