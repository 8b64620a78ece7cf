package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// StreamState is the state of the per-step stream state machine.
type StreamState string

const (
	StateReceiving StreamState = "RECEIVING"
	StateFinishing StreamState = "FINISHING"
	StateDone      StreamState = "DONE"
	StateCancelled StreamState = "CANCELLED"
	StateError     StreamState = "ERROR"
)

// Terminal reports whether no further deltas are accepted.
func (s StreamState) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

// ParserEventKind identifies a parser event.
type ParserEventKind string

const (
	ParserContent      ParserEventKind = "content"
	ParserCallComplete ParserEventKind = "call_complete"
	ParserFinish       ParserEventKind = "finish"
)

// ParserEvent is emitted synchronously while deltas are consumed. Content
// events arrive in delta order.
type ParserEvent struct {
	Kind         ParserEventKind
	Content      string
	Call         *models.ToolCall
	FinishReason string
}

// ParserConfig selects the enabled tool-call encodings for a step.
type ParserConfig struct {
	Step            int
	NativeToolCalls bool
	MarkupToolCalls bool
	// ContinueReasons lists terminal reasons, besides tool_calls, that end the
	// step without error and imply more work.
	ContinueReasons []string
}

// StreamResult is the outcome of one step's stream.
type StreamResult struct {
	State        StreamState
	Text         string
	FinishReason string
	// Calls holds every complete call in arrival order.
	Calls []models.ToolCall
	// Pending holds the complete calls that were not dispatched mid-stream.
	Pending []models.ToolCall
	// Dropped counts buffered calls discarded as incomplete.
	Dropped int
	Usage   models.Usage
	Err     error
}

// bufferedCall is the tagged union of the two encodings. Both variants are
// converted to a models.ToolCall before leaving the parser.
type bufferedCall interface {
	key() string
	arrival() int
	complete() bool
	toolCall(step int) models.ToolCall
}

type nativeCall struct {
	index int
	order int
	id    string
	name  string
	args  strings.Builder
}

func (c *nativeCall) key() string  { return fmt.Sprintf("native:%d", c.index) }
func (c *nativeCall) arrival() int { return c.order }

func (c *nativeCall) complete() bool {
	return c.name != "" && jsonObject(c.args.String())
}

func (c *nativeCall) toolCall(step int) models.ToolCall {
	raw := c.args.String()
	call := models.ToolCall{
		ID:           c.id,
		Name:         c.name,
		RawArguments: raw,
		Encoding:     models.EncodingNative,
		Step:         step,
		Index:        c.index,
	}
	if jsonObject(raw) {
		call.Arguments = json.RawMessage(raw)
	}
	return call
}

// jsonObject reports whether raw is one complete JSON object. A scalar is
// rejected: "1" is also a prefix of "12".
func jsonObject(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed))
}

type markupCall struct {
	seq   int
	order int
	id    string
	block markupBlock
}

func (c *markupCall) key() string  { return fmt.Sprintf("markup:%d", c.seq) }
func (c *markupCall) arrival() int { return c.order }

// complete holds once the block names a tool: a closed block is final.
func (c *markupCall) complete() bool { return c.block.name != "" }

func (c *markupCall) toolCall(step int) models.ToolCall {
	args := c.block.args
	if args == nil {
		args = fallbackArguments(c.block.raw)
	}
	return models.ToolCall{
		ID:           c.id,
		Name:         c.block.name,
		Arguments:    args,
		RawArguments: c.block.raw,
		Encoding:     models.EncodingMarkup,
		Step:         step,
		Index:        c.seq,
	}
}

// StreamParser turns model deltas into content and tool-call events for one
// step. Feed is pure and never performs I/O.
type StreamParser struct {
	cfg   ParserConfig
	state StreamState

	text       strings.Builder
	scanOffset int

	native   map[int]*nativeCall
	markups  []*markupCall
	arrivals int

	// reported holds calls already announced as complete.
	reported map[string]bool
	// dispatched holds calls executed before the terminal reason.
	dispatched map[string]bool

	finish string
	usage  models.Usage
	err    error

	newID func(prefix string) string
}

// NewStreamParser creates a parser in the RECEIVING state.
func NewStreamParser(cfg ParserConfig) *StreamParser {
	return &StreamParser{
		cfg:        cfg,
		state:      StateReceiving,
		native:     make(map[int]*nativeCall),
		reported:   make(map[string]bool),
		dispatched: make(map[string]bool),
		newID: func(prefix string) string {
			return prefix + "_" + uuid.NewString()
		},
	}
}

// State returns the current state.
func (p *StreamParser) State() StreamState {
	return p.state
}

// Text returns the accumulated assistant text.
func (p *StreamParser) Text() string {
	return p.text.String()
}

// MarkDispatched records that a complete call was executed mid-stream so it
// is excluded from the terminal hand-off.
func (p *StreamParser) MarkDispatched(call models.ToolCall) {
	if call.Encoding == models.EncodingMarkup {
		p.dispatched[fmt.Sprintf("markup:%d", call.Index)] = true
		return
	}
	p.dispatched[fmt.Sprintf("native:%d", call.Index)] = true
}

// Feed applies one delta and returns the events it produced.
func (p *StreamParser) Feed(d *models.Delta) []ParserEvent {
	if p.state != StateReceiving || d.Empty() {
		return nil
	}
	var events []ParserEvent

	if d.Content != "" {
		p.text.WriteString(d.Content)
		events = append(events, ParserEvent{Kind: ParserContent, Content: d.Content})
		if p.cfg.MarkupToolCalls {
			events = append(events, p.scanMarkupCalls()...)
		}
	}

	if d.ToolCall != nil && p.cfg.NativeToolCalls {
		if ev := p.mergeNative(d.ToolCall); ev != nil {
			events = append(events, *ev)
		}
	}

	if d.Usage != nil {
		p.usage.Add(d.Usage)
	}

	if d.FinishReason != "" {
		events = append(events, p.terminate(d.FinishReason)...)
	}
	return events
}

func (p *StreamParser) mergeNative(frag *models.ToolCallFragment) *ParserEvent {
	entry := p.native[frag.Index]
	if entry == nil {
		entry = &nativeCall{index: frag.Index, order: p.arrivals}
		p.arrivals++
		p.native[frag.Index] = entry
	}
	if entry.id == "" && frag.ID != "" {
		entry.id = frag.ID
	}
	if entry.name == "" && frag.Name != "" {
		entry.name = frag.Name
	}
	if frag.Arguments != "" {
		entry.args.WriteString(frag.Arguments)
	}
	return p.checkComplete(entry)
}

func (p *StreamParser) scanMarkupCalls() []ParserEvent {
	blocks, next := scanMarkup(p.text.String(), p.scanOffset)
	p.scanOffset = next
	var events []ParserEvent
	for _, block := range blocks {
		entry := &markupCall{
			seq:   len(p.markups),
			order: p.arrivals,
			id:    p.newID("markup"),
			block: block,
		}
		p.arrivals++
		p.markups = append(p.markups, entry)
		if ev := p.checkComplete(entry); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

// checkComplete reports a call the first time it becomes complete. Later
// fragments extend the buffer but never retract the report.
func (p *StreamParser) checkComplete(c bufferedCall) *ParserEvent {
	if p.reported[c.key()] || !c.complete() {
		return nil
	}
	if n, ok := c.(*nativeCall); ok && n.id == "" {
		n.id = p.newID("call")
	}
	p.reported[c.key()] = true
	call := c.toolCall(p.cfg.Step)
	return &ParserEvent{Kind: ParserCallComplete, Call: &call}
}

func (p *StreamParser) terminate(reason string) []ParserEvent {
	p.finish = reason
	switch reason {
	case models.FinishToolCalls, models.FinishToolUse:
		p.state = StateFinishing
		p.flushIncomplete(true)
		p.state = StateDone
	case models.FinishStop, models.FinishEndTurn:
		p.flushIncomplete(false)
		p.state = StateDone
	default:
		if p.continues(reason) {
			p.flushIncomplete(false)
			p.state = StateDone
		} else {
			p.state = StateError
			p.err = fmt.Errorf("%w: %s", ErrUnexpectedFinish, reason)
		}
	}
	return []ParserEvent{{Kind: ParserFinish, FinishReason: reason}}
}

func (p *StreamParser) continues(reason string) bool {
	for _, r := range p.cfg.ContinueReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// flushIncomplete resolves native calls still buffered at the terminal
// reason. With force set, a call with a name but unparseable arguments is
// passed on with its raw argument text as a JSON string. Markup blocks get
// the same fallback when they close.
func (p *StreamParser) flushIncomplete(force bool) {
	if !force {
		return
	}
	for _, entry := range p.native {
		if p.reported[entry.key()] || entry.name == "" {
			continue
		}
		if entry.id == "" {
			entry.id = p.newID("call")
		}
		p.reported[entry.key()] = true
	}
}

// Cancel moves the parser to CANCELLED. Accumulated text and reported calls
// are kept.
func (p *StreamParser) Cancel() {
	if !p.state.Terminal() {
		p.state = StateCancelled
		p.err = ErrRunCancelled
	}
}

// Fail moves the parser to ERROR.
func (p *StreamParser) Fail(err error) {
	if !p.state.Terminal() {
		p.state = StateError
		p.err = err
	}
}

// Result snapshots the parser outcome.
func (p *StreamParser) Result() StreamResult {
	res := StreamResult{
		State:        p.state,
		Text:         p.text.String(),
		FinishReason: p.finish,
		Usage:        p.usage,
		Err:          p.err,
	}

	entries := make([]bufferedCall, 0, len(p.native)+len(p.markups))
	for _, n := range p.native {
		entries = append(entries, n)
	}
	for _, m := range p.markups {
		entries = append(entries, m)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].arrival() < entries[j].arrival() })

	for _, entry := range entries {
		if !p.reported[entry.key()] {
			res.Dropped++
			continue
		}
		call := entry.toolCall(p.cfg.Step)
		if call.Arguments == nil {
			call.Arguments = fallbackArguments(call.RawArguments)
		}
		res.Calls = append(res.Calls, call)
		if !p.dispatched[entry.key()] {
			res.Pending = append(res.Pending, call)
		}
	}
	return res
}

func fallbackArguments(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage(`{}`)
	}
	encoded, _ := json.Marshal(raw)
	return encoded
}

// Consume drives the parser from stream until a terminal state. handle is
// called synchronously for every event. cancel is checked between deltas;
// once it is closed no further deltas are read.
func (p *StreamParser) Consume(ctx context.Context, stream DeltaStream, cancel <-chan struct{}, handle func(ParserEvent)) StreamResult {
	for !p.state.Terminal() {
		select {
		case <-cancel:
			p.Cancel()
			return p.Result()
		case <-ctx.Done():
			p.Cancel()
			return p.Result()
		default:
		}

		delta, err := stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.Fail(ErrStreamTruncated)
			case ctx.Err() != nil:
				p.Cancel()
			default:
				p.Fail(err)
			}
			break
		}
		for _, ev := range p.Feed(delta) {
			if handle != nil {
				handle(ev)
			}
		}
	}
	return p.Result()
}
