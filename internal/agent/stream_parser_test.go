package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// sliceStream replays a fixed list of deltas.
type sliceStream struct {
	deltas []*models.Delta
	pos    int
	err    error
	closed bool
	// onRecv runs before each delta is returned.
	onRecv func(pos int)
}

func (s *sliceStream) Recv() (*models.Delta, error) {
	if s.pos >= len(s.deltas) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	if s.onRecv != nil {
		s.onRecv(s.pos)
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func textDelta(s string) *models.Delta {
	return &models.Delta{Content: s}
}

func fragDelta(index int, id, name, args string) *models.Delta {
	return &models.Delta{ToolCall: &models.ToolCallFragment{Index: index, ID: id, Name: name, Arguments: args}}
}

func finishDelta(reason string) *models.Delta {
	return &models.Delta{FinishReason: reason}
}

func nativeConfig() ParserConfig {
	return ParserConfig{Step: 1, NativeToolCalls: true}
}

func TestStreamParser_TextAndFragmentedCall(t *testing.T) {
	stream := &sliceStream{deltas: []*models.Delta{
		textDelta("Hello "),
		textDelta("world"),
		fragDelta(0, "c1", "search", `{"q":"`),
		fragDelta(0, "", "", `x`),
		fragDelta(0, "", "", `"}`),
		finishDelta(models.FinishToolCalls),
	}}

	p := NewStreamParser(nativeConfig())
	var content []string
	var completed []*models.ToolCall
	res := p.Consume(context.Background(), stream, nil, func(ev ParserEvent) {
		switch ev.Kind {
		case ParserContent:
			content = append(content, ev.Content)
		case ParserCallComplete:
			completed = append(completed, ev.Call)
		}
	})

	if res.State != StateDone {
		t.Fatalf("state = %s, want DONE (err=%v)", res.State, res.Err)
	}
	if res.Text != "Hello world" {
		t.Errorf("text = %q, want %q", res.Text, "Hello world")
	}
	if got := strings.Join(content, ""); got != "Hello world" {
		t.Errorf("content events = %q", got)
	}
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	if len(res.Calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(res.Calls))
	}
	call := res.Calls[0]
	if call.ID != "c1" || call.Name != "search" {
		t.Errorf("call = %s/%s", call.ID, call.Name)
	}
	if string(call.Arguments) != `{"q":"x"}` {
		t.Errorf("arguments = %s", call.Arguments)
	}
	if call.Step != 1 || call.Encoding != models.EncodingNative {
		t.Errorf("step/encoding = %d/%s", call.Step, call.Encoding)
	}
	if len(res.Pending) != 1 {
		t.Errorf("pending = %d, want 1", len(res.Pending))
	}
}

func TestStreamParser_ArgumentsAreConcatenation(t *testing.T) {
	parts := []string{`{"a":`, `1,`, `"b":[`, `2,3]`, `}`}
	p := NewStreamParser(nativeConfig())
	for i, part := range parts {
		name := ""
		if i == 0 {
			name = "calc"
		}
		p.Feed(fragDelta(3, "", name, part))
	}
	p.Feed(finishDelta(models.FinishToolCalls))

	res := p.Result()
	if len(res.Calls) != 1 {
		t.Fatalf("calls = %d", len(res.Calls))
	}
	if got, want := res.Calls[0].RawArguments, strings.Join(parts, ""); got != want {
		t.Errorf("raw = %q, want %q", got, want)
	}
	if !strings.HasPrefix(res.Calls[0].ID, "call_") {
		t.Errorf("generated id = %q", res.Calls[0].ID)
	}
}

func TestStreamParser_FirstIdentityWins(t *testing.T) {
	p := NewStreamParser(nativeConfig())
	p.Feed(fragDelta(0, "", "", `{`))
	p.Feed(fragDelta(0, "first", "lookup", ``))
	p.Feed(fragDelta(0, "second", "other", `}`))
	p.Feed(finishDelta(models.FinishToolCalls))

	res := p.Result()
	if len(res.Calls) != 1 {
		t.Fatalf("calls = %d", len(res.Calls))
	}
	if res.Calls[0].ID != "first" || res.Calls[0].Name != "lookup" {
		t.Errorf("identity = %s/%s, want first/lookup", res.Calls[0].ID, res.Calls[0].Name)
	}
}

func TestStreamParser_CompletionReportedOnce(t *testing.T) {
	p := NewStreamParser(nativeConfig())
	var events int
	count := func(evs []ParserEvent) {
		for _, ev := range evs {
			if ev.Kind == ParserCallComplete {
				events++
			}
		}
	}
	count(p.Feed(fragDelta(0, "c", "t", `{}`)))
	// Trailing whitespace keeps the buffer valid; no second report.
	count(p.Feed(fragDelta(0, "", "", ` `)))
	count(p.Feed(finishDelta(models.FinishToolCalls)))

	if events != 1 {
		t.Errorf("completion events = %d, want 1", events)
	}
}

func TestStreamParser_InterleavedIndexes(t *testing.T) {
	p := NewStreamParser(nativeConfig())
	p.Feed(fragDelta(1, "b", "beta", `{"n":`))
	p.Feed(fragDelta(0, "a", "alpha", `{"n":`))
	p.Feed(fragDelta(0, "", "", `0}`))
	p.Feed(fragDelta(1, "", "", `1}`))
	p.Feed(finishDelta(models.FinishToolCalls))

	res := p.Result()
	if len(res.Calls) != 2 {
		t.Fatalf("calls = %d", len(res.Calls))
	}
	if res.Calls[0].ID != "b" || res.Calls[1].ID != "a" {
		t.Errorf("order = %s,%s; want arrival order b,a", res.Calls[0].ID, res.Calls[1].ID)
	}
}

func TestStreamParser_ForceFlushAtToolCalls(t *testing.T) {
	tests := []struct {
		name     string
		args     string
		wantArgs string
	}{
		{name: "empty arguments", args: "", wantArgs: `{}`},
		{name: "truncated arguments", args: `{"q":`, wantArgs: `"{\"q\":"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewStreamParser(nativeConfig())
			p.Feed(fragDelta(0, "c", "search", tt.args))
			p.Feed(finishDelta(models.FinishToolUse))

			res := p.Result()
			if res.State != StateDone {
				t.Fatalf("state = %s", res.State)
			}
			if len(res.Pending) != 1 {
				t.Fatalf("pending = %d, want 1", len(res.Pending))
			}
			if got := string(res.Pending[0].Arguments); got != tt.wantArgs {
				t.Errorf("arguments = %s, want %s", got, tt.wantArgs)
			}
		})
	}
}

func TestStreamParser_ScalarPrefixDoesNotComplete(t *testing.T) {
	p := NewStreamParser(nativeConfig())
	for _, ev := range p.Feed(fragDelta(0, "c1", "calc", `1`)) {
		if ev.Kind == ParserCallComplete {
			t.Fatalf("call reported complete on a scalar prefix: %+v", ev.Call)
		}
	}
	p.Feed(fragDelta(0, "", "", `2`))
	p.Feed(finishDelta(models.FinishToolCalls))

	res := p.Result()
	if len(res.Calls) != 1 {
		t.Fatalf("calls = %d", len(res.Calls))
	}
	if got := string(res.Calls[0].Arguments); got != `"12"` {
		t.Errorf("arguments = %s, want the raw text as a string", got)
	}
}

func TestStreamParser_MarkupUnparseableBodyFallsBack(t *testing.T) {
	p := NewStreamParser(ParserConfig{Step: 1, MarkupToolCalls: true})
	var completed []models.ToolCall
	for _, ev := range p.Feed(textDelta(`<tool_call name="search">{oops</tool_call>`)) {
		if ev.Kind == ParserCallComplete {
			completed = append(completed, *ev.Call)
		}
	}
	p.Feed(finishDelta(models.FinishStop))

	if len(completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(completed))
	}
	res := p.Result()
	if len(res.Calls) != 1 || res.Dropped != 0 {
		t.Fatalf("calls = %d dropped = %d", len(res.Calls), res.Dropped)
	}
	if got := string(res.Calls[0].Arguments); got != `"{oops"` {
		t.Errorf("arguments = %s", got)
	}
	if res.Calls[0].RawArguments != "{oops" {
		t.Errorf("raw = %q", res.Calls[0].RawArguments)
	}
}

func TestStreamParser_StopDropsIncompleteCalls(t *testing.T) {
	p := NewStreamParser(nativeConfig())
	p.Feed(fragDelta(0, "c", "search", `{"q":`))
	p.Feed(fragDelta(1, "d", "", `{}`))
	p.Feed(finishDelta(models.FinishStop))

	res := p.Result()
	if res.State != StateDone {
		t.Fatalf("state = %s", res.State)
	}
	if len(res.Calls) != 0 {
		t.Errorf("calls = %d, want 0", len(res.Calls))
	}
	if res.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", res.Dropped)
	}
}

func TestStreamParser_FinishReasons(t *testing.T) {
	tests := []struct {
		name      string
		reason    string
		continues []string
		wantState StreamState
		wantErr   error
	}{
		{name: "stop", reason: models.FinishStop, wantState: StateDone},
		{name: "end_turn", reason: models.FinishEndTurn, wantState: StateDone},
		{name: "tool_calls", reason: models.FinishToolCalls, wantState: StateDone},
		{name: "length without continuation", reason: models.FinishLength, wantState: StateError, wantErr: ErrUnexpectedFinish},
		{name: "length with continuation", reason: models.FinishLength, continues: []string{"length"}, wantState: StateDone},
		{name: "content_filter", reason: "content_filter", wantState: StateError, wantErr: ErrUnexpectedFinish},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewStreamParser(ParserConfig{NativeToolCalls: true, ContinueReasons: tt.continues})
			p.Feed(textDelta("partial"))
			evs := p.Feed(finishDelta(tt.reason))

			if p.State() != tt.wantState {
				t.Errorf("state = %s, want %s", p.State(), tt.wantState)
			}
			res := p.Result()
			if tt.wantErr != nil && !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("err = %v, want %v", res.Err, tt.wantErr)
			}
			if tt.wantErr == nil && res.Err != nil {
				t.Errorf("unexpected err %v", res.Err)
			}
			if len(evs) == 0 || evs[len(evs)-1].Kind != ParserFinish {
				t.Errorf("last event should be finish, got %+v", evs)
			}
		})
	}
}

func TestStreamParser_IgnoresDeltasAfterTerminal(t *testing.T) {
	p := NewStreamParser(nativeConfig())
	p.Feed(textDelta("a"))
	p.Feed(finishDelta(models.FinishStop))
	if evs := p.Feed(textDelta("b")); evs != nil {
		t.Errorf("events after terminal = %+v", evs)
	}
	if p.Text() != "a" {
		t.Errorf("text = %q", p.Text())
	}
}

func TestStreamParser_TruncatedStream(t *testing.T) {
	stream := &sliceStream{deltas: []*models.Delta{textDelta("cut")}}
	p := NewStreamParser(nativeConfig())
	res := p.Consume(context.Background(), stream, nil, nil)

	if res.State != StateError {
		t.Fatalf("state = %s, want ERROR", res.State)
	}
	if !errors.Is(res.Err, ErrStreamTruncated) {
		t.Errorf("err = %v", res.Err)
	}
	if res.Text != "cut" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestStreamParser_ProviderError(t *testing.T) {
	boom := errors.New("upstream reset")
	stream := &sliceStream{err: boom}
	res := NewStreamParser(nativeConfig()).Consume(context.Background(), stream, nil, nil)
	if res.State != StateError || !errors.Is(res.Err, boom) {
		t.Fatalf("state=%s err=%v", res.State, res.Err)
	}
}

func TestStreamParser_CancelKeepsCompletedWork(t *testing.T) {
	cancel := make(chan struct{})
	stream := &sliceStream{deltas: []*models.Delta{
		textDelta("working"),
		fragDelta(0, "c1", "done_tool", `{}`),
		fragDelta(1, "c2", "half", `{"x":`),
		textDelta(" never seen"),
		finishDelta(models.FinishToolCalls),
	}}
	stream.onRecv = func(pos int) {
		if pos == 2 {
			close(cancel)
		}
	}

	res := NewStreamParser(nativeConfig()).Consume(context.Background(), stream, cancel, nil)

	if res.State != StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", res.State)
	}
	if !errors.Is(res.Err, ErrRunCancelled) {
		t.Errorf("err = %v", res.Err)
	}
	if res.Text != "working" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Calls) != 1 || res.Calls[0].ID != "c1" {
		t.Errorf("calls = %+v, want only c1", res.Calls)
	}
	if stream.pos != 3 {
		t.Errorf("deltas read = %d, want 3", stream.pos)
	}
}

func TestStreamParser_MarkDispatchedExcludesFromPending(t *testing.T) {
	p := NewStreamParser(nativeConfig())
	for _, ev := range p.Feed(fragDelta(0, "c1", "a", `{}`)) {
		if ev.Kind == ParserCallComplete {
			p.MarkDispatched(*ev.Call)
		}
	}
	p.Feed(fragDelta(1, "c2", "b", `{}`))
	p.Feed(finishDelta(models.FinishToolCalls))

	res := p.Result()
	if len(res.Calls) != 2 {
		t.Fatalf("calls = %d", len(res.Calls))
	}
	if len(res.Pending) != 1 || res.Pending[0].ID != "c2" {
		t.Errorf("pending = %+v, want only c2", res.Pending)
	}
}

func TestStreamParser_UsageAccumulates(t *testing.T) {
	p := NewStreamParser(nativeConfig())
	p.Feed(&models.Delta{Usage: &models.Usage{PromptTokens: 10}})
	p.Feed(&models.Delta{Usage: &models.Usage{CompletionTokens: 4}, FinishReason: models.FinishStop})

	if got := p.Result().Usage; got.PromptTokens != 10 || got.CompletionTokens != 4 {
		t.Errorf("usage = %+v", got)
	}
}

func TestStreamParser_NativeDisabled(t *testing.T) {
	p := NewStreamParser(ParserConfig{MarkupToolCalls: true})
	p.Feed(fragDelta(0, "c", "t", `{}`))
	p.Feed(finishDelta(models.FinishStop))
	if res := p.Result(); len(res.Calls) != 0 || res.Dropped != 0 {
		t.Errorf("native fragments should be ignored, got %+v", res)
	}
}

func TestStreamParser_MarkupCalls(t *testing.T) {
	p := NewStreamParser(ParserConfig{Step: 2, MarkupToolCalls: true})
	var completed []models.ToolCall
	feed := func(s string) {
		for _, ev := range p.Feed(textDelta(s)) {
			if ev.Kind == ParserCallComplete {
				completed = append(completed, *ev.Call)
			}
		}
	}

	feed(`Let me look. <tool_call name="search">{"q":`)
	if len(completed) != 0 {
		t.Fatal("unclosed block must not complete")
	}
	feed(`"go"}</tool_call> and <invoke name="fetch"><parameter name="url">https://x</parameter>`)
	feed(`<parameter name="retries">3</parameter></invoke>`)
	p.Feed(finishDelta(models.FinishStop))

	if len(completed) != 2 {
		t.Fatalf("completed = %d, want 2", len(completed))
	}
	if completed[0].Name != "search" || string(completed[0].Arguments) != `{"q":"go"}` {
		t.Errorf("first = %s %s", completed[0].Name, completed[0].Arguments)
	}
	var args map[string]any
	if err := json.Unmarshal(completed[1].Arguments, &args); err != nil {
		t.Fatalf("invoke args: %v", err)
	}
	if args["url"] != "https://x" || args["retries"] != float64(3) {
		t.Errorf("invoke args = %v", args)
	}
	for _, c := range completed {
		if c.Encoding != models.EncodingMarkup || !strings.HasPrefix(c.ID, "markup_") || c.Step != 2 {
			t.Errorf("call metadata = %+v", c)
		}
	}
	if res := p.Result(); len(res.Calls) != 2 {
		t.Errorf("result calls = %d", len(res.Calls))
	}
}

func TestScanMarkup(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantNames []string
		wantValid []bool
	}{
		{name: "none", text: "plain text"},
		{name: "unclosed", text: `<tool_call name="a">{}`},
		{name: "empty body", text: `<tool_call name="a"></tool_call>`, wantNames: []string{"a"}, wantValid: []bool{true}},
		{name: "invalid json", text: `<tool_call name="a">{oops</tool_call>`, wantNames: []string{"a"}, wantValid: []bool{false}},
		{name: "scalar body", text: `<tool_call name="a">42</tool_call>`, wantNames: []string{"a"}, wantValid: []bool{false}},
		{
			name:      "mixed order",
			text:      `<invoke name="b"></invoke> x <tool_call name="a">{}</tool_call>`,
			wantNames: []string{"b", "a"},
			wantValid: []bool{true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks, _ := scanMarkup(tt.text, 0)
			if len(blocks) != len(tt.wantNames) {
				t.Fatalf("blocks = %d, want %d", len(blocks), len(tt.wantNames))
			}
			for i, b := range blocks {
				if b.name != tt.wantNames[i] {
					t.Errorf("block %d name = %q", i, b.name)
				}
				if (b.args != nil) != tt.wantValid[i] {
					t.Errorf("block %d valid = %v", i, b.args != nil)
				}
			}
		})
	}
}

func TestScanMarkup_Offset(t *testing.T) {
	text := `<tool_call name="a">{}</tool_call>`
	blocks, next := scanMarkup(text, 0)
	if len(blocks) != 1 || next != len(text) {
		t.Fatalf("blocks=%d next=%d", len(blocks), next)
	}
	blocks, _ = scanMarkup(text, next)
	if len(blocks) != 0 {
		t.Errorf("rescan found %d blocks", len(blocks))
	}
}
