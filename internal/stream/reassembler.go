// Package stream turns the backend's SSE byte stream into client delta
// events. Input may be split at any byte boundary; the emitted event sequence
// does not depend on how it was split.
package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/transform"
)

// maxLine bounds a single buffered line. Longer lines are dropped as malformed.
const maxLine = 8 << 20

type State int

const (
	AwaitingRole State = iota
	Streaming
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingRole:
		return "awaiting_role"
	case Streaming:
		return "streaming"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Emitter receives client events in order. Done is called exactly once.
type Emitter interface {
	Chunk(chunk *domain.StreamChunk) error
	Done() error
}

type choiceState struct {
	roleSent  bool
	inThought bool
	answered  bool
	finish    string

	callIndex map[string]int
	callArgs  map[int]bool
	lastCall  int
	nextCall  int
}

func newChoiceState() *choiceState {
	return &choiceState{callIndex: make(map[string]int), callArgs: make(map[int]bool), lastCall: -1}
}

// Reassembler is an io.Writer fed with raw backend bytes. Close flushes the
// trailing buffer and terminates the client stream.
type Reassembler struct {
	ex    *transform.Exchange
	out   Emitter
	newID func() string

	state        State
	buf          []byte
	upstreamDone bool
	blocked      bool
	choices      map[int]*choiceState
	usage        *domain.Usage
	malformed    int
}

func New(ex *transform.Exchange, out Emitter) *Reassembler {
	return &Reassembler{
		ex:      ex,
		out:     out,
		newID:   transform.NewToolCallID,
		choices: make(map[int]*choiceState),
	}
}

func (r *Reassembler) State() State { return r.state }

// Usage returns the last usage counters reported by the backend.
func (r *Reassembler) Usage() *domain.Usage { return r.usage }

// Malformed returns the number of fragments skipped because they did not parse.
func (r *Reassembler) Malformed() int { return r.malformed }

func (r *Reassembler) Write(p []byte) (int, error) {
	if r.state == Done {
		return len(p), nil
	}
	r.buf = append(r.buf, p...)

	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			break
		}
		line := r.buf[:i]
		if err := r.line(line); err != nil {
			return 0, err
		}
		n := copy(r.buf, r.buf[i+1:])
		r.buf = r.buf[:n]
	}

	if len(r.buf) > maxLine {
		r.skip("line exceeds maximum length", nil)
		r.buf = r.buf[:0]
	}
	return len(p), nil
}

// Close gives any buffered partial line one final parse, then emits the
// finish chunks and the terminal marker. Calling Close twice is a no-op.
func (r *Reassembler) Close() error {
	if r.state == Done {
		return nil
	}
	if len(r.buf) > 0 {
		line := r.buf
		r.buf = nil
		if err := r.line(line); err != nil {
			return err
		}
	}
	return r.finish()
}

func (r *Reassembler) line(raw []byte) error {
	if r.upstreamDone {
		return nil
	}
	line := strings.TrimRight(string(raw), "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return nil
	}
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	if payload == "[DONE]" {
		r.upstreamDone = true
		return nil
	}

	var resp gemini.Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		r.skip("malformed stream fragment", err)
		return nil
	}
	return r.apply(&resp)
}

func (r *Reassembler) skip(msg string, err error) {
	r.malformed++
	metrics.RecordMalformedFragment()
	slog.Warn(msg, "request_id", r.ex.ID, "error", err)
}

func (r *Reassembler) apply(resp *gemini.Response) error {
	if resp.UsageMetadata != nil {
		r.usage = transform.Usage(resp.UsageMetadata)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		r.blocked = true
	}

	for _, cand := range resp.Candidates {
		st := r.choice(cand.Index)
		if cand.FinishReason != "" {
			st.finish = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if err := r.part(cand.Index, st, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reassembler) choice(index int) *choiceState {
	st, ok := r.choices[index]
	if !ok {
		st = newChoiceState()
		r.choices[index] = st
	}
	return st
}

func (r *Reassembler) part(index int, st *choiceState, p gemini.Part) error {
	switch {
	case p.FunctionCall != nil:
		return r.toolCall(index, st, p.FunctionCall)
	case p.Thought:
		if !r.ex.Reasoning.Show || p.Text == "" {
			return nil
		}
		text := p.Text
		if !st.inThought {
			st.inThought = true
			text = transform.ReasoningOpen + strings.TrimLeft(text, " \t\r\n")
		}
		return r.emit(index, st, domain.Delta{Content: text}, nil)
	case p.Text != "":
		text := p.Text
		if st.inThought {
			st.inThought = false
			text = transform.ReasoningClose + strings.TrimLeft(text, " \t\r\n")
		}
		if strings.TrimSpace(p.Text) != "" {
			st.answered = true
		}
		return r.emit(index, st, domain.Delta{Content: text}, nil)
	default:
		return nil
	}
}

// toolCall assigns each call a stable index. A fragment belongs to an earlier
// call when it carries the same backend ID, or when it has neither ID nor name.
func (r *Reassembler) toolCall(index int, st *choiceState, fc *gemini.FunctionCall) error {
	args := argumentFragment(fc.Args)

	callIdx, known := -1, false
	switch {
	case fc.ID != "":
		callIdx, known = st.callIndex[fc.ID]
	case fc.Name == "" && st.lastCall >= 0:
		callIdx, known = st.lastCall, true
	}

	var delta domain.ToolCall
	if known {
		delta = domain.ToolCall{Index: domain.IntPtr(callIdx), Function: domain.FunctionCall{Arguments: args}}
	} else {
		callIdx = st.nextCall
		st.nextCall++
		if fc.ID != "" {
			st.callIndex[fc.ID] = callIdx
		}
		delta = domain.ToolCall{
			Index:    domain.IntPtr(callIdx),
			ID:       r.newID(),
			Type:     "function",
			Function: domain.FunctionCall{Name: fc.Name, Arguments: args},
		}
	}
	st.lastCall = callIdx
	if args != "" {
		st.callArgs[callIdx] = true
	}

	text := ""
	if st.inThought {
		st.inThought = false
		text = transform.ReasoningClose
	}
	st.answered = true
	return r.emit(index, st, domain.Delta{Content: text, ToolCalls: []domain.ToolCall{delta}}, nil)
}

// argumentFragment returns string-valued args as a raw fragment and anything
// else as serialized JSON.
func argumentFragment(args json.RawMessage) string {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

func (r *Reassembler) emit(index int, st *choiceState, delta domain.Delta, finish *string) error {
	if !st.roleSent {
		delta.Role = domain.RoleAssistant
		st.roleSent = true
	}
	if r.state == AwaitingRole {
		r.state = Streaming
	}
	return r.out.Chunk(&domain.StreamChunk{
		ID:      r.ex.ID,
		Object:  "chat.completion.chunk",
		Created: r.ex.Created,
		Model:   r.ex.RequestedModel,
		Choices: []domain.Choice{{Index: index, Delta: &delta, FinishReason: finish}},
	})
}

func (r *Reassembler) finish() error {
	if len(r.choices) == 0 {
		st := r.choice(0)
		st.finish = gemini.FinishOther
		if r.blocked {
			st.finish = gemini.FinishSafety
		}
	}

	indexes := make([]int, 0, len(r.choices))
	for i := range r.choices {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for n, i := range indexes {
		st := r.choices[i]
		if err := r.finishChoice(i, st, n == len(indexes)-1); err != nil {
			return err
		}
	}

	r.state = Done
	return r.out.Done()
}

func (r *Reassembler) finishChoice(index int, st *choiceState, last bool) error {
	var tail strings.Builder
	if st.inThought {
		st.inThought = false
		tail.WriteString(transform.ReasoningClose)
	}
	if !st.answered {
		tail.WriteString(transform.Apology(st.finish))
		st.answered = true
	}
	if tail.Len() > 0 {
		if err := r.emit(index, st, domain.Delta{Content: tail.String()}, nil); err != nil {
			return err
		}
	}

	for i := 0; i < st.nextCall; i++ {
		if st.callArgs[i] {
			continue
		}
		call := domain.ToolCall{Index: domain.IntPtr(i), Function: domain.FunctionCall{Arguments: "{}"}}
		if err := r.emit(index, st, domain.Delta{ToolCalls: []domain.ToolCall{call}}, nil); err != nil {
			return err
		}
	}

	reason := transform.FinishReason(st.finish, st.nextCall > 0)
	chunk := &domain.StreamChunk{
		ID:      r.ex.ID,
		Object:  "chat.completion.chunk",
		Created: r.ex.Created,
		Model:   r.ex.RequestedModel,
		Choices: []domain.Choice{{Index: index, Delta: &domain.Delta{}, FinishReason: domain.StringPtr(reason)}},
	}
	if last {
		chunk.Usage = r.usage
	}
	return r.out.Chunk(chunk)
}
