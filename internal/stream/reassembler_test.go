package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
	"github.com/felipepmaragno/gemini-gateway/internal/transform"
)

type recorder struct {
	chunks   []*domain.StreamChunk
	dones    int
	ChunkErr error
}

func (r *recorder) Chunk(c *domain.StreamChunk) error {
	if r.ChunkErr != nil {
		return r.ChunkErr
	}
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *recorder) Done() error {
	r.dones++
	return nil
}

func (r *recorder) content() string {
	var b strings.Builder
	for _, c := range r.chunks {
		for _, ch := range c.Choices {
			if ch.Delta != nil {
				b.WriteString(ch.Delta.Content)
			}
		}
	}
	return b.String()
}

func (r *recorder) toolDeltas() []domain.ToolCall {
	var calls []domain.ToolCall
	for _, c := range r.chunks {
		for _, ch := range c.Choices {
			if ch.Delta != nil {
				calls = append(calls, ch.Delta.ToolCalls...)
			}
		}
	}
	return calls
}

func (r *recorder) last() domain.Choice {
	c := r.chunks[len(r.chunks)-1]
	return c.Choices[len(c.Choices)-1]
}

func testExchange(show bool) *transform.Exchange {
	return &transform.Exchange{
		ID:             "chatcmpl-test",
		Created:        1700000000,
		RequestedModel: "gemini-2.5-flash",
		Reasoning:      transform.ReasoningPolicy{Show: show, Active: show},
		Stream:         true,
	}
}

func newTestReassembler(show bool) (*Reassembler, *recorder) {
	rec := &recorder{}
	r := New(testExchange(show), rec)
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("call_%d", n)
	}
	return r, rec
}

func event(t *testing.T, resp gemini.Response) string {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return "data: " + string(data) + "\r\n\r\n"
}

func parts(finish string, ps ...gemini.Part) gemini.Response {
	return gemini.Response{Candidates: []gemini.Candidate{{
		Content:      &gemini.Content{Role: gemini.RoleModel, Parts: ps},
		FinishReason: finish,
	}}}
}

func strArgs(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func feed(t *testing.T, r *Reassembler, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		if _, err := r.Write([]byte(c)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func sampleStream(t *testing.T) string {
	usage := parts(gemini.FinishStop, gemini.Part{Text: "!"})
	usage.UsageMetadata = &gemini.UsageMetadata{PromptTokenCount: 7, CandidatesTokenCount: 3, ThoughtsTokenCount: 4}

	return event(t, parts("", gemini.Part{Text: "pondering", Thought: true})) +
		": keep-alive\r\n\r\n" +
		event(t, parts("", gemini.Part{Text: "Héllo, "})) +
		event(t, parts("", gemini.Part{Text: "wörld"})) +
		event(t, parts("", gemini.Part{FunctionCall: &gemini.FunctionCall{ID: "fc1", Name: "lookup", Args: strArgs(`{"q":`)}})) +
		event(t, parts("", gemini.Part{FunctionCall: &gemini.FunctionCall{ID: "fc1", Args: strArgs(`"x"}`)}})) +
		event(t, usage)
}

func TestReassembler_ChunkBoundaryIndependence(t *testing.T) {
	input := sampleStream(t)

	whole, wholeRec := newTestReassembler(true)
	feed(t, whole, input)
	want, err := json.Marshal(wholeRec.chunks)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	for _, size := range []int{1, 2, 3, 5, 7, 13, 64} {
		t.Run(fmt.Sprintf("chunks of %d", size), func(t *testing.T) {
			r, rec := newTestReassembler(true)
			var pieces []string
			for i := 0; i < len(input); i += size {
				end := min(i+size, len(input))
				pieces = append(pieces, input[i:end])
			}
			feed(t, r, pieces...)

			got, _ := json.Marshal(rec.chunks)
			if string(got) != string(want) {
				t.Errorf("event sequence differs\n got: %s\nwant: %s", got, want)
			}
			if rec.dones != 1 {
				t.Errorf("expected one terminal marker, got %d", rec.dones)
			}
		})
	}
}

func TestReassembler_ToolCallFragmentsShareIndex(t *testing.T) {
	r, rec := newTestReassembler(false)
	feed(t, r,
		event(t, parts("", gemini.Part{FunctionCall: &gemini.FunctionCall{ID: "c1", Name: "get_weather", Args: strArgs(`{"city":`)}})),
		event(t, parts("", gemini.Part{FunctionCall: &gemini.FunctionCall{ID: "c1", Args: strArgs(`"Paris"`)}})),
		event(t, parts(gemini.FinishStop, gemini.Part{FunctionCall: &gemini.FunctionCall{ID: "c1", Args: strArgs(`}`)}})),
	)

	calls := rec.toolDeltas()
	if len(calls) != 3 {
		t.Fatalf("expected 3 tool-call deltas, got %d", len(calls))
	}

	var args strings.Builder
	for i, c := range calls {
		if c.Index == nil || *c.Index != 0 {
			t.Errorf("delta %d: expected index 0, got %v", i, c.Index)
		}
		args.WriteString(c.Function.Arguments)
	}
	if calls[0].ID != "call_1" || calls[0].Function.Name != "get_weather" {
		t.Errorf("first delta must carry id and name, got %+v", calls[0])
	}
	if calls[1].ID != "" || calls[1].Function.Name != "" {
		t.Errorf("continuation delta must not repeat id or name, got %+v", calls[1])
	}
	if args.String() != `{"city":"Paris"}` {
		t.Errorf("concatenated arguments = %s", args.String())
	}
	if got := *rec.last().FinishReason; got != domain.FinishToolCalls {
		t.Errorf("finish_reason = %s, want tool_calls", got)
	}
}

func TestReassembler_DistinctCallsGetDistinctIndexes(t *testing.T) {
	r, rec := newTestReassembler(false)
	feed(t, r,
		event(t, parts("",
			gemini.Part{FunctionCall: &gemini.FunctionCall{Name: "a", Args: json.RawMessage(`{"x":1}`)}},
			gemini.Part{FunctionCall: &gemini.FunctionCall{Name: "b"}},
		)),
		event(t, parts("", gemini.Part{FunctionCall: &gemini.FunctionCall{Args: strArgs(`{"y":2}`)}})),
	)

	calls := rec.toolDeltas()
	if len(calls) != 3 {
		t.Fatalf("expected 3 deltas, got %d: %+v", len(calls), calls)
	}
	if *calls[0].Index != 0 || *calls[1].Index != 1 || *calls[2].Index != 1 {
		t.Errorf("unexpected indexes %d %d %d", *calls[0].Index, *calls[1].Index, *calls[2].Index)
	}
	if calls[0].Function.Arguments != `{"x":1}` {
		t.Errorf("object args must be serialized, got %s", calls[0].Function.Arguments)
	}
	if calls[2].Function.Arguments != `{"y":2}` {
		t.Errorf("nameless fragment must continue the last call, got %+v", calls[2])
	}
}

func TestReassembler_CallWithoutArgumentsGetsEmptyObject(t *testing.T) {
	r, rec := newTestReassembler(false)
	feed(t, r, event(t, parts(gemini.FinishStop, gemini.Part{FunctionCall: &gemini.FunctionCall{Name: "ping"}})))

	var args strings.Builder
	for _, c := range rec.toolDeltas() {
		args.WriteString(c.Function.Arguments)
	}
	if args.String() != "{}" {
		t.Errorf("arguments = %q, want {}", args.String())
	}
}

func TestReassembler_RoleOnlyOnFirstDelta(t *testing.T) {
	r, rec := newTestReassembler(false)
	feed(t, r,
		event(t, parts("", gemini.Part{Text: "a"})),
		event(t, parts("", gemini.Part{Text: "b"})),
		event(t, parts(gemini.FinishStop, gemini.Part{Text: "c"})),
	)

	for i, c := range rec.chunks {
		role := c.Choices[0].Delta.Role
		if i == 0 && role != domain.RoleAssistant {
			t.Errorf("first delta must carry the role, got %q", role)
		}
		if i > 0 && role != "" {
			t.Errorf("delta %d repeats the role", i)
		}
		if c.Object != "chat.completion.chunk" || c.ID != "chatcmpl-test" {
			t.Errorf("unexpected envelope %+v", c)
		}
	}
	if rec.content() != "abc" {
		t.Errorf("content = %q", rec.content())
	}
}

func TestReassembler_Reasoning(t *testing.T) {
	input := func(t *testing.T) []string {
		return []string{
			event(t, parts("", gemini.Part{Text: "step one, ", Thought: true})),
			event(t, parts("", gemini.Part{Text: "step two", Thought: true})),
			event(t, parts(gemini.FinishStop, gemini.Part{Text: "42"})),
		}
	}

	tests := []struct {
		name string
		show bool
		want string
	}{
		{"hidden", false, "42"},
		{"shown", true, "<think>\nstep one, step two\n</think>\n\n42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newTestReassembler(tt.show)
			feed(t, r, input(t)...)
			if got := rec.content(); got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReassembler_InlineTagsPassThrough(t *testing.T) {
	for _, show := range []bool{false, true} {
		t.Run(fmt.Sprintf("show=%v", show), func(t *testing.T) {
			r, rec := newTestReassembler(show)
			feed(t, r,
				event(t, parts("", gemini.Part{Text: "<think>x</think>"})),
				event(t, parts(gemini.FinishStop, gemini.Part{Text: "answer"})),
			)

			if got := rec.content(); got != "<think>x</think>answer" {
				t.Errorf("content = %q, want text without a thought flag unchanged", got)
			}
		})
	}
}

func TestReassembler_UnterminatedReasoningIsClosed(t *testing.T) {
	r, rec := newTestReassembler(true)
	feed(t, r, event(t, parts(gemini.FinishMaxTokens, gemini.Part{Text: "hmm", Thought: true})))

	want := "<think>\nhmm" + transform.ReasoningClose + transform.Apology(gemini.FinishMaxTokens)
	if got := rec.content(); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if got := *rec.last().FinishReason; got != domain.FinishLength {
		t.Errorf("finish_reason = %s", got)
	}
}

func TestReassembler_MalformedFragmentsSkipped(t *testing.T) {
	r, rec := newTestReassembler(false)
	feed(t, r,
		"data: {\"candidates\": [\n\n",
		event(t, parts("", gemini.Part{Text: "still "})),
		"data: not json at all\n\n",
		"event: message\nid: 3\n",
		event(t, parts(gemini.FinishStop, gemini.Part{Text: "here"})),
	)

	if rec.content() != "still here" {
		t.Errorf("content = %q", rec.content())
	}
	if r.Malformed() != 2 {
		t.Errorf("expected 2 malformed fragments, got %d", r.Malformed())
	}
	if rec.dones != 1 {
		t.Errorf("expected one terminal marker, got %d", rec.dones)
	}
}

func TestReassembler_EmptyStreamGetsApology(t *testing.T) {
	tests := []struct {
		name       string
		input      func(t *testing.T) string
		wantText   string
		wantFinish string
	}{
		{
			name:       "no events",
			input:      func(t *testing.T) string { return "" },
			wantText:   transform.Apology(gemini.FinishOther),
			wantFinish: domain.FinishStop,
		},
		{
			name:       "safety finish",
			input:      func(t *testing.T) string { return event(t, parts(gemini.FinishSafety)) },
			wantText:   transform.Apology(gemini.FinishSafety),
			wantFinish: domain.FinishContentFilter,
		},
		{
			name: "prompt blocked",
			input: func(t *testing.T) string {
				return event(t, gemini.Response{PromptFeedback: &gemini.PromptFeedback{BlockReason: "SAFETY"}})
			},
			wantText:   transform.Apology(gemini.FinishSafety),
			wantFinish: domain.FinishContentFilter,
		},
		{
			name:       "whitespace only",
			input:      func(t *testing.T) string { return event(t, parts(gemini.FinishStop, gemini.Part{Text: "  "})) },
			wantText:   "  " + transform.Apology(gemini.FinishStop),
			wantFinish: domain.FinishStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newTestReassembler(false)
			feed(t, r, tt.input(t))

			if got := rec.content(); got != tt.wantText {
				t.Errorf("content = %q, want %q", got, tt.wantText)
			}
			if got := *rec.last().FinishReason; got != tt.wantFinish {
				t.Errorf("finish_reason = %s, want %s", got, tt.wantFinish)
			}
			if rec.chunks[0].Choices[0].Delta.Role != domain.RoleAssistant {
				t.Error("apology delta must carry the role")
			}
		})
	}
}

func TestReassembler_FinalChunkCarriesUsage(t *testing.T) {
	r, rec := newTestReassembler(false)
	feed(t, r, sampleStream(t))

	final := rec.chunks[len(rec.chunks)-1]
	if final.Usage == nil || final.Usage.TotalTokens != 14 {
		t.Fatalf("expected usage on the final chunk, got %+v", final.Usage)
	}
	if final.Choices[0].FinishReason == nil {
		t.Fatal("expected finish_reason on the final chunk")
	}
	for _, c := range rec.chunks[:len(rec.chunks)-1] {
		if c.Usage != nil || c.Choices[0].FinishReason != nil {
			t.Fatalf("only the final chunk may carry usage or finish_reason: %+v", c)
		}
	}

	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if rec.dones != 1 {
		t.Errorf("terminal marker emitted %d times", rec.dones)
	}
	if r.State() != Done {
		t.Errorf("state = %s, want done", r.State())
	}
}

func TestReassembler_TrailingBufferParsedOnClose(t *testing.T) {
	r, rec := newTestReassembler(false)
	last := strings.TrimRight(event(t, parts(gemini.FinishStop, gemini.Part{Text: "tail"})), "\r\n")
	feed(t, r, last)

	if rec.content() != "tail" {
		t.Errorf("content = %q", rec.content())
	}
}

func TestReassembler_UpstreamDoneEndsInput(t *testing.T) {
	r, rec := newTestReassembler(false)
	feed(t, r,
		event(t, parts(gemini.FinishStop, gemini.Part{Text: "ok"})),
		"data: [DONE]\n\n",
		event(t, parts("", gemini.Part{Text: "ignored"})),
	)

	if rec.content() != "ok" {
		t.Errorf("content = %q", rec.content())
	}
	if rec.dones != 1 {
		t.Errorf("expected one terminal marker, got %d", rec.dones)
	}
}

func TestReassembler_States(t *testing.T) {
	r, _ := newTestReassembler(false)
	if r.State() != AwaitingRole {
		t.Fatalf("initial state = %s", r.State())
	}
	if _, err := r.Write([]byte(event(t, parts("", gemini.Part{Text: "x"})))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r.State() != Streaming {
		t.Fatalf("state after first delta = %s", r.State())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r.State() != Done {
		t.Fatalf("final state = %s", r.State())
	}
}

func TestReassembler_EmitterErrorStopsWrite(t *testing.T) {
	rec := &recorder{ChunkErr: errors.New("client gone")}
	r := New(testExchange(false), rec)

	_, err := r.Write([]byte(event(t, parts("", gemini.Part{Text: "x"}))))
	if err == nil || err.Error() != "client gone" {
		t.Fatalf("expected emitter error, got %v", err)
	}
}

func TestReassembler_MultipleCandidates(t *testing.T) {
	r, rec := newTestReassembler(false)
	resp := gemini.Response{Candidates: []gemini.Candidate{
		{Index: 0, Content: &gemini.Content{Parts: []gemini.Part{{Text: "a"}}}, FinishReason: gemini.FinishStop},
		{Index: 1, Content: &gemini.Content{Parts: []gemini.Part{{Text: "b"}}}, FinishReason: gemini.FinishMaxTokens},
	}}
	feed(t, r, event(t, resp))

	finishes := map[int]string{}
	roles := map[int]int{}
	for _, c := range rec.chunks {
		ch := c.Choices[0]
		if ch.Delta.Role != "" {
			roles[ch.Index]++
		}
		if ch.FinishReason != nil {
			finishes[ch.Index] = *ch.FinishReason
		}
	}
	if roles[0] != 1 || roles[1] != 1 {
		t.Errorf("expected the role once per choice, got %v", roles)
	}
	if finishes[0] != domain.FinishStop || finishes[1] != domain.FinishLength {
		t.Errorf("unexpected finish reasons %v", finishes)
	}
}
