package transform

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

func TestSanitizeSchema(t *testing.T) {
	in := json.RawMessage(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"default": {"type": "string", "default": "x"},
			"mode": {"const": "fast"},
			"tags": {"type": "array", "items": {"type": "string", "examples": ["a"]}}
		},
		"$defs": {"unused": {"type": "string"}}
	}`)

	out := string(SanitizeSchema(in))

	for _, path := range []string{"$schema", "additionalProperties", "$defs", "properties.default.default", "properties.tags.items.examples", "properties.mode.const"} {
		if gjson.Get(out, path).Exists() {
			t.Errorf("expected %s removed: %s", path, out)
		}
	}
	if !gjson.Get(out, "properties.default").Exists() {
		t.Error("a property named default must be kept")
	}
	if got := gjson.Get(out, "properties.mode.enum.0").String(); got != "fast" {
		t.Errorf("expected const rewritten as enum, got %q", got)
	}
	if gjson.Get(out, "type").String() != "object" {
		t.Error("expected type preserved")
	}
}

func TestSanitizeSchema_Invalid(t *testing.T) {
	out := SanitizeSchema(json.RawMessage(`{not json`))
	if gjson.Get(string(out), "type").String() != "object" {
		t.Errorf("expected empty object schema, got %s", out)
	}
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"already valid", `{"a":1}`, `{"a":1}`, true},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`, true},
		{"quoted", `"{\"a\":1}"`, `{"a":1}`, true},
		{"trailing comma", `{"a":[1,2,],}`, `{"a":[1,2]}`, true},
		{"surrounding prose", `Here you go: {"a":1} enjoy`, `{"a":1}`, true},
		{"plain text", "hello world", "hello world", false},
		{"scalar", `"just a string"`, `"just a string"`, false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CleanJSON(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("CleanJSON(%q) = %q, %v; want %q, %v", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRuleClassifier(t *testing.T) {
	c := DefaultClassifier()

	tests := []struct {
		name string
		req  domain.ChatRequest
		want bool
	}{
		{"plain chat", domain.ChatRequest{Messages: []domain.Message{userMsg("Continue the story about the keyboard.")}}, false},
		{"braces in code question", domain.ChatRequest{Messages: []domain.Message{userMsg("In JavaScript, is {name: 'test'} valid syntax?")}}, false},
		{"explicit english", domain.ChatRequest{Messages: []domain.Message{userMsg("Respond with JSON containing name and age")}}, true},
		{"json format", domain.ChatRequest{Messages: []domain.Message{userMsg("Use the JSON format below")}}, true},
		{"chinese", domain.ChatRequest{Messages: []domain.Message{userMsg("请用JSON格式返回用户信息")}}, true},
		{"chinese example", domain.ChatRequest{Messages: []domain.Message{userMsg(`请返回JSON，示例：{"name": "张三"}`)}}, true},
		{"response_format", domain.ChatRequest{Messages: []domain.Message{userMsg("hi")}, ResponseFormat: &domain.ResponseFormat{Type: "json_object"}}, true},
		{"response_format text wins", domain.ChatRequest{Messages: []domain.Message{userMsg("return json")}, ResponseFormat: &domain.ResponseFormat{Type: "text"}}, false},
		{"only last user message counts", domain.ChatRequest{Messages: []domain.Message{userMsg("return json"), {Role: domain.RoleAssistant, Content: domain.TextContent("{}")}, userMsg("thanks!")}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			if got := c.WantsJSON(&req); got != tt.want {
				t.Errorf("WantsJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTagSplitter(t *testing.T) {
	s := DefaultSplitter()

	tests := []struct {
		name          string
		input         string
		wantReasoning string
		wantAnswer    string
		wantOK        bool
	}{
		{"think", "<think>plan</think>\n\nanswer", "plan", "answer", true},
		{"thinking with leading space", "  <thinking>\nplan\n</thinking>answer", "plan", "answer", true},
		{"thought uppercase", "<THOUGHT>plan</THOUGHT> answer", "plan", "answer", true},
		{"unterminated", "<think>still going", "still going", "", true},
		{"not leading", "answer <think>x</think>", "", "answer <think>x</think>", false},
		{"none", "answer", "", "answer", false},
		{"case-changing runes inside", "<think>ȺȺȺȺ</think>", "ȺȺȺȺ", "", true},
		{"shrinking runes inside", "<think>İstanbul İzmir</think>answer", "İstanbul İzmir", "answer", true},
		{"kelvin sign is not a close tag", "<think>a</thin\u212a>b</think>c", "a</thin\u212a>b", "c", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, a, ok := s.Split(tt.input)
			if r != tt.wantReasoning || a != tt.wantAnswer || ok != tt.wantOK {
				t.Errorf("Split(%q) = %q, %q, %v", tt.input, r, a, ok)
			}
		})
	}
}

func TestFinishReason(t *testing.T) {
	tests := []struct {
		upstream string
		tools    bool
		want     string
	}{
		{"STOP", false, domain.FinishStop},
		{"MAX_TOKENS", false, domain.FinishLength},
		{"SAFETY", false, domain.FinishContentFilter},
		{"RECITATION", false, domain.FinishContentFilter},
		{"BLOCKLIST", false, domain.FinishContentFilter},
		{"PROHIBITED_CONTENT", false, domain.FinishContentFilter},
		{"SPII", false, domain.FinishContentFilter},
		{"IMAGE_SAFETY", false, domain.FinishContentFilter},
		{"LANGUAGE", false, domain.FinishContentFilter},
		{"MALFORMED_FUNCTION_CALL", false, domain.FinishToolCalls},
		{"OTHER", false, domain.FinishStop},
		{"", false, domain.FinishStop},
		{"MAX_TOKENS", true, domain.FinishToolCalls},
	}

	for _, tt := range tests {
		if got := FinishReason(tt.upstream, tt.tools); got != tt.want {
			t.Errorf("FinishReason(%q, %v) = %s, want %s", tt.upstream, tt.tools, got, tt.want)
		}
	}
}

func TestApology_DistinctPerCategory(t *testing.T) {
	seen := map[string]string{}
	for _, reason := range []string{"SAFETY", "RECITATION", "MAX_TOKENS", "OTHER"} {
		a := Apology(reason)
		if a == "" {
			t.Fatalf("empty apology for %s", reason)
		}
		if prev, ok := seen[a]; ok {
			t.Errorf("%s and %s share wording", prev, reason)
		}
		seen[a] = reason
	}
}
