package transform

import (
	"strings"

	"github.com/felipepmaragno/gemini-gateway/internal/catalog"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
)

// Reasoning block delimiters used in client-visible content.
const (
	ReasoningOpen  = "<think>\n"
	ReasoningClose = "\n</think>\n\n"
)

// ReasoningPolicy is the outcome of the reasoning normalization for one
// exchange.
type ReasoningPolicy struct {
	Config *gemini.ThinkingConfig
	// Show means reasoning text is returned in a delimited block ahead of the
	// answer. When false, reasoning text is dropped.
	Show bool
	// Active means the backend will spend tokens on reasoning.
	Active bool
}

// ResolveReasoning applies the default-off policy: the reasoning channel is
// only shown when the client explicitly asks for it. Models that cannot turn
// reasoning off get the minimum budget and their thoughts are suppressed.
func ResolveReasoning(m catalog.Model, requested *bool) ReasoningPolicy {
	if !m.SupportsThinking() {
		return ReasoningPolicy{}
	}

	if requested != nil && *requested {
		return ReasoningPolicy{
			Config: &gemini.ThinkingConfig{IncludeThoughts: true},
			Show:   true,
			Active: true,
		}
	}

	if m.Thinking == catalog.ThinkingMandatory {
		budget := m.MinThinkingBudget
		return ReasoningPolicy{
			Config: &gemini.ThinkingConfig{IncludeThoughts: false, ThinkingBudget: &budget},
			Active: true,
		}
	}

	zero := 0
	return ReasoningPolicy{
		Config: &gemini.ThinkingConfig{IncludeThoughts: false, ThinkingBudget: &zero},
	}
}

// ReasoningSplitter separates reasoning the model wrote inline into its
// answer from the answer itself.
type ReasoningSplitter interface {
	Split(text string) (reasoning, answer string, ok bool)
}

// TagSplitter recognizes a reasoning block wrapped in one of Tags at the very
// start of the text, e.g. "<think>...</think>".
type TagSplitter struct {
	Tags []string
}

func DefaultSplitter() TagSplitter {
	return TagSplitter{Tags: []string{"think", "thinking", "thought"}}
}

func (s TagSplitter) Split(text string) (string, string, bool) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	for _, tag := range s.Tags {
		open, end := "<"+tag+">", "</"+tag+">"
		if len(trimmed) < len(open) || !strings.EqualFold(trimmed[:len(open)], open) {
			continue
		}
		rest := trimmed[len(open):]
		idx := indexFold(rest, end)
		if idx < 0 {
			return strings.TrimSpace(rest), "", true
		}
		reasoning := strings.TrimSpace(rest[:idx])
		answer := strings.TrimLeft(rest[idx+len(end):], " \t\r\n")
		return reasoning, answer, true
	}
	return "", text, false
}

// indexFold returns the byte offset in s of the first case-insensitive match
// of the ASCII string sub, or -1. Offsets always refer to s itself.
func indexFold(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

// FormatReasoning renders reasoning ahead of answer.
func FormatReasoning(reasoning, answer string) string {
	if strings.TrimSpace(reasoning) == "" {
		return answer
	}
	return ReasoningOpen + strings.TrimSpace(reasoning) + ReasoningClose + answer
}
