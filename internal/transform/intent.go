package transform

import (
	"regexp"
	"strings"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// Classifier decides whether a request wants a JSON document as its answer.
type Classifier interface {
	WantsJSON(req *domain.ChatRequest) bool
}

// RuleClassifier matches the last user message against a fixed rule list.
// An explicit response_format always wins.
type RuleClassifier struct {
	Rules []*regexp.Regexp
}

// DefaultClassifier recognizes explicit requests for JSON output in English
// and Chinese. Mentioning braces or JavaScript objects is not enough.
func DefaultClassifier() RuleClassifier {
	return RuleClassifier{Rules: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(in|as|return|returns|respond with|reply with|output|give|using|use)\s+(a\s+|an\s+|valid\s+|the\s+)?json\b`),
		regexp.MustCompile(`(?i)\bjson\s+(format|object|output|response|only|document)\b`),
		regexp.MustCompile(`(?i)(用|以|按|返回|输出|给出|生成)\s*json`),
		regexp.MustCompile(`(?i)json\s*(格式|对象|结构)`),
	}}
}

func (c RuleClassifier) WantsJSON(req *domain.ChatRequest) bool {
	if rf := req.ResponseFormat; rf != nil {
		switch strings.ToLower(rf.Type) {
		case "json_object", "json_schema":
			return true
		case "text":
			return false
		}
	}

	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != domain.RoleUser {
			continue
		}
		text := m.Content.PlainText()
		for _, r := range c.Rules {
			if r.MatchString(text) {
				return true
			}
		}
		return false
	}
	return false
}
