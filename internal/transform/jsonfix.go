package transform

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	codeFence     = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\n?(.*?)\\s*```$")
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// CleanJSON repairs common wrapping around a JSON answer: markdown code
// fences, a surrounding quoted string, and trailing commas. It returns the
// cleaned text and true only when the result is valid JSON; otherwise text is
// returned unchanged.
func CleanJSON(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return text, false
	}
	if isDocument(s) {
		return s, true
	}

	if m := codeFence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}

	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if unquoted, err := strconv.Unquote(s); err == nil {
			s = strings.TrimSpace(unquoted)
		}
	}

	if !gjson.Valid(s) {
		s = trailingComma.ReplaceAllString(s, "$1")
	}

	if !gjson.Valid(s) {
		if start, end := strings.IndexAny(s, "{["), strings.LastIndexAny(s, "}]"); start >= 0 && end > start {
			s = s[start : end+1]
		}
	}

	if isDocument(s) {
		return s, true
	}
	return text, false
}

func isDocument(s string) bool {
	if !gjson.Valid(s) {
		return false
	}
	r := gjson.Parse(s)
	return r.IsObject() || r.IsArray()
}
