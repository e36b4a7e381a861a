package transform

import (
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
)

const (
	apologySafety  = "I'm sorry, but I can't help with that request because it was flagged by the content safety filter."
	apologyPolicy  = "I'm sorry, but I can't provide that response because it conflicts with content policy restrictions."
	apologyLength  = "I'm sorry, but the response was cut off before any content could be produced. Please try again with a larger output limit."
	apologyGeneric = "I'm sorry, but I wasn't able to generate a response. Please try again."
)

// Apology returns the placeholder content for an empty answer, chosen by the
// backend finish reason.
func Apology(upstreamReason string) string {
	switch upstreamReason {
	case gemini.FinishSafety, gemini.FinishImageSafety, gemini.FinishSPII, gemini.FinishProhibitedContent:
		return apologySafety
	case gemini.FinishRecitation, gemini.FinishBlocklist, gemini.FinishLanguage:
		return apologyPolicy
	case gemini.FinishMaxTokens:
		return apologyLength
	default:
		return apologyGeneric
	}
}

// FinishReason maps a backend finish reason onto the client's vocabulary. Any
// tool call forces tool_calls.
func FinishReason(upstreamReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return domain.FinishToolCalls
	}
	switch upstreamReason {
	case gemini.FinishMaxTokens:
		return domain.FinishLength
	case gemini.FinishSafety, gemini.FinishImageSafety, gemini.FinishRecitation,
		gemini.FinishBlocklist, gemini.FinishProhibitedContent, gemini.FinishSPII,
		gemini.FinishLanguage:
		return domain.FinishContentFilter
	case gemini.FinishMalformedFunctionCall:
		return domain.FinishToolCalls
	default:
		return domain.FinishStop
	}
}

// Usage converts backend counters. Reasoning tokens count toward the total but
// never toward completion tokens.
func Usage(u *gemini.UsageMetadata) *domain.Usage {
	if u == nil {
		return nil
	}
	usage := &domain.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.PromptTokenCount + u.CandidatesTokenCount + u.ThoughtsTokenCount,
	}
	if u.ThoughtsTokenCount > 0 {
		usage.CompletionTokensDetails = &domain.CompletionTokensDetails{ReasoningTokens: u.ThoughtsTokenCount}
	}
	return usage
}
