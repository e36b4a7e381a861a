package transform

import (
	"context"
	"strings"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
)

// MediaResolver turns an image reference into a backend part. It never fails;
// problems come back as a text placeholder part.
type MediaResolver interface {
	Resolve(ctx context.Context, ref string) gemini.Part
}

type converter struct {
	media    MediaResolver
	splitter ReasoningSplitter

	// calls made by the most recent assistant turn, by client ID
	callNames map[string]string
	lastCall  string
}

// convertMessages maps chat messages onto a system instruction and the
// ordered backend contents.
func (c *converter) convertMessages(ctx context.Context, msgs []domain.Message) (*gemini.Content, []gemini.Content, error) {
	var system []string
	var contents []gemini.Content

	for i, m := range msgs {
		switch m.Role {
		case domain.RoleSystem, domain.RoleDeveloper:
			if text := m.Content.PlainText(); strings.TrimSpace(text) != "" {
				system = append(system, text)
			}

		case domain.RoleUser:
			parts := c.userParts(ctx, m.Content)
			if len(parts) > 0 {
				contents = append(contents, gemini.Content{Role: gemini.RoleUser, Parts: parts})
			}

		case domain.RoleAssistant:
			parts := c.assistantParts(m)
			if len(parts) > 0 {
				contents = append(contents, gemini.Content{Role: gemini.RoleModel, Parts: parts})
			}

		case domain.RoleTool:
			contents = append(contents, gemini.Content{Role: gemini.RoleUser, Parts: []gemini.Part{c.toolResult(m)}})

		default:
			return nil, nil, domain.Invalid("messages[%d]: unsupported role %q", i, m.Role)
		}
	}

	var instruction *gemini.Content
	if len(system) > 0 {
		instruction = &gemini.Content{Parts: []gemini.Part{{Text: strings.Join(system, "\n")}}}
	}
	return instruction, contents, nil
}

func (c *converter) userParts(ctx context.Context, content domain.MessageContent) []gemini.Part {
	if !content.IsMultipart() {
		if content.Text == "" {
			return nil
		}
		return []gemini.Part{{Text: content.Text}}
	}

	parts := make([]gemini.Part, 0, len(content.Parts))
	for _, p := range content.Parts {
		switch p.Type {
		case domain.PartText:
			if p.Text != "" {
				parts = append(parts, gemini.Part{Text: p.Text})
			}
		case domain.PartImage:
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				parts = append(parts, gemini.Part{Text: "[image omitted: missing image URL]"})
				continue
			}
			if c.media == nil {
				parts = append(parts, gemini.Part{Text: "[image omitted: image input is not enabled]"})
				continue
			}
			parts = append(parts, c.media.Resolve(ctx, p.ImageURL.URL))
		}
	}
	return parts
}

// assistantParts replays an earlier assistant turn. Reasoning blocks the
// gateway added to that turn are not sent back.
func (c *converter) assistantParts(m domain.Message) []gemini.Part {
	var parts []gemini.Part

	text := m.Content.PlainText()
	if c.splitter != nil {
		if _, answer, ok := c.splitter.Split(text); ok {
			text = answer
		}
	}
	if strings.TrimSpace(text) != "" {
		parts = append(parts, gemini.Part{Text: text})
	}

	if len(m.ToolCalls) > 0 {
		c.callNames = make(map[string]string, len(m.ToolCalls))
	}
	for _, tc := range m.ToolCalls {
		name := tc.Function.Name
		parts = append(parts, gemini.Part{FunctionCall: &gemini.FunctionCall{
			Name: name,
			Args: decodeArguments(tc.Function.Arguments),
		}})
		if tc.ID != "" {
			c.callNames[tc.ID] = name
		}
		c.lastCall = name
	}
	return parts
}

// toolResult answers the function call that immediately precedes it. A
// matching tool_call_id selects among parallel calls of the same turn.
func (c *converter) toolResult(m domain.Message) gemini.Part {
	name := c.lastCall
	if n, ok := c.callNames[m.ToolCallID]; ok {
		name = n
	}
	if name == "" {
		name = m.Name
	}
	if name == "" {
		name = "tool"
	}
	return gemini.Part{FunctionResponse: &gemini.FunctionResponse{
		Name:     name,
		Response: functionResponse(m.Content.PlainText()),
	}}
}

// mergeTurns joins consecutive contents of the same role; the backend expects
// user and model turns to alternate.
func mergeTurns(contents []gemini.Content) []gemini.Content {
	if len(contents) < 2 {
		return contents
	}
	merged := make([]gemini.Content, 0, len(contents))
	for _, c := range contents {
		if n := len(merged); n > 0 && merged[n-1].Role == c.Role {
			merged[n-1].Parts = append(merged[n-1].Parts, c.Parts...)
			continue
		}
		merged = append(merged, gemini.Content{Role: c.Role, Parts: append([]gemini.Part(nil), c.Parts...)})
	}
	return merged
}
