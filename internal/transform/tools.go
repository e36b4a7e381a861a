package transform

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
)

func toolDeclarations(tools []domain.Tool) ([]gemini.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	decls := make([]gemini.FunctionDeclaration, 0, len(tools))
	for i, t := range tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		if strings.TrimSpace(t.Function.Name) == "" {
			return nil, domain.Invalid("tools[%d].function.name is required", i)
		}
		decl := gemini.FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
		}
		if len(t.Function.Parameters) > 0 && string(t.Function.Parameters) != "null" {
			decl.Parameters = SanitizeSchema(t.Function.Parameters)
		}
		decls = append(decls, decl)
	}
	if len(decls) == 0 {
		return nil, nil
	}
	return []gemini.Tool{{FunctionDeclarations: decls}}, nil
}

// toolConfig maps tool_choice onto the backend's calling modes.
func toolConfig(choice *domain.ToolChoice) (*gemini.ToolConfig, error) {
	if choice == nil {
		return nil, nil
	}
	if choice.Function != "" {
		return &gemini.ToolConfig{FunctionCallingConfig: &gemini.FunctionCallingConfig{
			Mode:                 gemini.ModeAny,
			AllowedFunctionNames: []string{choice.Function},
		}}, nil
	}

	var mode string
	switch strings.ToLower(choice.Mode) {
	case "", "auto":
		mode = gemini.ModeAuto
	case "none":
		mode = gemini.ModeNone
	case "required", "any":
		mode = gemini.ModeAny
	default:
		return nil, domain.Invalid("unsupported tool_choice %q", choice.Mode)
	}
	return &gemini.ToolConfig{FunctionCallingConfig: &gemini.FunctionCallingConfig{Mode: mode}}, nil
}

// decodeArguments turns a client tool-call argument string into the JSON
// object the backend expects. Non-object payloads are wrapped.
func decodeArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if gjson.Valid(args) && gjson.Parse(args).IsObject() {
		return json.RawMessage(args)
	}
	wrapped, _ := json.Marshal(map[string]string{"arguments": args})
	return wrapped
}

// functionResponse wraps tool output as the object the backend expects.
func functionResponse(content string) json.RawMessage {
	content = strings.TrimSpace(content)
	if gjson.Valid(content) && gjson.Parse(content).IsObject() {
		return json.RawMessage(content)
	}
	wrapped, _ := json.Marshal(map[string]string{"result": content})
	return wrapped
}

// ArgumentsJSON serializes backend call arguments for the client.
func ArgumentsJSON(args json.RawMessage) string {
	if len(args) == 0 || string(args) == "null" {
		return "{}"
	}
	return string(args)
}

// NewToolCallID returns a fresh client-facing tool call identifier.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
