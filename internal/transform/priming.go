package transform

import "github.com/felipepmaragno/gemini-gateway/internal/gemini"

// Role priming is an optional prompt step: a synthetic user/model exchange
// placed ahead of the conversation that has the model acknowledge the system
// instruction. It only applies when a system instruction exists.
const (
	primingUser  = "[role priming] Follow the system instruction for every reply in this conversation."
	primingModel = "[role priming] Understood. I will follow the system instruction."
)

func prime(system *gemini.Content, contents []gemini.Content) []gemini.Content {
	if system == nil {
		return contents
	}
	primed := make([]gemini.Content, 0, len(contents)+2)
	primed = append(primed,
		gemini.Content{Role: gemini.RoleUser, Parts: []gemini.Part{{Text: primingUser}}},
		gemini.Content{Role: gemini.RoleModel, Parts: []gemini.Part{{Text: primingModel}}},
	)
	return append(primed, contents...)
}
