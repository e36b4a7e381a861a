// Package catalog describes the backend models the gateway can serve: whether
// a model family has a reasoning sub-channel, whether that channel can be
// switched off, and the output ceiling used when a client omits one.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// Thinking describes a model family's reasoning sub-channel.
type Thinking int

const (
	ThinkingNone      Thinking = iota // no reasoning channel
	ThinkingOptional                  // can be disabled with a zero budget
	ThinkingMandatory                 // cannot be disabled, only minimized
)

func (t Thinking) String() string {
	switch t {
	case ThinkingOptional:
		return "optional"
	case ThinkingMandatory:
		return "mandatory"
	default:
		return "none"
	}
}

type Model struct {
	ID                string
	Thinking          Thinking
	MinThinkingBudget int
	MaxThinkingBudget int
	MaxOutputTokens   int
	InputTokenLimit   int
	Created           int64
}

func (m Model) SupportsThinking() bool {
	return m.Thinking != ThinkingNone
}

// Catalog resolves client model names.
type Catalog interface {
	Lookup(name string) (Model, error)
	List() []Model
}

// Static is an in-memory catalog. Lookups match the exact ID first and then
// the longest registered ID that prefixes the requested name, so dated
// variants such as "gemini-2.5-flash-preview-05-20" resolve to their family.
type Static struct {
	mu     sync.RWMutex
	models map[string]Model
}

func NewStatic(models ...Model) *Static {
	s := &Static{models: make(map[string]Model, len(models))}
	for _, m := range models {
		s.Register(m)
	}
	return s
}

// Default returns the catalog of currently served model families.
func Default() *Static {
	return NewStatic(
		Model{ID: "gemini-2.5-pro", Thinking: ThinkingMandatory, MinThinkingBudget: 128, MaxThinkingBudget: 32768, MaxOutputTokens: 65536, InputTokenLimit: 1048576, Created: 1750118400},
		Model{ID: "gemini-2.5-flash", Thinking: ThinkingOptional, MaxThinkingBudget: 24576, MaxOutputTokens: 65536, InputTokenLimit: 1048576, Created: 1750118400},
		Model{ID: "gemini-2.5-flash-lite", Thinking: ThinkingOptional, MinThinkingBudget: 512, MaxThinkingBudget: 24576, MaxOutputTokens: 65536, InputTokenLimit: 1048576, Created: 1753142400},
		Model{ID: "gemini-2.0-flash", Thinking: ThinkingNone, MaxOutputTokens: 8192, InputTokenLimit: 1048576, Created: 1738713600},
		Model{ID: "gemini-2.0-flash-lite", Thinking: ThinkingNone, MaxOutputTokens: 8192, InputTokenLimit: 1048576, Created: 1738713600},
		Model{ID: "gemini-1.5-pro", Thinking: ThinkingNone, MaxOutputTokens: 8192, InputTokenLimit: 2097152, Created: 1715644800},
		Model{ID: "gemini-1.5-flash", Thinking: ThinkingNone, MaxOutputTokens: 8192, InputTokenLimit: 1048576, Created: 1715644800},
	)
}

func (s *Static) Register(m Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[normalize(m.ID)] = m
}

func (s *Static) Lookup(name string) (Model, error) {
	key := normalize(name)
	if key == "" {
		return Model{}, fmt.Errorf("%w: model is required", domain.ErrUnknownModel)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.models[key]; ok {
		return m, nil
	}

	var best Model
	bestLen := 0
	for id, m := range s.models {
		if strings.HasPrefix(key, id+"-") && len(id) > bestLen {
			best, bestLen = m, len(id)
		}
	}
	if bestLen > 0 {
		// keep the client's exact variant name for the upstream call
		best.ID = key
		return best, nil
	}

	return Model{}, fmt.Errorf("%w: %s", domain.ErrUnknownModel, name)
}

func (s *Static) List() []Model {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]Model, 0, len(s.models))
	for _, m := range s.models {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "models/")
	name = strings.TrimPrefix(name, "gemini/")
	return name
}
