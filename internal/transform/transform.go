// Package transform maps between the client chat-completion schema and the
// backend candidate/part schema, in both directions. It also owns the
// reasoning policy: the backend's thinking channel is off unless the client
// explicitly asks for it.
package transform

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/gemini-gateway/internal/catalog"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
)

type Options struct {
	Classifier  Classifier
	Splitter    ReasoningSplitter
	RolePriming bool
}

type Transformer struct {
	catalog catalog.Catalog
	media   MediaResolver
	opts    Options
}

func New(cat catalog.Catalog, media MediaResolver, opts Options) *Transformer {
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier()
	}
	if opts.Splitter == nil {
		opts.Splitter = DefaultSplitter()
	}
	return &Transformer{catalog: cat, media: media, opts: opts}
}

// Exchange carries one request through the gateway: the backend request plus
// the decisions the response direction needs.
type Exchange struct {
	ID             string
	Created        int64
	RequestedModel string
	Model          catalog.Model
	Upstream       *gemini.Request
	Reasoning      ReasoningPolicy
	JSONOutput     bool
	MaxOutput      int
	Stream         bool
}

// Request maps a client request onto the backend schema. Unknown models and
// malformed messages are validation errors.
func (t *Transformer) Request(ctx context.Context, req *domain.ChatRequest) (*Exchange, error) {
	model, err := t.catalog.Lookup(req.Model)
	if err != nil {
		return nil, err
	}

	conv := &converter{media: t.media, splitter: t.opts.Splitter}
	system, contents, err := conv.convertMessages(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, domain.Invalid("messages must contain at least one non-system message with content")
	}
	if t.opts.RolePriming {
		contents = prime(system, contents)
	}
	contents = mergeTurns(contents)

	tools, err := toolDeclarations(req.Tools)
	if err != nil {
		return nil, err
	}
	var tc *gemini.ToolConfig
	if len(tools) > 0 {
		if tc, err = toolConfig(req.ToolChoice); err != nil {
			return nil, err
		}
	}

	ex := &Exchange{
		ID:             "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Created:        time.Now().Unix(),
		RequestedModel: req.Model,
		Model:          model,
		Reasoning:      ResolveReasoning(model, req.ReasoningRequested()),
		JSONOutput:     t.opts.Classifier.WantsJSON(req),
		Stream:         req.Stream,
	}

	gen := &gemini.GenerationConfig{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		StopSequences:    req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Seed:             req.Seed,
		ThinkingConfig:   ex.Reasoning.Config,
	}
	if req.N != nil && *req.N > 1 {
		gen.CandidateCount = req.N
	}

	// Omitting the limit selects the model ceiling so nothing is truncated
	// silently. JSON answers always get the ceiling.
	ex.MaxOutput = model.MaxOutputTokens
	if n, ok := req.MaxOutputTokens(); ok && !ex.JSONOutput {
		ex.MaxOutput = n
	}
	gen.MaxOutputTokens = ex.MaxOutput

	if ex.JSONOutput && len(tools) == 0 {
		gen.ResponseMimeType = "application/json"
		if rf := req.ResponseFormat; rf != nil && rf.JSONSchema != nil && len(rf.JSONSchema.Schema) > 0 {
			gen.ResponseSchema = SanitizeSchema(rf.JSONSchema.Schema)
		}
	}

	ex.Upstream = &gemini.Request{
		Contents:          contents,
		SystemInstruction: system,
		Tools:             tools,
		ToolConfig:        tc,
		GenerationConfig:  gen,
	}
	return ex, nil
}

// Response maps a complete backend response onto the client schema. Every
// choice without tool calls carries non-empty content.
func (t *Transformer) Response(ex *Exchange, resp *gemini.Response) *domain.ChatResponse {
	out := &domain.ChatResponse{
		ID:      ex.ID,
		Object:  "chat.completion",
		Created: ex.Created,
		Model:   ex.RequestedModel,
		Usage:   Usage(resp.UsageMetadata),
	}

	if len(resp.Candidates) == 0 {
		reason := gemini.FinishOther
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = gemini.FinishSafety
		}
		out.Choices = []domain.Choice{{
			Index: 0,
			Message: &domain.ResponseMessage{
				Role:    domain.RoleAssistant,
				Content: domain.StringPtr(Apology(reason)),
			},
			FinishReason: domain.StringPtr(FinishReason(reason, false)),
		}}
		return out
	}

	for i, cand := range resp.Candidates {
		out.Choices = append(out.Choices, t.choice(ex, i, cand))
	}
	return out
}

func (t *Transformer) choice(ex *Exchange, index int, cand gemini.Candidate) domain.Choice {
	var reasoning, answer strings.Builder
	var calls []domain.ToolCall

	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				calls = append(calls, domain.ToolCall{
					ID:   NewToolCallID(),
					Type: "function",
					Function: domain.FunctionCall{
						Name:      p.FunctionCall.Name,
						Arguments: ArgumentsJSON(p.FunctionCall.Args),
					},
				})
			case p.Thought:
				reasoning.WriteString(p.Text)
			default:
				answer.WriteString(p.Text)
			}
		}
	}

	text := answer.String()
	thoughts := reasoning.String()
	if r, a, ok := t.opts.Splitter.Split(text); ok {
		text = a
		if thoughts != "" && r != "" {
			thoughts += "\n"
		}
		thoughts += r
	}

	if ex.JSONOutput {
		if cleaned, ok := CleanJSON(text); ok {
			text = cleaned
		}
	}

	if strings.TrimSpace(text) == "" {
		text = ""
		if len(calls) == 0 {
			text = Apology(cand.FinishReason)
		}
	}
	if ex.Reasoning.Show && text != "" {
		text = FormatReasoning(thoughts, text)
	}

	msg := &domain.ResponseMessage{Role: domain.RoleAssistant, ToolCalls: calls}
	if text != "" {
		msg.Content = domain.StringPtr(text)
	}

	return domain.Choice{
		Index:        index,
		Message:      msg,
		FinishReason: domain.StringPtr(FinishReason(cand.FinishReason, len(calls) > 0)),
	}
}
