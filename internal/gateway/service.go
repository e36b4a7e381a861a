// Package gateway runs one chat completion end to end: the request is
// translated, admitted, executed against the backend and translated back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/admission"
	"github.com/felipepmaragno/gemini-gateway/internal/catalog"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/stream"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
	"github.com/felipepmaragno/gemini-gateway/internal/transform"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

// Upstream executes backend calls with retries.
type Upstream interface {
	Execute(ctx context.Context, call upstream.Call) (*upstream.Result, error)
}

// Sink receives a streamed response. Errors after the first event are
// reported in-band through Fail.
type Sink interface {
	stream.Emitter
	Fail(apiErr domain.APIError) error
	Started() bool
}

type Config struct {
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
}

type Service struct {
	catalog     catalog.Catalog
	transformer *transform.Transformer
	admission   *admission.Controller
	upstream    Upstream
	cfg         Config
}

func NewService(cat catalog.Catalog, tr *transform.Transformer, ac *admission.Controller, up Upstream, cfg Config) *Service {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 120 * time.Second
	}
	return &Service{catalog: cat, transformer: tr, admission: ac, upstream: up, cfg: cfg}
}

// Models lists the served model families in the client's schema.
func (s *Service) Models() []domain.Model {
	list := s.catalog.List()
	models := make([]domain.Model, 0, len(list))
	for _, m := range list {
		models = append(models, domain.Model{ID: m.ID, Object: "model", Created: m.Created, OwnedBy: "google"})
	}
	return models
}

func (s *Service) prepare(ctx context.Context, req *domain.ChatRequest) (*transform.Exchange, upstream.Call, error) {
	ex, err := s.transformer.Request(ctx, req)
	if err != nil {
		return nil, upstream.Call{}, err
	}
	body, err := json.Marshal(ex.Upstream)
	if err != nil {
		return nil, upstream.Call{}, fmt.Errorf("marshal upstream request: %w", err)
	}
	call := upstream.Call{
		Model:   ex.Model.ID,
		Stream:  ex.Stream,
		Body:    body,
		Timeout: upstream.TimeoutFor(s.cfg.BaseTimeout, s.cfg.MaxTimeout, ex.Model, ex.MaxOutput, ex.Reasoning.Active),
	}
	return ex, call, nil
}

// Complete serves a non-streamed request. Validation errors are returned
// before the request is admitted.
func (s *Service) Complete(ctx context.Context, req *domain.ChatRequest, requestID string) (*domain.ChatResponse, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "gateway.complete")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.Model, requestID, false)

	resp, err := s.complete(ctx, req, requestID)
	s.finish(ctx, req.Model, requestID, false, start, err)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	resp.Gateway.LatencyMs = time.Since(start).Milliseconds()
	if u := resp.Usage; u != nil {
		telemetry.AddTokenAttributes(span, u.PromptTokens, u.CompletionTokens, reasoningTokens(u))
		metrics.RecordTokens(req.Model, u.PromptTokens, u.CompletionTokens, reasoningTokens(u))
	}
	return resp, nil
}

func (s *Service) complete(ctx context.Context, req *domain.ChatRequest, requestID string) (*domain.ChatResponse, error) {
	ex, call, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp *domain.ChatResponse
	future, err := s.admission.Submit(ctx, admission.PriorityDefault, func(ctx context.Context) error {
		res, err := s.upstream.Execute(ctx, call)
		if err != nil {
			return err
		}
		var gr gemini.Response
		if err := json.Unmarshal(res.Body, &gr); err != nil {
			return &domain.UpstreamError{Message: "undecodable response body", Cause: err}
		}
		resp = s.transformer.Response(ex, &gr)
		resp.Gateway = &domain.Gateway{
			RequestID:  requestID,
			TraceID:    telemetry.GetTraceID(ctx),
			Attempts:   res.Attempts,
			Credential: res.Credential,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := future.Wait(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream serves a streamed request into sink. An error is returned only when
// nothing has been written yet; later failures end the stream with an
// in-band error event.
func (s *Service) Stream(ctx context.Context, req *domain.ChatRequest, requestID string, sink Sink) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "gateway.stream")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.Model, requestID, true)

	usage, err := s.stream(ctx, req, sink)
	s.finish(ctx, req.Model, requestID, true, start, err)
	if usage != nil {
		telemetry.AddTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, reasoningTokens(usage))
		metrics.RecordTokens(req.Model, usage.PromptTokens, usage.CompletionTokens, reasoningTokens(usage))
	}
	if err == nil {
		return nil
	}

	telemetry.AddErrorAttribute(span, err)
	if !sink.Started() {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	_, apiErr := domain.ClientError(err)
	if ferr := sink.Fail(apiErr); ferr != nil {
		slog.Warn("failed to write stream error", "request_id", requestID, "error", ferr)
	}
	return nil
}

func (s *Service) stream(ctx context.Context, req *domain.ChatRequest, sink Sink) (*domain.Usage, error) {
	ex, call, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var usage *domain.Usage
	future, err := s.admission.Submit(ctx, admission.PriorityStreaming, func(ctx context.Context) error {
		res, err := s.upstream.Execute(ctx, call)
		if err != nil {
			return err
		}
		defer res.Stream.Close()

		metrics.IncrementActiveStreams()
		defer metrics.DecrementActiveStreams()

		r := stream.New(ex, sink)
		_, copyErr := io.Copy(r, res.Stream)
		usage = r.Usage()
		if copyErr != nil {
			var ue *domain.UpstreamError
			if errors.As(copyErr, &ue) {
				return ue
			}
			if errors.Is(copyErr, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			return &domain.UpstreamError{Message: "stream interrupted", Cause: copyErr}
		}
		return r.Close()
	})
	if err != nil {
		return nil, err
	}

	// The task writes to sink, so it must finish before the caller's
	// response writer goes away.
	<-future.Done()
	return usage, future.Err()
}

func (s *Service) finish(ctx context.Context, model, requestID string, streaming bool, start time.Time, err error) {
	duration := time.Since(start)
	status := "success"
	if err != nil {
		code, apiErr := domain.ClientError(err)
		status = apiErr.Code
		level := slog.LevelWarn
		if code >= 500 {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "request failed",
			"request_id", requestID,
			"model", model,
			"stream", streaming,
			"status", code,
			"error", err,
		)
	} else {
		slog.Info("request completed",
			"request_id", requestID,
			"model", model,
			"stream", streaming,
			"latency_ms", duration.Milliseconds(),
		)
	}
	metrics.RecordRequest(model, streaming, status, duration.Seconds())
}

func reasoningTokens(u *domain.Usage) int {
	if u.CompletionTokensDetails == nil {
		return 0
	}
	return u.CompletionTokensDetails.ReasoningTokens
}
