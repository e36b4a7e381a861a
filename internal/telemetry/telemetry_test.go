package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("expected empty trace ID, got %s", id)
	}
}

func TestSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = nil })

	ctx, span := StartSpan(context.Background(), "upstream.attempt")
	AddRequestAttributes(span, "gemini-2.5-flash", "req-1", true)
	AddAttemptAttributes(span, 2, "abcd1234", "host/model:generateContent")
	AddStatusAttribute(span, 429)
	AddTokenAttributes(span, 10, 5, 3)
	AddErrorAttribute(span, errors.New("rate limited"))

	if GetTraceID(ctx) == "" {
		t.Error("expected trace ID inside span")
	}
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	attrs := map[string]bool{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = true
	}
	for _, key := range []string{"model", "request.id", "upstream.attempt", "upstream.credential", "http.status_code", "tokens.total", "error.message"} {
		if !attrs[key] {
			t.Errorf("missing attribute %s", key)
		}
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		desc := sampler(tt.ratio).Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("sampler(%v) = %s, want it to contain %s", tt.ratio, desc, tt.want)
		}
	}
}
