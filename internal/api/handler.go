package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/gemini-gateway/internal/crypto"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gateway"
	"github.com/felipepmaragno/gemini-gateway/internal/stream"
)

const defaultMaxBodyBytes = 32 << 20

// ChatService serves chat completions.
type ChatService interface {
	Complete(ctx context.Context, req *domain.ChatRequest, requestID string) (*domain.ChatResponse, error)
	Stream(ctx context.Context, req *domain.ChatRequest, requestID string, sink gateway.Sink) error
	Models() []domain.Model
}

type HandlerConfig struct {
	Service      ChatService
	Keys         *crypto.KeySet
	Status       StatusSources
	Checkers     []HealthChecker
	ReadyTimeout time.Duration
	MaxBodyBytes int64
	Admin        http.Handler
}

type Handler struct {
	service      ChatService
	keys         *crypto.KeySet
	status       StatusSources
	maxBodyBytes int64
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	h := &Handler{
		service:      cfg.Service,
		keys:         cfg.Keys,
		status:       cfg.Status,
		maxBodyBytes: cfg.MaxBodyBytes,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, cfg.ReadyTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	if h.keys.Enabled() {
		apiKey := extractAPIKey(r)
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, domain.APIError{Message: "missing API key", Type: "authentication_error", Code: "missing_api_key"})
			return
		}
		if !h.keys.Allows(apiKey) {
			slog.Warn("invalid API key", "request_id", requestID, "key_hash", crypto.HashAPIKey(apiKey)[:12])
			writeError(w, http.StatusUnauthorized, domain.APIError{Message: "invalid API key", Type: "authentication_error", Code: "invalid_api_key"})
			return
		}
	}

	var req domain.ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, domain.APIError{Message: "request body too large", Type: "invalid_request_error", Code: "body_too_large"})
			return
		}
		writeError(w, http.StatusBadRequest, domain.APIError{Message: "invalid request body: " + err.Error(), Type: "invalid_request_error", Code: "invalid_json"})
		return
	}

	if req.Stream {
		sink := stream.NewSSEWriter(w, requestID)
		if err := h.service.Stream(ctx, &req, requestID, sink); err != nil {
			writeDomainError(w, err)
		}
		return
	}

	resp, err := h.service.Complete(ctx, &req, requestID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	resp := domain.ModelsResponse{
		Object: "list",
		Data:   h.service.Models(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// writeDomainError maps err onto the client error shape. Capacity errors
// carry a Retry-After hint.
func writeDomainError(w http.ResponseWriter, err error) {
	status, apiErr := domain.ClientError(err)
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeError(w, status, apiErr)
}

const retryAfterSeconds = 1

func writeError(w http.ResponseWriter, status int, apiErr domain.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(domain.ErrorResponse{Error: apiErr})
}
