package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/gemini-gateway/internal/crypto"
)

// Sweeper drops idle or expired entries and reports how many were removed.
type Sweeper interface {
	Sweep() int
}

type AdminConfig struct {
	Keys       *crypto.KeySet
	Status     StatusSources
	PoolSweep  Sweeper
	CacheSweep Sweeper
}

// AdminHandler exposes operational state. Every route requires an admin key;
// with no key configured the handler refuses all requests.
type AdminHandler struct {
	keys       *crypto.KeySet
	status     StatusSources
	poolSweep  Sweeper
	cacheSweep Sweeper
	mux        *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		keys:       cfg.Keys,
		status:     cfg.Status,
		poolSweep:  cfg.PoolSweep,
		cacheSweep: cfg.CacheSweep,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/stats", h.stats)
	h.mux.HandleFunc("GET /admin/credentials", h.credentials)
	h.mux.HandleFunc("GET /admin/circuit-breakers", h.breakers)
	h.mux.HandleFunc("GET /admin/connections", h.connections)
	h.mux.HandleFunc("POST /admin/connections/sweep", h.sweep(func() Sweeper { return h.poolSweep }))
	h.mux.HandleFunc("POST /admin/cache/sweep", h.sweep(func() Sweeper { return h.cacheSweep }))

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.keys.Enabled() {
		writeAdminError(w, http.StatusForbidden, "admin API disabled")
		return
	}
	if !h.keys.Allows(extractAPIKey(r)) {
		writeAdminError(w, http.StatusUnauthorized, "invalid admin key")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) stats(w http.ResponseWriter, r *http.Request) {
	status, _ := gatewayHealth(r.Context(), h.status)
	writeAdminJSON(w, status)
}

func (h *AdminHandler) credentials(w http.ResponseWriter, r *http.Request) {
	if h.status.Credentials == nil {
		writeAdminError(w, http.StatusNotFound, "credential pool not configured")
		return
	}
	usage := h.status.Credentials.Stats(r.Context())
	writeAdminJSON(w, map[string]any{
		"credentials": usage,
		"count":       len(usage),
	})
}

func (h *AdminHandler) breakers(w http.ResponseWriter, r *http.Request) {
	if h.status.Breakers == nil {
		writeAdminError(w, http.StatusNotFound, "circuit breakers not configured")
		return
	}
	writeAdminJSON(w, map[string]any{
		"circuitBreakers": h.status.Breakers.States(),
	})
}

func (h *AdminHandler) connections(w http.ResponseWriter, r *http.Request) {
	if h.status.Pool == nil {
		writeAdminError(w, http.StatusNotFound, "connection pool not configured")
		return
	}
	writeAdminJSON(w, h.status.Pool.Stats())
}

func (h *AdminHandler) sweep(target func() Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := target()
		if s == nil {
			writeAdminError(w, http.StatusNotFound, "nothing to sweep")
			return
		}
		removed := s.Sweep()
		slog.Info("admin sweep", "path", r.URL.Path, "removed", removed)
		writeAdminJSON(w, map[string]int{"removed": removed})
	}
}

func writeAdminJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
