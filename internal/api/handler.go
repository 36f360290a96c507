// Package api provides the HTTP surface of the gateway: provider-shaped
// chat endpoints, the memory management endpoints, and health checks.
package api

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memgate/internal/memory"
	"github.com/blueberrycongee/memgate/internal/observability"
	"github.com/blueberrycongee/memgate/internal/provider"
	"github.com/blueberrycongee/memgate/internal/proxy"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
)

// Handler handles HTTP requests for the gateway.
type Handler struct {
	router   *proxy.Router
	engine   *memory.Engine // nil when memory is disabled
	registry *provider.Registry
	logger   *slog.Logger
	limits   *RateLimiter // nil means unlimited
}

// NewHandler creates a new API handler.
func NewHandler(router *proxy.Router, engine *memory.Engine, registry *provider.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		router:   router,
		engine:   engine,
		registry: registry,
		logger:   logger,
	}
}

// Routes registers all endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("POST /v1/messages", h.Messages)
	mux.HandleFunc("POST /v1/chat", h.Chat)

	mux.HandleFunc("POST /v1/memories", h.CreateMemory)
	mux.HandleFunc("GET /v1/memories/search", h.SearchMemories)
	mux.HandleFunc("DELETE /v1/memories/{owner}/{id}", h.DeleteMemory)

	mux.HandleFunc("GET /health/live", h.HealthCheck)
	mux.HandleFunc("GET /health/ready", h.HealthCheck)
}

// ChatCompletions handles POST /v1/chat/completions. The route defaults
// the inbound shape to OpenAI; the X-Provider header overrides it, and
// the upstream provider may still differ via X-Upstream-Provider.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, "openai")
}

// Messages handles POST /v1/messages with the inbound shape defaulting
// to Anthropic.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, "anthropic")
}

// Chat handles POST /v1/chat, the shape-agnostic endpoint: the inbound
// adapter comes from the X-Provider header or body detection.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, "")
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request, pinned string) {
	if !h.checkRateLimit(w, r, pinned) {
		return
	}
	inbound, err := h.router.Serve(w, r, pinned)
	if err != nil {
		h.writeError(w, r, inbound, err)
	}
}

// HealthCheck handles liveness and readiness probes.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError renders err in the inbound provider's error shape. inbound
// may be nil when no provider could be resolved; the OpenAI envelope is
// the fallback shape in that case.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, inbound provider.Provider, err error) {
	gwErr := gwerrors.AsGatewayError(err).WithRequestID(
		observability.RequestIDFromContext(r.Context()))

	h.logger.Warn("request failed",
		"type", gwErr.Type,
		"reason", gwErr.Reason,
		"provider", gwErr.Provider,
		"status", gwErr.HTTPStatusCode(),
		"request_id", gwErr.RequestID,
	)

	var envelope any
	if inbound != nil && inbound.Name() == "anthropic" {
		envelope = anthropicErrorEnvelope{
			Type:      "error",
			Error:     anthropicErrorDetail{Type: gwErr.Type, Message: gwErr.Message},
			RequestID: gwErr.RequestID,
		}
	} else {
		envelope = openaiErrorEnvelope{
			Error: openaiErrorDetail{
				Message:   gwErr.Message,
				Type:      gwErr.Type,
				Code:      gwErr.Reason,
				RequestID: gwErr.RequestID,
			},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwErr.HTTPStatusCode())
	if encErr := json.NewEncoder(w).Encode(envelope); encErr != nil {
		h.logger.Error("failed to write error response", "error", encErr)
	}
}
