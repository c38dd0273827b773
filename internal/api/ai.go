package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/wabridge/internal/ai/aierr"
	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/prompt"
	"github.com/ashureev/wabridge/internal/queue"
	"github.com/go-chi/chi/v5"
)

const (
	aiTestTimeout   = 30 * time.Second
	generateTimeout = 2 * time.Minute
)

// GenerationQueue is the paced generation queue shared with auto-replies.
type GenerationQueue interface {
	Enqueue(promptText string, snap domain.ContextSnapshot) *queue.Handle
}

// AIHandler exposes provider diagnostics and on-demand drafting.
type AIHandler struct {
	*Handler
	profile *prompt.Profile
	queue   GenerationQueue
}

// NewAIHandler creates an AI handler. Drafts go through q so they share
// pacing with auto-replies.
func NewAIHandler(base *Handler, profile *prompt.Profile, q GenerationQueue) *AIHandler {
	if profile == nil {
		profile = prompt.DefaultProfile()
	}
	return &AIHandler{Handler: base, profile: profile, queue: q}
}

// RegisterRoutes registers AI routes.
func (h *AIHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/ai", func(r chi.Router) {
		r.Post("/test", h.Test)
		r.Post("/generate-response", h.GenerateResponse)
	})
}

// Test sends a fixed prompt to the provider. It calls the provider
// directly and is not paced by the reply queue.
func (h *AIHandler) Test(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		Error(w, http.StatusServiceUnavailable, "AI provider not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), aiTestTimeout)
	defer cancel()

	start := time.Now()
	reply, err := h.models.Generate(ctx, "Hello, this is a connection test. Reply with a short greeting.", h.profile.BasePrompt)
	if err != nil {
		slog.Warn("AI connection test failed", "model", h.models.Model(), "error", err)
		JSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"model":   h.models.Model(),
			"class":   aierr.Classify(err).Error(),
			"error":   err.Error(),
		})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"model":      h.models.Model(),
		"response":   reply,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

type generateRequest struct {
	Message    string `json:"message"`
	SenderName string `json:"sender_name"`
}

// GenerateResponse drafts a reply for a message through the generation
// queue and returns it without sending. Failed generation yields the same
// fallback text an auto-reply would get.
func (h *AIHandler) GenerateResponse(w http.ResponseWriter, r *http.Request) {
	if h.models == nil || h.queue == nil {
		Error(w, http.StatusServiceUnavailable, "AI provider not configured")
		return
	}

	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), generateTimeout)
	defer cancel()

	now := time.Now()
	handle := h.queue.Enqueue(h.profile.UserMessage(req.Message, now), domain.ContextSnapshot{
		SenderName: req.SenderName,
		Timestamp:  now,
	})
	reply, err := handle.Wait(ctx)
	if err != nil {
		slog.Warn("Timed out waiting for generation", "error", err)
		Error(w, http.StatusGatewayTimeout, "generation timed out")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"message":   req.Message,
		"response":  reply,
		"fallback":  handle.Fallback(),
		"model":     h.models.Model(),
		"timestamp": now.UnixMilli(),
	})
}
