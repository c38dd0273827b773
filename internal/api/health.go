package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/wabridge/internal/queue"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// QueueStats reports reply queue counters.
type QueueStats interface {
	Stats() queue.Stats
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	*Handler
	queue QueueStats
}

// NewHealthHandler creates a new health handler. q may be nil.
func NewHealthHandler(base *Handler, q QueueStats) *HealthHandler {
	return &HealthHandler{Handler: base, queue: q}
}

// Health returns the health status of the API and its dependencies. The
// session being down degrades nothing; it is reported for operators.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":  "healthy",
		"checks":  checks,
		"session": h.session.Status().Status,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.models == nil {
		checks["ai"] = "disabled"
	} else {
		checks["ai"] = h.models.Model()
	}
	if h.queue != nil {
		status["queue"] = h.queue.Stats()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
