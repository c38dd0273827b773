package api

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/wabridge/internal/session"
	"github.com/go-chi/chi/v5"
)

var chatIDPattern = regexp.MustCompile(`^\d{10,15}@s\.whatsapp\.net$`)

// WhatsAppHandler exposes session control and manual sending.
type WhatsAppHandler struct {
	*Handler
}

// NewWhatsAppHandler creates a session control handler.
func NewWhatsAppHandler(base *Handler) *WhatsAppHandler {
	return &WhatsAppHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *WhatsAppHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/whatsapp", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/connect", h.Connect)
		r.Post("/disconnect", h.Disconnect)
		r.Post("/send-message", h.SendMessage)
		r.Post("/toggle-auto-reply", h.ToggleAutoReply)
		r.Get("/auto-reply-status", h.AutoReplyStatus)
	})
}

// Status returns the current session snapshot.
func (h *WhatsAppHandler) Status(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.session.Status())
}

// Connect starts a session unless one is already up or starting.
func (h *WhatsAppHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if st := h.session.Status(); st.IsConnected() {
		JSON(w, http.StatusOK, map[string]interface{}{
			"message": "already connected",
			"session": st,
		})
		return
	}

	err := h.session.Connect(r.Context())
	switch {
	case errors.Is(err, session.ErrAlreadyConnecting):
		Error(w, http.StatusConflict, "connect already in progress")
		return
	case err != nil:
		slog.Warn("Connect request failed", "error", err)
		JSON(w, http.StatusAccepted, map[string]interface{}{
			"message": "connect failed, reconnect scheduled",
			"error":   err.Error(),
			"session": h.session.Status(),
		})
		return
	}

	JSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "connection initiated",
		"session": h.session.Status(),
	})
}

// Disconnect logs the session out.
func (h *WhatsAppHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Disconnect(r.Context()); err != nil {
		slog.Warn("Logout failed during disconnect", "error", err)
		JSON(w, http.StatusOK, map[string]interface{}{
			"message": "disconnected, logout failed",
			"error":   err.Error(),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"message": "disconnected"})
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// SendMessage sends a manual text message.
func (h *WhatsAppHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "missing required fields: to, message")
		return
	}
	if !chatIDPattern.MatchString(req.To) && !strings.HasSuffix(req.To, "@g.us") {
		Error(w, http.StatusBadRequest, "invalid recipient, use 1234567890@s.whatsapp.net or a group id")
		return
	}

	id, err := h.replies.Send(r.Context(), req.To, req.Message)
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			Error(w, http.StatusServiceUnavailable, "session not connected")
			return
		}
		slog.Error("Manual send failed", "to", req.To, "error", err)
		Error(w, http.StatusBadGateway, "failed to send message")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"message_id": id,
		"to":         req.To,
		"message":    req.Message,
		"timestamp":  time.Now().UnixMilli(),
	})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// ToggleAutoReply flips the auto-reply flag.
func (h *WhatsAppHandler) ToggleAutoReply(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Enabled == nil {
		Error(w, http.StatusBadRequest, "enabled field must be a boolean")
		return
	}

	if err := h.replies.SetAutoReply(r.Context(), *req.Enabled); err != nil {
		slog.Error("Failed to toggle auto-reply", "error", err)
		Error(w, http.StatusInternalServerError, "failed to update auto-reply")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

// AutoReplyStatus reports the auto-reply flag.
func (h *WhatsAppHandler) AutoReplyStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]bool{"enabled": h.replies.AutoReplyEnabled()})
}
