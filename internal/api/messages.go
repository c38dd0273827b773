package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// MessageHandler serves message history and settings.
type MessageHandler struct {
	*Handler
}

// NewMessageHandler creates a message history handler.
func NewMessageHandler(base *Handler) *MessageHandler {
	return &MessageHandler{Handler: base}
}

// RegisterRoutes registers message and settings routes.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/messages", h.ListMessages)
	r.Get("/api/messages/{number}", h.MessagesByNumber)
	r.Get("/api/settings", h.GetSettings)
	r.Put("/api/settings", h.UpdateSettings)
	r.Post("/api/settings", h.UpdateSettings)
}

// ListMessages returns stored messages, newest first.
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultPageSize)
	offset := queryInt(r, "offset", 0)

	msgs, err := h.repo.ListMessages(r.Context(), limit, offset)
	if err != nil {
		slog.Error("Failed to list messages", "error", err)
		Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []domain.StoredMessage{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"limit":    limit,
		"offset":   offset,
		"count":    len(msgs),
	})
}

// MessagesByNumber returns the latest messages exchanged with one chat,
// oldest first.
func (h *MessageHandler) MessagesByNumber(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	if number == "" {
		Error(w, http.StatusBadRequest, "phone number is required")
		return
	}
	if !strings.Contains(number, "@") {
		number += "@s.whatsapp.net"
	}
	limit := queryInt(r, "limit", defaultPageSize)

	msgs, err := h.repo.GetRecentMessages(r.Context(), number, limit)
	if err != nil {
		slog.Error("Failed to fetch conversation", "from", number, "error", err)
		Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []domain.StoredMessage{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"number":   number,
		"messages": msgs,
		"limit":    limit,
		"count":    len(msgs),
	})
}

// GetSettings returns the stored settings with typed known keys.
func (h *MessageHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := h.repo.ListSettings(r.Context())
	if err != nil {
		slog.Error("Failed to list settings", "error", err)
		Error(w, http.StatusInternalServerError, "failed to fetch settings")
		return
	}

	model := all[store.SettingAIModel]
	if h.models != nil {
		model = h.models.Model()
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"auto_reply": h.replies.AutoReplyEnabled(),
		"ai_model":   model,
		"all":        all,
	})
}

type updateSettingsRequest struct {
	AutoReply *bool   `json:"auto_reply"`
	AIModel   *string `json:"ai_model"`
}

// UpdateSettings applies the fields present in the body.
func (h *MessageHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var updated []string
	if req.AutoReply != nil {
		if err := h.replies.SetAutoReply(r.Context(), *req.AutoReply); err != nil {
			slog.Error("Failed to update auto-reply", "error", err)
			Error(w, http.StatusInternalServerError, "failed to update settings")
			return
		}
		updated = append(updated, store.SettingAutoReply)
	}

	if req.AIModel != nil {
		model := strings.TrimSpace(*req.AIModel)
		if model == "" {
			Error(w, http.StatusBadRequest, "ai_model cannot be empty")
			return
		}
		if h.models != nil {
			if err := h.models.SetModel(r.Context(), model); err != nil {
				slog.Warn("Failed to switch model", "model", model, "error", err)
				Error(w, http.StatusBadRequest, "failed to switch model")
				return
			}
		}
		if err := h.repo.SetSetting(r.Context(), store.SettingAIModel, model); err != nil {
			slog.Error("Failed to save model setting", "error", err)
			Error(w, http.StatusInternalServerError, "failed to update settings")
			return
		}
		updated = append(updated, store.SettingAIModel)
	}

	if len(updated) == 0 {
		Error(w, http.StatusBadRequest, "no settings to update")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"updated": updated})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	if key == "limit" && n > maxPageSize {
		return maxPageSize
	}
	return n
}
