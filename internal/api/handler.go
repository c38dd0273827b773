// Package api provides HTTP handlers for the wabridge API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/events"
	"github.com/ashureev/wabridge/internal/store"
)

// SessionService controls the protocol session.
type SessionService interface {
	Status() domain.Session
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// ReplyService sends messages and owns the auto-reply flag.
type ReplyService interface {
	Send(ctx context.Context, to, text string) (string, error)
	SetAutoReply(ctx context.Context, enabled bool) error
	AutoReplyEnabled() bool
}

// ModelService is the generation provider as seen by operators.
type ModelService interface {
	Generate(ctx context.Context, promptText, system string) (string, error)
	Model() string
	SetModel(ctx context.Context, model string) error
}

// EventSource fans out bus events to new subscribers.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Handler provides common handler dependencies.
type Handler struct {
	repo    store.Repository
	session SessionService
	replies ReplyService
	// models is nil when no generation provider is configured.
	models ModelService
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, session SessionService, replies ReplyService, models ModelService) *Handler {
	return &Handler{
		repo:    repo,
		session: session,
		replies: replies,
		models:  models,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
