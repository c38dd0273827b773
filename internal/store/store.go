// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
)

// Setting keys.
const (
	SettingAutoReply = "auto_reply"
	SettingAIModel   = "ai_model"
)

// MainSessionID keys the single persisted session row.
const MainSessionID = "main"

// Repository defines the interface for persisting messages, settings and
// session status.
type Repository interface {
	// SaveInboundMessage stores a received message. Saving an id that
	// already exists is a no-op.
	SaveInboundMessage(ctx context.Context, msg domain.InboundMessage) error

	// SaveOutboundMessage stores a message sent by this account. Saving an id
	// that already exists is a no-op.
	SaveOutboundMessage(ctx context.Context, msg domain.OutboundMessage) error

	// AttachGeneratedReply records the reply delivered for an inbound message.
	AttachGeneratedReply(ctx context.Context, inboundID, text string, at time.Time) error

	// GetRecentMessages returns up to n of the newest messages exchanged with
	// identifier, oldest first.
	GetRecentMessages(ctx context.Context, identifier string, n int) ([]domain.StoredMessage, error)

	// ListMessages returns messages newest first.
	ListMessages(ctx context.Context, limit, offset int) ([]domain.StoredMessage, error)

	// GetSetting returns the value for key and whether it exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// SetSetting creates or updates a setting.
	SetSetting(ctx context.Context, key, value string) error

	// ListSettings returns all settings.
	ListSettings(ctx context.Context) (map[string]string, error)

	// SaveSession creates or updates a session status row.
	SaveSession(ctx context.Context, rec domain.SessionRecord) error

	// GetSession retrieves a session status row, or nil if none exists.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
