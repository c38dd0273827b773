// Package domain contains core domain types for the wabridge service.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of the protocol session.
type SessionStatus string

// Session statuses.
const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusQRPending    SessionStatus = "qr_pending"
	StatusConnected    SessionStatus = "connected"
)

// Identity identifies the account a session is logged in as.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Session is a point-in-time snapshot of the protocol session.
type Session struct {
	Status            SessionStatus `json:"status"`
	QRPayload         string        `json:"qr_code,omitempty"`
	ConnectedUser     *Identity     `json:"user,omitempty"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	LastCloseReason   string        `json:"last_close_reason,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// IsConnected returns true if the session can send messages.
func (s Session) IsConnected() bool {
	return s.Status == StatusConnected
}

// SessionRecord is the persisted form of the session status.
type SessionRecord struct {
	SessionID string
	Status    SessionStatus
	QRPayload string
	UpdatedAt time.Time
}
