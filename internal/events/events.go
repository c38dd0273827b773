// Package events provides the typed notification bus observers subscribe to.
package events

import (
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/google/uuid"
)

// Kind names an event variant on the wire.
type Kind string

// Event kinds.
const (
	KindStatusChanged    Kind = "status-changed"
	KindQRIssued         Kind = "qr-issued"
	KindMessageReceived  Kind = "message-received"
	KindReplySent        Kind = "reply-sent"
	KindFatalError       Kind = "fatal-error"
	KindAutoReplyChanged Kind = "auto-reply-status"
)

// Payload is implemented by every event variant.
type Payload interface {
	Kind() Kind
}

// StatusChanged is published on every session state transition.
type StatusChanged struct {
	Session domain.Session `json:"session"`
}

// QRIssued carries a new authentication challenge.
type QRIssued struct {
	Payload string `json:"qr_code"`
}

// MessageReceived is published for each accepted inbound message.
type MessageReceived struct {
	Message domain.InboundMessage `json:"message"`
}

// ReplySent is published after a generated reply is delivered.
type ReplySent struct {
	InboundID string `json:"inbound_id"`
	To        string `json:"to"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
	Fallback  bool   `json:"fallback"`
}

// FatalError is published when the session gives up reconnecting.
type FatalError struct {
	Message string `json:"message"`
}

// AutoReplyChanged is published when the auto-reply flag flips.
type AutoReplyChanged struct {
	Enabled bool `json:"enabled"`
}

func (StatusChanged) Kind() Kind    { return KindStatusChanged }
func (QRIssued) Kind() Kind         { return KindQRIssued }
func (MessageReceived) Kind() Kind  { return KindMessageReceived }
func (ReplySent) Kind() Kind        { return KindReplySent }
func (FatalError) Kind() Kind       { return KindFatalError }
func (AutoReplyChanged) Kind() Kind { return KindAutoReplyChanged }

// Event is an envelope around one payload.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"type"`
	At      time.Time `json:"at"`
	Payload Payload   `json:"payload"`
}

// New wraps p in an envelope with a fresh id.
func New(p Payload) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    p.Kind(),
		At:      time.Now(),
		Payload: p,
	}
}
