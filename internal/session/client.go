// Package session owns the protocol session lifecycle and its reconnect policy.
package session

import (
	"context"
	"errors"

	"github.com/ashureev/wabridge/internal/domain"
)

// Session errors.
var (
	ErrAlreadyConnecting = errors.New("session: connect already in progress")
	ErrNotConnected      = errors.New("session: not connected")
	ErrSessionTerminated = errors.New("session: logged out")
)

// Event is a typed notification from the protocol client.
type Event interface {
	sessionEvent()
}

// QRChallenge asks the operator to link the account with an out-of-band code.
type QRChallenge struct {
	Payload string
}

// Opened reports an authenticated session.
type Opened struct {
	User domain.Identity
}

// Closed reports the end of a session. Terminal closes come from an
// explicit logout and are never retried.
type Closed struct {
	Reason   string
	Terminal bool
}

// MessageReceived carries one inbound or self-sent message.
type MessageReceived struct {
	Message domain.InboundMessage
}

func (QRChallenge) sessionEvent()     {}
func (Opened) sessionEvent()          {}
func (Closed) sessionEvent()          {}
func (MessageReceived) sessionEvent() {}

// Client is the protocol collaborator. Connect starts a new session and
// returns once the request is accepted; progress arrives on Events. A
// failed Connect must not also emit Closed.
type Client interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) (string, error)
	Logout(ctx context.Context) error
}
