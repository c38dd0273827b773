package domain

import (
	"time"
)

// MessageType is the content kind of a chat message.
type MessageType string

// Message types extracted from protocol payloads.
const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageAudio    MessageType = "audio"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageUnknown  MessageType = "unknown"
)

// UndecryptableText replaces the body of a message the protocol could not decode.
const UndecryptableText = "[Message could not be decrypted]"

// InboundMessage is a single message event delivered by the protocol session.
type InboundMessage struct {
	ID          string      `json:"id"`
	From        string      `json:"from"`
	DisplayName string      `json:"from_name"`
	Text        string      `json:"text"`
	Type        MessageType `json:"type"`
	ReceivedAt  time.Time   `json:"timestamp"`
	SelfSent    bool        `json:"is_from_me"`
}

// Undecryptable returns true if the message body is the decode-failure sentinel.
func (m InboundMessage) Undecryptable() bool {
	return m.Text == UndecryptableText
}

// StoredMessage is a persisted message row.
type StoredMessage struct {
	ID           int64       `json:"id"`
	MessageID    string      `json:"message_id"`
	From         string      `json:"from_number"`
	FromName     string      `json:"from_name"`
	Text         string      `json:"message_text"`
	Type         MessageType `json:"message_type"`
	Timestamp    time.Time   `json:"timestamp"`
	FromMe       bool        `json:"is_from_me"`
	AIResponse   string      `json:"ai_response,omitempty"`
	AIResponseAt *time.Time  `json:"ai_response_timestamp,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Exchange is one prior message used as generation context.
type Exchange struct {
	Text      string
	FromMe    bool
	Timestamp time.Time
}

// ContextSnapshot carries what the generation prompt needs about a conversation.
type ContextSnapshot struct {
	SenderName string
	Timestamp  time.Time
	History    []Exchange
}

// OutboundMessage is a message this account sent.
type OutboundMessage struct {
	ID     string    `json:"id"`
	To     string    `json:"to"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"timestamp"`
}
