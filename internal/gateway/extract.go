package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
)

// upsertNotify marks live deliveries; other upsert types are history sync.
const upsertNotify = "notify"

type messageKey struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

type captioned struct {
	Caption string `json:"caption"`
}

type messageContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *captioned `json:"imageMessage"`
	VideoMessage    *captioned `json:"videoMessage"`
	DocumentMessage *captioned `json:"documentMessage"`
	AudioMessage    *struct{}  `json:"audioMessage"`
	StickerMessage  *struct{}  `json:"stickerMessage"`
	LocationMessage *struct {
		DegreesLatitude  float64 `json:"degreesLatitude"`
		DegreesLongitude float64 `json:"degreesLongitude"`
	} `json:"locationMessage"`
	ContactMessage *struct {
		DisplayName string `json:"displayName"`
	} `json:"contactMessage"`
}

// rawMessage is one message record as relayed by the gateway.
type rawMessage struct {
	Key              messageKey      `json:"key"`
	PushName         string          `json:"pushName"`
	VerifiedBizName  string          `json:"verifiedBizName"`
	MessageTimestamp int64           `json:"messageTimestamp"`
	DecodeError      string          `json:"decodeError"`
	Message          *messageContent `json:"message"`
}

type messagesPayload struct {
	Type     string       `json:"type"`
	Messages []rawMessage `json:"messages"`
}

// extractMessage converts a raw record into an InboundMessage. Records the
// gateway could not decrypt keep their envelope and carry the sentinel text.
func extractMessage(raw rawMessage, now time.Time) (domain.InboundMessage, error) {
	if raw.Key.ID == "" || raw.Key.RemoteJID == "" {
		return domain.InboundMessage{}, fmt.Errorf("message missing key id or remote jid")
	}

	msg := domain.InboundMessage{
		ID:          raw.Key.ID,
		From:        raw.Key.RemoteJID,
		DisplayName: senderName(raw),
		SelfSent:    raw.Key.FromMe,
		ReceivedAt:  now,
		Type:        domain.MessageUnknown,
	}
	if raw.MessageTimestamp > 0 {
		msg.ReceivedAt = time.Unix(raw.MessageTimestamp, 0)
	}

	if raw.DecodeError != "" || raw.Message == nil {
		msg.Text = domain.UndecryptableText
		msg.Type = domain.MessageText
		return msg, nil
	}

	c := raw.Message
	switch {
	case c.Conversation != "":
		msg.Text, msg.Type = c.Conversation, domain.MessageText
	case c.ExtendedTextMessage != nil:
		msg.Text, msg.Type = c.ExtendedTextMessage.Text, domain.MessageText
	case c.ImageMessage != nil:
		msg.Text, msg.Type = c.ImageMessage.Caption, domain.MessageImage
	case c.VideoMessage != nil:
		msg.Text, msg.Type = c.VideoMessage.Caption, domain.MessageVideo
	case c.DocumentMessage != nil:
		msg.Text, msg.Type = c.DocumentMessage.Caption, domain.MessageDocument
	case c.AudioMessage != nil:
		msg.Type = domain.MessageAudio
	case c.StickerMessage != nil:
		msg.Type = domain.MessageSticker
	case c.LocationMessage != nil:
		msg.Type = domain.MessageLocation
		msg.Text = fmt.Sprintf("Location: %v, %v", c.LocationMessage.DegreesLatitude, c.LocationMessage.DegreesLongitude)
	case c.ContactMessage != nil:
		msg.Type = domain.MessageContact
		msg.Text = "Contact: " + c.ContactMessage.DisplayName
	}

	msg.Text = strings.TrimSpace(msg.Text)
	return msg, nil
}

func senderName(raw rawMessage) string {
	switch {
	case raw.PushName != "":
		return raw.PushName
	case raw.VerifiedBizName != "":
		return raw.VerifiedBizName
	default:
		return "Unknown"
	}
}
