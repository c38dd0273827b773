// Package prompt builds generation prompts and holds reply fallback texts.
package prompt

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"gopkg.in/yaml.v3"
)

const defaultBasePrompt = `You are a helpful WhatsApp AI assistant. Your responses should be:
- Friendly and conversational
- Concise but informative
- Appropriate for WhatsApp messaging
- Helpful and engaging
- Professional yet approachable

Guidelines:
- Keep responses under 200 words when possible
- Use emojis sparingly and appropriately
- Be respectful and inclusive
- If you don't know something, admit it honestly
- Avoid controversial topics unless specifically asked
- Respond in the same language as the user's message when possible`

// Fallbacks are the user-facing texts sent when generation or delivery fails.
type Fallbacks struct {
	Auth      string   `yaml:"auth"`
	RateLimit string   `yaml:"rate_limit"`
	Network   string   `yaml:"network"`
	Delivery  string   `yaml:"delivery"`
	Generic   []string `yaml:"generic"`
}

// Profile configures the system prompt and fallback texts.
type Profile struct {
	BasePrompt   string    `yaml:"base_prompt"`
	HistoryLimit int       `yaml:"history_limit"`
	TimeLayout   string    `yaml:"time_layout"`
	Fallbacks    Fallbacks `yaml:"fallbacks"`
}

// DefaultProfile returns the built-in assistant profile.
func DefaultProfile() *Profile {
	return &Profile{
		BasePrompt:   defaultBasePrompt,
		HistoryLimit: 5,
		TimeLayout:   "2006-01-02 15:04:05",
		Fallbacks: Fallbacks{
			Auth:      "I'm sorry, there's a configuration issue. Please contact support.",
			RateLimit: "I'm receiving too many messages right now. Please try again in a few minutes.",
			Network:   "I'm having connectivity issues. Please try again in a moment.",
			Delivery:  "I received your message but I'm having trouble processing it right now. Please try again.",
			Generic: []string{
				"I'm sorry, I'm having trouble processing your message right now. Could you please try again?",
				"I apologize, but I'm experiencing some technical difficulties. Please try sending your message again.",
				"Sorry, I couldn't understand that. Could you rephrase your message?",
				"I'm currently having some issues. Please try again in a moment.",
				"Apologies for the inconvenience. I'm having trouble responding right now. Please try again.",
			},
		},
	}
}

// LoadProfile reads a YAML profile from path. Fields left empty keep their
// built-in values. An empty path returns the default profile.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt profile: %w", err)
	}

	var override Profile
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse prompt profile: %w", err)
	}

	p.merge(&override)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prompt profile %s: %w", path, err)
	}
	return p, nil
}

func (p *Profile) merge(o *Profile) {
	if strings.TrimSpace(o.BasePrompt) != "" {
		p.BasePrompt = strings.TrimSpace(o.BasePrompt)
	}
	if o.HistoryLimit > 0 {
		p.HistoryLimit = o.HistoryLimit
	}
	if o.TimeLayout != "" {
		p.TimeLayout = o.TimeLayout
	}
	if o.Fallbacks.Auth != "" {
		p.Fallbacks.Auth = o.Fallbacks.Auth
	}
	if o.Fallbacks.RateLimit != "" {
		p.Fallbacks.RateLimit = o.Fallbacks.RateLimit
	}
	if o.Fallbacks.Network != "" {
		p.Fallbacks.Network = o.Fallbacks.Network
	}
	if o.Fallbacks.Delivery != "" {
		p.Fallbacks.Delivery = o.Fallbacks.Delivery
	}
	if len(o.Fallbacks.Generic) > 0 {
		p.Fallbacks.Generic = o.Fallbacks.Generic
	}
}

// Validate checks that every fallback is non-empty.
func (p *Profile) Validate() error {
	if p.BasePrompt == "" {
		return fmt.Errorf("base_prompt cannot be empty")
	}
	if len(p.Fallbacks.Generic) == 0 {
		return fmt.Errorf("fallbacks.generic must have at least one entry")
	}
	for i, g := range p.Fallbacks.Generic {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("fallbacks.generic[%d] cannot be empty", i)
		}
	}
	return nil
}

// SystemPrompt renders the system instructions for one conversation.
func (p *Profile) SystemPrompt(snap domain.ContextSnapshot) string {
	var b strings.Builder
	b.WriteString(p.BasePrompt)

	if snap.SenderName != "" {
		fmt.Fprintf(&b, "\n\nYou are chatting with %s.", snap.SenderName)
	}

	history := snap.History
	if p.HistoryLimit > 0 && len(history) > p.HistoryLimit {
		history = history[len(history)-p.HistoryLimit:]
	}
	if len(history) > 0 {
		b.WriteString("\n\nRecent conversation context:")
		for _, ex := range history {
			speaker := "User"
			if ex.FromMe {
				speaker = "You"
			}
			fmt.Fprintf(&b, "\n%s: %s", speaker, ex.Text)
		}
	}

	return b.String()
}

// UserMessage prefixes text with the time it was received.
func (p *Profile) UserMessage(text string, receivedAt time.Time) string {
	if receivedAt.IsZero() {
		return text
	}
	return "[" + receivedAt.Local().Format(p.TimeLayout) + "] " + text
}
