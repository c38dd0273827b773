// Package bridge turns inbound chat messages into generated replies.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/wabridge/internal/dedup"
	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/events"
	"github.com/ashureev/wabridge/internal/prompt"
	"github.com/ashureev/wabridge/internal/queue"
	"github.com/ashureev/wabridge/internal/store"
)

// DefaultMaxAge is how old a message may be and still get a reply.
const DefaultMaxAge = 5 * time.Minute

// Outcome is what happened to one inbound message.
type Outcome string

// Outcomes, in filter order.
const (
	OutcomeSelfSent      Outcome = "self_sent"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeStale         Outcome = "stale"
	OutcomeUndecryptable Outcome = "undecryptable"
	OutcomeNoText        Outcome = "no_text"
	OutcomeAutoReplyOff  Outcome = "auto_reply_disabled"
	OutcomeReplied       Outcome = "replied"
	OutcomeSendFailed    Outcome = "send_failed"
	OutcomeCancelled     Outcome = "cancelled"
)

// Sender delivers text over the protocol session.
type Sender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

// Enqueuer accepts generation requests.
type Enqueuer interface {
	Enqueue(promptText string, snap domain.ContextSnapshot) *queue.Handle
}

// Deps are the collaborators an Orchestrator composes.
type Deps struct {
	Repo      store.Repository
	Dedup     *dedup.Cache
	Queue     Enqueuer
	Sender    Sender
	Publisher events.Publisher
}

// Options configures an Orchestrator.
type Options struct {
	// AutoReply seeds the flag when no setting has been stored yet.
	AutoReply    bool
	MaxAge       time.Duration
	HistoryLimit int
	Profile      *prompt.Profile
	Logger       *slog.Logger
	Now          func() time.Time
}

// Orchestrator filters inbound messages and replies to the ones that pass.
type Orchestrator struct {
	repo    store.Repository
	dedup   *dedup.Cache
	queue   Enqueuer
	sender  Sender
	pub     events.Publisher
	profile *prompt.Profile
	maxAge  time.Duration
	history int
	logger  *slog.Logger
	now     func() time.Time

	autoReply     atomic.Bool
	autoReplyMu   sync.Mutex
	autoReplySeed bool

	wg sync.WaitGroup
}

// NewOrchestrator wires the collaborators together.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Profile == nil {
		opts.Profile = prompt.DefaultProfile()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = opts.Profile.HistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.New(dedup.DefaultCapacity)
	}

	o := &Orchestrator{
		repo:          deps.Repo,
		dedup:         deps.Dedup,
		queue:         deps.Queue,
		sender:        deps.Sender,
		pub:           deps.Publisher,
		profile:       opts.Profile,
		maxAge:        opts.MaxAge,
		history:       opts.HistoryLimit,
		logger:        opts.Logger,
		now:           opts.Now,
		autoReplySeed: opts.AutoReply,
	}
	o.autoReply.Store(opts.AutoReply)
	return o
}

// LoadSettings restores the auto-reply flag from the store, writing the
// seed value if none is stored.
func (o *Orchestrator) LoadSettings(ctx context.Context) error {
	o.autoReplyMu.Lock()
	defer o.autoReplyMu.Unlock()

	value, ok, err := o.repo.GetSetting(ctx, store.SettingAutoReply)
	if err != nil {
		return fmt.Errorf("load auto-reply setting: %w", err)
	}
	if !ok {
		if err := o.repo.SetSetting(ctx, store.SettingAutoReply, strconv.FormatBool(o.autoReplySeed)); err != nil {
			return fmt.Errorf("seed auto-reply setting: %w", err)
		}
		o.autoReply.Store(o.autoReplySeed)
		o.logger.Info("Auto-reply initialized", "enabled", o.autoReplySeed, "source", "config")
		return nil
	}

	o.autoReply.Store(value == "true")
	o.logger.Info("Auto-reply initialized", "enabled", value == "true", "source", "settings")
	return nil
}

// AutoReplyEnabled reports the current flag.
func (o *Orchestrator) AutoReplyEnabled() bool {
	return o.autoReply.Load()
}

// SetAutoReply persists and applies the flag, then notifies observers.
func (o *Orchestrator) SetAutoReply(ctx context.Context, enabled bool) error {
	o.autoReplyMu.Lock()
	defer o.autoReplyMu.Unlock()

	if err := o.repo.SetSetting(ctx, store.SettingAutoReply, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("save auto-reply setting: %w", err)
	}
	o.autoReply.Store(enabled)
	o.logger.Info("Auto-reply toggled", "enabled", enabled)
	o.publish(events.AutoReplyChanged{Enabled: enabled})
	return nil
}

// Send delivers a manual message and records it as outbound.
func (o *Orchestrator) Send(ctx context.Context, to, text string) (string, error) {
	id, err := o.sender.SendText(ctx, to, text)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	o.recordOutbound(ctx, id, to, text)
	return id, nil
}

// Run handles messages from inbound until it closes or ctx is cancelled.
// Each message is processed on its own goroutine so a slow reply never
// holds up ingestion.
func (o *Orchestrator) Run(ctx context.Context, inbound <-chan domain.InboundMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.Handle(ctx, msg)
			}()
		}
	}
}

// Wait blocks until every message started by Run has been handled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Handle applies the filters to one message and replies if it passes.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.InboundMessage) Outcome {
	log := o.logger.With("message_id", msg.ID, "from", msg.From)

	if msg.SelfSent {
		o.recordOutbound(ctx, msg.ID, msg.From, msg.Text)
		return OutcomeSelfSent
	}

	if o.dedup.CheckAndMark(msg.ID) {
		log.Debug("Skipping duplicate message")
		return OutcomeDuplicate
	}

	now := o.now()
	if age := now.Sub(msg.ReceivedAt); age > o.maxAge {
		log.Info("Skipping stale message", "age", age.Round(time.Second))
		o.saveInbound(ctx, log, msg)
		return OutcomeStale
	}

	o.saveInbound(ctx, log, msg)
	o.publish(events.MessageReceived{Message: msg})

	switch {
	case msg.Undecryptable():
		log.Info("Not replying to undecryptable message")
		return OutcomeUndecryptable
	case strings.TrimSpace(msg.Text) == "":
		log.Debug("Not replying to message without text", "type", msg.Type)
		return OutcomeNoText
	case !o.autoReply.Load():
		log.Debug("Auto-reply disabled, not replying")
		return OutcomeAutoReplyOff
	}

	return o.reply(ctx, log, msg)
}

func (o *Orchestrator) reply(ctx context.Context, log *slog.Logger, msg domain.InboundMessage) Outcome {
	snap := domain.ContextSnapshot{
		SenderName: msg.DisplayName,
		Timestamp:  msg.ReceivedAt,
		History:    o.recentHistory(ctx, log, msg),
	}

	h := o.queue.Enqueue(o.profile.UserMessage(msg.Text, msg.ReceivedAt), snap)
	text, err := h.Wait(ctx)
	if err != nil {
		log.Warn("Reply abandoned", "error", err)
		return OutcomeCancelled
	}
	fallback := h.Fallback()

	id, err := o.sender.SendText(ctx, msg.From, text)
	if err != nil {
		log.Warn("Reply delivery failed, retrying with fallback", "error", err)
		text, fallback = o.profile.Fallbacks.Delivery, true
		id, err = o.sender.SendText(ctx, msg.From, text)
		if err != nil {
			log.Error("Fallback delivery failed", "error", err)
			return OutcomeSendFailed
		}
	}

	sentAt := o.now()
	o.recordOutbound(ctx, id, msg.From, text)
	if err := o.repo.AttachGeneratedReply(ctx, msg.ID, text, sentAt); err != nil {
		log.Error("Failed to attach reply", "error", err)
	}

	o.publish(events.ReplySent{
		InboundID: msg.ID,
		To:        msg.From,
		Text:      text,
		MessageID: id,
		Fallback:  fallback,
	})
	log.Info("Reply sent", "reply_id", id, "length", len(text), "fallback", fallback)
	return OutcomeReplied
}

// recentHistory returns up to history prior messages with the sender, oldest
// first, excluding msg itself.
func (o *Orchestrator) recentHistory(ctx context.Context, log *slog.Logger, msg domain.InboundMessage) []domain.Exchange {
	rows, err := o.repo.GetRecentMessages(ctx, msg.From, o.history+1)
	if err != nil {
		log.Warn("Failed to load conversation history", "error", err)
		return nil
	}

	history := make([]domain.Exchange, 0, len(rows))
	for _, row := range rows {
		if row.MessageID == msg.ID {
			continue
		}
		history = append(history, domain.Exchange{
			Text:      row.Text,
			FromMe:    row.FromMe,
			Timestamp: row.Timestamp,
		})
	}
	if len(history) > o.history {
		history = history[len(history)-o.history:]
	}
	return history
}

func (o *Orchestrator) saveInbound(ctx context.Context, log *slog.Logger, msg domain.InboundMessage) {
	if err := o.repo.SaveInboundMessage(ctx, msg); err != nil {
		log.Error("Failed to save inbound message", "error", err)
	}
}

func (o *Orchestrator) recordOutbound(ctx context.Context, id, to, text string) {
	if id == "" {
		return
	}
	out := domain.OutboundMessage{ID: id, To: to, Text: text, SentAt: o.now()}
	if err := o.repo.SaveOutboundMessage(ctx, out); err != nil {
		o.logger.Error("Failed to save outbound message", "message_id", id, "error", err)
	}
}

func (o *Orchestrator) publish(p events.Payload) {
	if o.pub != nil {
		o.pub.Publish(p)
	}
}
