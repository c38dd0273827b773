package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wabridge/internal/dedup"
	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/events"
	"github.com/ashureev/wabridge/internal/prompt"
	"github.com/ashureev/wabridge/internal/queue"
	"github.com/ashureev/wabridge/internal/store"
)

type fakeRepo struct {
	mu           sync.Mutex
	messages     []domain.StoredMessage
	settings     map[string]string
	sessions     []domain.SessionRecord
	saveErr      error
	inboundSaves int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{settings: make(map[string]string)}
}

func (r *fakeRepo) has(id string) bool {
	for _, m := range r.messages {
		if m.MessageID == id {
			return true
		}
	}
	return false
}

func (r *fakeRepo) SaveInboundMessage(_ context.Context, msg domain.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inboundSaves++
	if r.saveErr != nil {
		return r.saveErr
	}
	if r.has(msg.ID) {
		return nil
	}
	r.messages = append(r.messages, domain.StoredMessage{
		MessageID: msg.ID,
		From:      msg.From,
		FromName:  msg.DisplayName,
		Text:      msg.Text,
		Type:      msg.Type,
		Timestamp: msg.ReceivedAt,
	})
	return nil
}

func (r *fakeRepo) SaveOutboundMessage(_ context.Context, msg domain.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.has(msg.ID) {
		return nil
	}
	r.messages = append(r.messages, domain.StoredMessage{
		MessageID: msg.ID,
		From:      msg.To,
		Text:      msg.Text,
		Type:      domain.MessageText,
		Timestamp: msg.SentAt,
		FromMe:    true,
	})
	return nil
}

func (r *fakeRepo) AttachGeneratedReply(_ context.Context, inboundID, text string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		if r.messages[i].MessageID == inboundID {
			r.messages[i].AIResponse = text
			r.messages[i].AIResponseAt = &at
		}
	}
	return nil
}

func (r *fakeRepo) GetRecentMessages(_ context.Context, identifier string, n int) ([]domain.StoredMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StoredMessage
	for _, m := range r.messages {
		if m.From == identifier {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (r *fakeRepo) ListMessages(_ context.Context, _, _ int) ([]domain.StoredMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StoredMessage(nil), r.messages...), nil
}

func (r *fakeRepo) GetSetting(_ context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.settings[key]
	return v, ok, nil
}

func (r *fakeRepo) SetSetting(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
	return nil
}

func (r *fakeRepo) ListSettings(_ context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.settings))
	for k, v := range r.settings {
		out[k] = v
	}
	return out, nil
}

func (r *fakeRepo) SaveSession(_ context.Context, rec domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, rec)
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, _ string) (*domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil, nil
	}
	rec := r.sessions[len(r.sessions)-1]
	return &rec, nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

func (r *fakeRepo) message(id string) (domain.StoredMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.MessageID == id {
			return m, true
		}
	}
	return domain.StoredMessage{}, false
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

var _ store.Repository = (*fakeRepo)(nil)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
	n     int
}

func (s *fakeSender) SendText(_ context.Context, to, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return "", errors.New("socket closed")
	}
	s.n++
	s.sent = append(s.sent, to+"|"+text)
	return fmt.Sprintf("OUT%d", s.n), nil
}

func (s *fakeSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	systems []string
	reply   string
	err     error
}

func (g *fakeGenerator) Generate(_ context.Context, promptText, system string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, promptText)
	g.systems = append(g.systems, system)
	return g.reply, g.err
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recorder struct {
	mu     sync.Mutex
	events []events.Payload
}

func (r *recorder) Publish(p events.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind())
	}
	return out
}

type harness struct {
	orch   *Orchestrator
	repo   *fakeRepo
	sender *fakeSender
	gen    *fakeGenerator
	rec    *recorder
	now    time.Time
}

func newHarness(t *testing.T, autoReply bool) *harness {
	t.Helper()

	h := &harness{
		repo:   newFakeRepo(),
		sender: &fakeSender{},
		gen:    &fakeGenerator{reply: "  generated answer  "},
		rec:    &recorder{},
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	profile := prompt.DefaultProfile()
	q := queue.New(h.gen, queue.Options{MinInterval: time.Millisecond, Profile: profile})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h.orch = NewOrchestrator(Deps{
		Repo:      h.repo,
		Dedup:     dedup.New(dedup.DefaultCapacity),
		Queue:     q,
		Sender:    h.sender,
		Publisher: h.rec,
	}, Options{
		AutoReply: autoReply,
		Profile:   profile,
		Now:       func() time.Time { return h.now },
	})
	return h
}

func (h *harness) inbound(id, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:          id,
		From:        "1555@s.whatsapp.net",
		DisplayName: "Alice",
		Text:        text,
		Type:        domain.MessageText,
		ReceivedAt:  h.now.Add(-10 * time.Second),
	}
}

func TestHandleRepliesToFreshMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	msg := h.inbound("IN1", "what time is it?")

	if got := h.orch.Handle(context.Background(), msg); got != OutcomeReplied {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeReplied)
	}

	sent := h.sender.messages()
	if len(sent) != 1 || sent[0] != "1555@s.whatsapp.net|generated answer" {
		t.Fatalf("sent = %v", sent)
	}

	stored, ok := h.repo.message("IN1")
	if !ok {
		t.Fatal("inbound message not persisted")
	}
	if stored.AIResponse != "generated answer" {
		t.Fatalf("AIResponse = %q", stored.AIResponse)
	}
	if out, ok := h.repo.message("OUT1"); !ok || !out.FromMe {
		t.Fatalf("outbound record = %+v, %v", out, ok)
	}

	kinds := h.rec.kinds()
	if len(kinds) != 2 || kinds[0] != events.KindMessageReceived || kinds[1] != events.KindReplySent {
		t.Fatalf("events = %v", kinds)
	}
}

func TestHandleAutoReplyDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	if got := h.orch.Handle(context.Background(), h.inbound("IN1", "hello")); got != OutcomeAutoReplyOff {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeAutoReplyOff)
	}
	if _, ok := h.repo.message("IN1"); !ok {
		t.Fatal("message not persisted")
	}
	if h.gen.callCount() != 0 {
		t.Fatalf("generator calls = %d, want 0", h.gen.callCount())
	}
	if len(h.sender.messages()) != 0 {
		t.Fatal("reply sent with auto-reply disabled")
	}
}

func TestHandleDuplicateRepliesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	msg := h.inbound("IN1", "hello")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = h.orch.Handle(context.Background(), msg)
		}()
	}
	wg.Wait()

	replied, dup := 0, 0
	for _, o := range outcomes {
		switch o {
		case OutcomeReplied:
			replied++
		case OutcomeDuplicate:
			dup++
		}
	}
	if replied != 1 || dup != 1 {
		t.Fatalf("outcomes = %v, want one replied and one duplicate", outcomes)
	}
	if n := len(h.sender.messages()); n != 1 {
		t.Fatalf("replies = %d, want 1", n)
	}
	if n := h.repo.count(); n != 2 {
		t.Fatalf("stored rows = %d, want inbound + outbound", n)
	}
}

func TestHandleStaleMessageNotForwarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	msg := h.inbound("OLD", "are you there?")
	msg.ReceivedAt = h.now.Add(-5*time.Minute - time.Second)

	if got := h.orch.Handle(context.Background(), msg); got != OutcomeStale {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeStale)
	}
	if h.gen.callCount() != 0 {
		t.Fatal("stale message reached generation")
	}
	if _, ok := h.repo.message("OLD"); !ok {
		t.Fatal("stale message not persisted")
	}
}

func TestHandleUndecryptableNotForwarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	if got := h.orch.Handle(context.Background(), h.inbound("BAD", domain.UndecryptableText)); got != OutcomeUndecryptable {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeUndecryptable)
	}
	if h.gen.callCount() != 0 {
		t.Fatal("sentinel reached generation")
	}
	if _, ok := h.repo.message("BAD"); !ok {
		t.Fatal("sentinel message not persisted")
	}
}

func TestHandleMessageWithoutText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	msg := h.inbound("AUD", "")
	msg.Type = domain.MessageAudio

	if got := h.orch.Handle(context.Background(), msg); got != OutcomeNoText {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeNoText)
	}
	if h.gen.callCount() != 0 {
		t.Fatal("empty message reached generation")
	}
}

func TestHandleSelfSentIsBookkeepingOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	msg := h.inbound("ME1", "sent from phone")
	msg.SelfSent = true

	if got := h.orch.Handle(context.Background(), msg); got != OutcomeSelfSent {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeSelfSent)
	}
	stored, ok := h.repo.message("ME1")
	if !ok || !stored.FromMe {
		t.Fatalf("stored = %+v, %v, want outbound record", stored, ok)
	}
	if len(h.rec.kinds()) != 0 {
		t.Fatalf("events = %v, want none", h.rec.kinds())
	}
}

func TestHandleRetriesDeliveryOnceWithFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.sender.fails = 1

	if got := h.orch.Handle(context.Background(), h.inbound("IN1", "hello")); got != OutcomeReplied {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeReplied)
	}

	want := "1555@s.whatsapp.net|" + prompt.DefaultProfile().Fallbacks.Delivery
	sent := h.sender.messages()
	if len(sent) != 1 || sent[0] != want {
		t.Fatalf("sent = %v, want [%s]", sent, want)
	}
	stored, _ := h.repo.message("IN1")
	if stored.AIResponse != prompt.DefaultProfile().Fallbacks.Delivery {
		t.Fatalf("AIResponse = %q, want delivery fallback", stored.AIResponse)
	}
}

func TestHandleGivesUpAfterOneRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.sender.fails = 5

	if got := h.orch.Handle(context.Background(), h.inbound("IN1", "hello")); got != OutcomeSendFailed {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeSendFailed)
	}
	h.sender.mu.Lock()
	remaining := h.sender.fails
	h.sender.mu.Unlock()
	if remaining != 3 {
		t.Fatalf("send attempts = %d, want 2", 5-remaining)
	}
	for _, k := range h.rec.kinds() {
		if k == events.KindReplySent {
			t.Fatal("reply-sent published after failed delivery")
		}
	}
}

func TestHandleGenerationFailureSendsFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.gen.err = errors.New("429 too many requests")

	if got := h.orch.Handle(context.Background(), h.inbound("IN1", "hello")); got != OutcomeReplied {
		t.Fatalf("Handle() = %s, want %s", got, OutcomeReplied)
	}
	want := "1555@s.whatsapp.net|" + prompt.DefaultProfile().Fallbacks.RateLimit
	if sent := h.sender.messages(); len(sent) != 1 || sent[0] != want {
		t.Fatalf("sent = %v, want [%s]", sent, want)
	}
}

func TestHandleBuildsHistoryFromPriorMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		m := h.inbound(fmt.Sprintf("P%d", i), fmt.Sprintf("earlier %d", i))
		m.ReceivedAt = h.now.Add(-time.Hour + time.Duration(i)*time.Minute)
		_ = h.repo.SaveInboundMessage(ctx, m)
	}

	if got := h.orch.Handle(ctx, h.inbound("IN1", "latest")); got != OutcomeReplied {
		t.Fatalf("Handle() = %s", got)
	}

	h.gen.mu.Lock()
	system := h.gen.systems[0]
	userPrompt := h.gen.prompts[0]
	h.gen.mu.Unlock()

	for _, want := range []string{"You are chatting with Alice.", "User: earlier 6", "User: earlier 2"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	for _, unwanted := range []string{"earlier 1", "User: latest"} {
		if strings.Contains(system, unwanted) {
			t.Errorf("system prompt contains %q", unwanted)
		}
	}
	if !strings.Contains(userPrompt, "latest") {
		t.Errorf("user prompt = %q", userPrompt)
	}
}

func TestSetAutoReplyPersistsAndPublishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	if err := h.orch.SetAutoReply(ctx, true); err != nil {
		t.Fatalf("SetAutoReply() error = %v", err)
	}
	if !h.orch.AutoReplyEnabled() {
		t.Fatal("AutoReplyEnabled() = false")
	}
	if v, _, _ := h.repo.GetSetting(ctx, store.SettingAutoReply); v != "true" {
		t.Fatalf("setting = %q, want true", v)
	}
	if kinds := h.rec.kinds(); len(kinds) != 1 || kinds[0] != events.KindAutoReplyChanged {
		t.Fatalf("events = %v", kinds)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("seeds from config", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true)
		if err := h.orch.LoadSettings(ctx); err != nil {
			t.Fatalf("LoadSettings() error = %v", err)
		}
		if v, ok, _ := h.repo.GetSetting(ctx, store.SettingAutoReply); !ok || v != "true" {
			t.Fatalf("setting = %q, %v", v, ok)
		}
		if !h.orch.AutoReplyEnabled() {
			t.Fatal("AutoReplyEnabled() = false")
		}
	})

	t.Run("stored value wins", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true)
		_ = h.repo.SetSetting(ctx, store.SettingAutoReply, "false")
		if err := h.orch.LoadSettings(ctx); err != nil {
			t.Fatalf("LoadSettings() error = %v", err)
		}
		if h.orch.AutoReplyEnabled() {
			t.Fatal("AutoReplyEnabled() = true, want stored false")
		}
	})
}

func TestSendRecordsOutbound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	id, err := h.orch.Send(context.Background(), "1777@s.whatsapp.net", "manual")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if stored, ok := h.repo.message(id); !ok || stored.Text != "manual" || !stored.FromMe {
		t.Fatalf("stored = %+v, %v", stored, ok)
	}

	h.sender.fails = 1
	if _, err := h.orch.Send(context.Background(), "1777@s.whatsapp.net", "again"); err == nil {
		t.Fatal("Send() error = nil, want failure")
	}
}

func TestRunProcessesUntilInboundCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	inbound := make(chan domain.InboundMessage, 3)
	inbound <- h.inbound("A", "one")
	inbound <- h.inbound("B", "two")
	inbound <- h.inbound("A", "one")
	close(inbound)

	if err := h.orch.Run(context.Background(), inbound); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	h.orch.Wait()

	if n := len(h.sender.messages()); n != 2 {
		t.Fatalf("replies = %d, want 2", n)
	}
}

func TestRecordSessionStatus(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	evs := make(chan events.Event, 3)
	evs <- events.New(events.StatusChanged{Session: domain.Session{Status: domain.StatusQRPending, QRPayload: "qr"}})
	evs <- events.New(events.FatalError{Message: "x"})
	evs <- events.New(events.StatusChanged{Session: domain.Session{Status: domain.StatusConnected}})
	close(evs)

	if err := RecordSessionStatus(context.Background(), repo, evs, nil); err != nil {
		t.Fatalf("RecordSessionStatus() error = %v", err)
	}

	rec, _ := repo.GetSession(context.Background(), store.MainSessionID)
	if rec == nil || rec.Status != domain.StatusConnected || rec.SessionID != store.MainSessionID {
		t.Fatalf("last record = %+v", rec)
	}
	if len(repo.sessions) != 2 {
		t.Fatalf("records = %d, want 2", len(repo.sessions))
	}
}
