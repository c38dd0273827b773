package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wabridge/internal/dedup"
	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/prompt"
	"github.com/ashureev/wabridge/internal/queue"
	"github.com/ashureev/wabridge/internal/session"
)

// protocolClient is a session.Client that opens immediately and lets the
// test push protocol events.
type protocolClient struct {
	events chan session.Event

	mu   sync.Mutex
	sent []string
}

func newProtocolClient() *protocolClient {
	return &protocolClient{events: make(chan session.Event, 16)}
}

func (c *protocolClient) Connect(context.Context) error {
	c.events <- session.Opened{User: domain.Identity{ID: "me@s.whatsapp.net"}}
	return nil
}

func (c *protocolClient) Events() <-chan session.Event { return c.events }

func (c *protocolClient) SendText(_ context.Context, to, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to+"|"+text)
	return fmt.Sprintf("OUT%d", len(c.sent)), nil
}

func (c *protocolClient) Logout(context.Context) error { return nil }

func (c *protocolClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDuplicateDeliveryThroughSessionAndQueue(t *testing.T) {
	t.Parallel()

	client := newProtocolClient()
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "generated answer"}
	rec := &recorder{}
	profile := prompt.DefaultProfile()

	mgr := session.NewManager(client, rec, session.Options{ReconnectDelay: time.Hour})
	q := queue.New(gen, queue.Options{MinInterval: time.Millisecond, Profile: profile})
	orch := NewOrchestrator(Deps{
		Repo:      repo,
		Dedup:     dedup.New(dedup.DefaultCapacity),
		Queue:     q,
		Sender:    mgr,
		Publisher: rec,
	}, Options{AutoReply: true, Profile: profile})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); _ = mgr.Run(ctx) }()
	go func() { defer wg.Done(); _ = q.Run(ctx) }()
	go func() {
		defer wg.Done()
		_ = orch.Run(ctx, mgr.Inbound())
		orch.Wait()
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	if err := mgr.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eventually(t, func() bool { return mgr.Status().Status == domain.StatusConnected }, "session connected")

	msg := domain.InboundMessage{
		ID:          "DUP1",
		From:        "1555@s.whatsapp.net",
		DisplayName: "Alice",
		Text:        "hello",
		Type:        domain.MessageText,
		ReceivedAt:  time.Now(),
	}
	client.events <- session.MessageReceived{Message: msg}
	client.events <- session.MessageReceived{Message: msg}

	eventually(t, func() bool { return client.sentCount() >= 1 }, "reply sent")
	time.Sleep(50 * time.Millisecond)

	if n := client.sentCount(); n != 1 {
		t.Fatalf("replies sent = %d, want 1", n)
	}
	if n := gen.callCount(); n != 1 {
		t.Fatalf("generation calls = %d, want 1", n)
	}
	repo.mu.Lock()
	saves := repo.inboundSaves
	repo.mu.Unlock()
	if saves != 1 {
		t.Fatalf("inbound saves = %d, want 1", saves)
	}
	if stored, ok := repo.message("DUP1"); !ok || stored.AIResponse != "generated answer" {
		t.Fatalf("stored inbound = %+v, %v", stored, ok)
	}
}
