package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/events"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 5 * time.Second
)

// FatalMessage is published once the reconnect budget is spent.
const FatalMessage = "Max reconnection attempts reached. Please restart the application."

// Options configures a Manager.
type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	InboundBuffer        int
	Logger               *slog.Logger
}

// Manager drives the single protocol session through
// disconnected → connecting → qr_pending | connected and back, scheduling
// bounded reconnects after transient closes.
type Manager struct {
	client      Client
	pub         events.Publisher
	maxAttempts int
	delay       time.Duration
	logger      *slog.Logger
	inbound     chan domain.InboundMessage

	mu         sync.Mutex
	state      domain.Session
	timer      *time.Timer
	timerSeq   uint64
	fatalSent  bool
	stopped    bool
	terminated bool
	runCtx     context.Context
}

// NewManager creates a manager in the disconnected state.
func NewManager(client Client, pub events.Publisher, opts Options) *Manager {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		client:      client,
		pub:         pub,
		maxAttempts: opts.MaxReconnectAttempts,
		delay:       opts.ReconnectDelay,
		logger:      opts.Logger,
		inbound:     make(chan domain.InboundMessage, opts.InboundBuffer),
		state: domain.Session{
			Status:    domain.StatusDisconnected,
			UpdatedAt: time.Now(),
		},
	}
}

// Inbound delivers message events. It is closed when Run returns.
func (m *Manager) Inbound() <-chan domain.InboundMessage {
	return m.inbound
}

// Status returns a snapshot of the session.
func (m *Manager) Status() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Connect starts a new session. It fails with ErrAlreadyConnecting while a
// connect is in flight. A synchronous client failure counts as a transient
// close.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, true)
}

func (m *Manager) connect(ctx context.Context, external bool) error {
	m.mu.Lock()
	if m.state.Status == domain.StatusConnecting {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	m.stopTimerLocked()
	if external {
		m.fatalSent = false
		m.stopped = false
	}
	m.terminated = false
	m.state.Status = domain.StatusConnecting
	m.state.QRPayload = ""
	m.state.UpdatedAt = time.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("Connecting session", "attempt", snap.ReconnectAttempts, "external", external)
	m.publish(events.StatusChanged{Session: snap})

	if err := m.client.Connect(ctx); err != nil {
		m.logger.Warn("Session connect failed", "error", err)
		m.handleClosed(Closed{Reason: err.Error()})
		return fmt.Errorf("connect session: %w", err)
	}
	return nil
}

// SendText sends text to the given chat and returns the protocol message id.
func (m *Manager) SendText(ctx context.Context, to, text string) (string, error) {
	m.mu.Lock()
	status := m.state.Status
	terminated := m.terminated
	m.mu.Unlock()

	if status != domain.StatusConnected {
		if terminated {
			return "", fmt.Errorf("%w: %w", ErrNotConnected, ErrSessionTerminated)
		}
		return "", ErrNotConnected
	}
	return m.client.SendText(ctx, to, text)
}

// Disconnect cancels any scheduled reconnect, logs the session out and
// leaves the manager disconnected even if logout fails.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.stopTimerLocked()
	m.stopped = true
	m.mu.Unlock()

	err := m.client.Logout(ctx)

	m.mu.Lock()
	m.state.Status = domain.StatusDisconnected
	m.state.QRPayload = ""
	m.state.ConnectedUser = nil
	m.state.LastCloseReason = "disconnected by operator"
	m.state.UpdatedAt = time.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("Session disconnected")
	m.publish(events.StatusChanged{Session: snap})

	if err != nil {
		return fmt.Errorf("logout session: %w", err)
	}
	return nil
}

// Run consumes client events until ctx is cancelled or the client's event
// channel closes.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.stopTimerLocked()
		m.mu.Unlock()
		close(m.inbound)
	}()

	evs := m.client.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case QRChallenge:
		m.handleQR(e)
	case Opened:
		m.handleOpened(e)
	case Closed:
		m.handleClosed(e)
	case MessageReceived:
		select {
		case m.inbound <- e.Message:
		case <-ctx.Done():
		}
	default:
		m.logger.Warn("Ignoring unknown session event", "type", fmt.Sprintf("%T", ev))
	}
}

func (m *Manager) handleQR(e QRChallenge) {
	m.mu.Lock()
	m.state.Status = domain.StatusQRPending
	m.state.QRPayload = e.Payload
	m.state.UpdatedAt = time.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("QR challenge received")
	m.publish(events.StatusChanged{Session: snap})
	m.publish(events.QRIssued{Payload: e.Payload})
}

func (m *Manager) handleOpened(e Opened) {
	user := e.User

	m.mu.Lock()
	m.stopTimerLocked()
	m.state.Status = domain.StatusConnected
	m.state.ConnectedUser = &user
	m.state.QRPayload = ""
	m.state.ReconnectAttempts = 0
	m.state.LastCloseReason = ""
	m.state.UpdatedAt = time.Now()
	m.fatalSent = false
	m.terminated = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("Session connected", "user", user.ID)
	m.publish(events.StatusChanged{Session: snap})
}

func (m *Manager) handleClosed(e Closed) {
	var fatal bool

	m.mu.Lock()
	m.state.Status = domain.StatusDisconnected
	m.state.QRPayload = ""
	m.state.ConnectedUser = nil
	m.state.LastCloseReason = e.Reason
	m.state.UpdatedAt = time.Now()

	switch {
	case e.Terminal:
		m.terminated = true
		m.stopTimerLocked()
		m.logger.Info("Session logged out, not reconnecting", "reason", e.Reason)
	case m.stopped:
		m.logger.Info("Session closed after disconnect, not reconnecting", "reason", e.Reason)
	case m.state.ReconnectAttempts < m.maxAttempts:
		m.state.ReconnectAttempts++
		m.scheduleLocked()
		m.logger.Warn("Session closed, scheduling reconnect",
			"reason", e.Reason,
			"attempt", m.state.ReconnectAttempts,
			"max_attempts", m.maxAttempts,
			"delay", m.delay)
	default:
		if !m.fatalSent {
			m.fatalSent = true
			fatal = true
		}
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(events.StatusChanged{Session: snap})
	if fatal {
		m.logger.Error("Reconnect attempts exhausted", "attempts", snap.ReconnectAttempts, "reason", e.Reason)
		m.publish(events.FatalError{Message: FatalMessage})
	}
}

func (m *Manager) scheduleLocked() {
	m.stopTimerLocked()
	seq := m.timerSeq
	m.timer = time.AfterFunc(m.delay, func() {
		m.fireReconnect(seq)
	})
}

func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx := m.runCtx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	if err := m.connect(ctx, false); err != nil {
		m.logger.Warn("Scheduled reconnect failed", "error", err)
	}
}

// stopTimerLocked cancels a pending reconnect. A callback that already
// started sees the bumped sequence and returns without connecting.
func (m *Manager) stopTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ReconnectPending reports whether a reconnect is scheduled.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *Manager) snapshotLocked() domain.Session {
	snap := m.state
	if m.state.ConnectedUser != nil {
		u := *m.state.ConnectedUser
		snap.ConnectedUser = &u
	}
	return snap
}

func (m *Manager) publish(p events.Payload) {
	if m.pub != nil {
		m.pub.Publish(p)
	}
}
