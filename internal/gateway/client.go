// Package gateway speaks to the protocol sidecar that owns the chat
// connection, exposing it as a session.Client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Request methods.
const (
	methodSessionStart  = "session.start"
	methodMessageSend   = "message.send"
	methodSessionLogout = "session.logout"
)

// Event names.
const (
	eventQR       = "qr"
	eventOpen     = "open"
	eventClose    = "close"
	eventMessages = "messages.upsert"
)

var (
	errNotConnected   = errors.New("gateway: not connected")
	errConnectionLost = errors.New("gateway: connection lost")
	errClosed         = errors.New("gateway: client closed")
)

// wireMessage is the frame format shared by requests, responses and events.
type wireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// Config configures the gateway connection.
type Config struct {
	URL            string
	Token          string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// DialRetries and DialBackoff shape the exponential backoff used when
	// the socket itself cannot be opened. They are independent of the
	// session reconnect policy.
	DialRetries int
	DialBackoff time.Duration
	Logger      *slog.Logger
}

// link is one websocket connection and its reader state. While quiet is
// set a lost socket is not reported as a session close. reported ensures a
// lost socket is surfaced exactly once, either as a Closed event or as a
// Connect error.
type link struct {
	conn     *websocket.Conn
	done     chan struct{}
	quiet    atomic.Bool
	reported atomic.Bool
}

// Client is a session.Client backed by a websocket to the sidecar.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	link *link

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wireMessage

	events chan session.Event
	stop   chan struct{}
	once   sync.Once
}

var _ session.Client = (*Client)(nil)

// New creates a client. No connection is made until Connect.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DialRetries <= 0 {
		cfg.DialRetries = 3
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger:  cfg.Logger,
		pending: make(map[string]chan wireMessage),
		events:  make(chan session.Event, 64),
		stop:    make(chan struct{}),
	}
}

// Events returns the session event stream.
func (c *Client) Events() <-chan session.Event {
	return c.events
}

// Connect opens the socket if needed and asks the sidecar for a session.
// Failures are returned without emitting a Closed event, including a socket
// that drops while the session is starting.
func (c *Client) Connect(ctx context.Context) error {
	l, err := c.ensureLink(ctx)
	if err != nil {
		return err
	}

	l.quiet.Store(true)
	if _, err := c.request(ctx, l, methodSessionStart, nil); err != nil {
		c.dropLink(l)
		return fmt.Errorf("start session: %w", err)
	}
	l.quiet.Store(false)

	// The socket may have dropped between the response and clearing quiet.
	select {
	case <-l.done:
		if l.reported.CompareAndSwap(false, true) {
			return fmt.Errorf("start session: %w", errConnectionLost)
		}
	default:
	}
	return nil
}

// SendText sends a text message and returns the id the protocol assigned.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	l := c.currentLink()
	if l == nil {
		return "", errNotConnected
	}

	resp, err := c.request(ctx, l, methodMessageSend, map[string]string{"to": to, "text": text})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	return out.ID, nil
}

// Logout ends the protocol session. The sidecar follows up with a terminal
// close event.
func (c *Client) Logout(ctx context.Context) error {
	l := c.currentLink()
	if l == nil {
		return errNotConnected
	}
	if _, err := c.request(ctx, l, methodSessionLogout, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Close tears down the socket without emitting a Closed event.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.stop) })
	if l := c.currentLink(); l != nil {
		c.dropLink(l)
	}
	return nil
}

func (c *Client) currentLink() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *Client) ensureLink(ctx context.Context) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stop:
		return nil, errClosed
	default:
	}

	if c.link != nil {
		return c.link, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	l := &link{conn: conn, done: make(chan struct{})}
	c.link = l
	go c.readLoop(l)

	c.logger.Info("Gateway connected", "url", c.cfg.URL)
	return l, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	var lastErr error
	for i := 0; i < c.cfg.DialRetries; i++ {
		if i > 0 {
			delay := c.cfg.DialBackoff * time.Duration(1<<(i-1))
			c.logger.Debug("Retrying gateway dial", "attempt", i+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
		cancel()
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial gateway %s: %w", c.cfg.URL, lastErr)
}

// dropLink closes l without reporting a session close.
func (c *Client) dropLink(l *link) {
	l.quiet.Store(true)
	_ = l.conn.Close()

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
}

func (c *Client) request(ctx context.Context, l *link, method string, params any) (wireMessage, error) {
	id := uuid.NewString()
	ch := make(chan wireMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(wireMessage{Type: "req", ID: id, Method: method, Params: params})
	if err != nil {
		return wireMessage{}, fmt.Errorf("encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	err = l.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return wireMessage{}, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error != nil {
				return resp, resp.Error
			}
			return resp, fmt.Errorf("%s rejected", method)
		}
		return resp, nil
	case <-timer.C:
		return wireMessage{}, fmt.Errorf("timeout waiting for %s response", method)
	case <-ctx.Done():
		return wireMessage{}, ctx.Err()
	case <-l.done:
		return wireMessage{}, errConnectionLost
	}
}

func (c *Client) readLoop(l *link) {
	var readErr error
	defer func() {
		close(l.done)
		c.mu.Lock()
		if c.link == l {
			c.link = nil
		}
		c.mu.Unlock()

		if !l.quiet.Load() && l.reported.CompareAndSwap(false, true) {
			c.logger.Warn("Gateway connection lost", "error", readErr)
			c.emit(session.Closed{Reason: fmt.Sprintf("gateway connection lost: %v", readErr)})
		}
	}()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Ignoring malformed gateway frame", "error", err)
			continue
		}

		switch msg.Type {
		case "res":
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case "event":
			c.handleEvent(msg)
		}
	}
}

func (c *Client) handleEvent(msg wireMessage) {
	switch msg.Event {
	case eventQR:
		var p struct {
			QR string `json:"qr"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.QR == "" {
			c.logger.Warn("Invalid qr event", "error", err)
			return
		}
		c.emit(session.QRChallenge{Payload: p.QR})

	case eventOpen:
		var p struct {
			User domain.Identity `json:"user"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("Invalid open event", "error", err)
			return
		}
		c.emit(session.Opened{User: p.User})

	case eventClose:
		var p struct {
			Reason    string `json:"reason"`
			LoggedOut bool   `json:"loggedOut"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("Invalid close event", "error", err)
			return
		}
		c.emit(session.Closed{Reason: p.Reason, Terminal: p.LoggedOut})

	case eventMessages:
		var p messagesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("Invalid messages event", "error", err)
			return
		}
		if p.Type != upsertNotify {
			c.logger.Debug("Ignoring non-notify message upsert", "type", p.Type, "count", len(p.Messages))
			return
		}
		now := time.Now()
		for _, raw := range p.Messages {
			m, err := extractMessage(raw, now)
			if err != nil {
				c.logger.Warn("Skipping message", "error", err)
				continue
			}
			c.emit(session.MessageReceived{Message: m})
		}

	default:
		c.logger.Debug("Ignoring gateway event", "event", msg.Event)
	}
}

func (c *Client) emit(ev session.Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}
