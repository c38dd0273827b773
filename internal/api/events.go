package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/wabridge/internal/events"
	"github.com/coder/websocket"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
	eventBuffer       = 64
)

// EventStreamHandler pushes bus events to websocket observers.
type EventStreamHandler struct {
	source         EventSource
	session        SessionService
	replies        ReplyService
	originPatterns []string
}

// NewEventStreamHandler creates a handler streaming from source. Each new
// observer first receives the current session status and auto-reply flag.
func NewEventStreamHandler(source EventSource, session SessionService, replies ReplyService, origins []string) *EventStreamHandler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &EventStreamHandler{
		source:         source,
		session:        session,
		replies:        replies,
		originPatterns: origins,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sub, cancelSub := h.source.Subscribe(eventBuffer)
	defer cancelSub()

	// Observers only listen; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())

	slog.Info("Event observer connected", "ip", r.RemoteAddr)
	defer slog.Info("Event observer disconnected", "ip", r.RemoteAddr)

	greeting := []events.Event{
		events.New(events.StatusChanged{Session: h.session.Status()}),
		events.New(events.AutoReplyChanged{Enabled: h.replies.AutoReplyEnabled()}),
	}
	for _, ev := range greeting {
		if err := h.writeJSON(ctx, ws, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("Event observer ping failed", "error", err)
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, ev); err != nil {
				return
			}
		}
	}
}

func (h *EventStreamHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode event", "error", err)
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}
