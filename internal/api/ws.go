package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MLTQ/ponderer-backend/internal/events"
)

// EventEnvelope is the wire form of a runtime event.
type EventEnvelope struct {
	EventType string         `json:"event_type"`
	EmittedAt string         `json:"emitted_at"` // RFC3339 UTC
	Payload   map[string]any `json:"payload"`
}

// mapEvent converts a bus event into its envelope.
func mapEvent(e events.Event) EventEnvelope {
	payload := e.Data
	if payload == nil {
		payload = map[string]any{}
	}
	return EventEnvelope{
		EventType: string(e.Type),
		EmittedAt: e.Timestamp.UTC().Format(time.RFC3339),
		Payload:   payload,
	}
}

// Broadcaster fans runtime events out to WebSocket subscribers. Slow
// subscribers are dropped: the per-connection queue is small and a full
// queue disconnects the consumer rather than buffering.
type Broadcaster struct {
	bus    *events.Bus
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	socket *websocket.Conn
	send   chan EventEnvelope
}

// NewBroadcaster builds a broadcaster over the bus.
func NewBroadcaster(bus *events.Bus, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bus: bus, logger: logger, conns: make(map[*wsConn]struct{})}
}

// Start bridges bus events to connected subscribers until ctx ends.
func (b *Broadcaster) Start(ctx context.Context) {
	sub := b.bus.Subscribe(128)
	go func() {
		defer b.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub:
				if !ok {
					return
				}
				b.broadcast(mapEvent(event))
			}
		}
	}()
}

func (b *Broadcaster) broadcast(envelope EventEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		select {
		case conn.send <- envelope:
		default:
			// Queue full: drop the subscriber, not the publisher.
			delete(b.conns, conn)
			close(conn.send)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The backend binds to loopback by default; token auth is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS returns the /v1/ws/events handler. authorize runs before the
// upgrade; a bearer token in the header or a token query parameter both
// satisfy it.
func (b *Broadcaster) HandleWS(authorize func(*http.Request) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorize(r) {
			// Allow token via query for browser WebSocket clients.
			if token := r.URL.Query().Get("token"); token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
			if !authorize(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Debug("websocket upgrade failed", "error", err)
			return
		}

		conn := &wsConn{socket: socket, send: make(chan EventEnvelope, 32)}
		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()

		go b.writeLoop(conn)
		go b.readLoop(conn)
	}
}

func (b *Broadcaster) writeLoop(conn *wsConn) {
	defer conn.socket.Close()
	for envelope := range conn.send {
		conn.socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.socket.WriteJSON(envelope); err != nil {
			b.drop(conn)
			return
		}
	}
}

// readLoop discards client frames and notices disconnects.
func (b *Broadcaster) readLoop(conn *wsConn) {
	for {
		if _, _, err := conn.socket.ReadMessage(); err != nil {
			b.drop(conn)
			return
		}
	}
}

func (b *Broadcaster) drop(conn *wsConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[conn]; ok {
		delete(b.conns, conn)
		close(conn.send)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
