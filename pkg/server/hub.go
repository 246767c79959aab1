package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const wsWriteTimeout = 5 * time.Second

// wsMessage is the envelope for every frame in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hub fans server events out to connected WebSocket clients. Registration
// is owned by each connection's handler; a client leaves the hub only when
// its read loop exits.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, conns: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast sends {type, data} to every client. A send failure skips that
// client for this message only; the connection stays registered and its
// read loop decides when it is truly gone.
func (h *Hub) Broadcast(msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Warn("broadcast marshal failed", "type", msgType, "error", err)
		return
	}
	frame, err := json.Marshal(wsMessage{Type: msgType, Data: raw})
	if err != nil {
		h.log.Warn("broadcast marshal failed", "type", msgType, "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			h.log.Debug("websocket write failed, skipping client", "type", msgType, "error", err)
		}
	}
}

// CloseAll broadcasts a shutdown frame carrying the trigger reason and
// closes every connection. Called once during graceful shutdown.
func (h *Hub) CloseAll(reason string) {
	h.Broadcast("shutdown", map[string]any{"reason": reason})

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "shutdown")
	}
}
