// Package notify broadcasts session state changes to WebSocket subscribers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	clientQueueSize = 16
	writeTimeout    = 5 * time.Second
)

type qrUpdateEvent struct {
	Type      string `json:"type"`
	DeviceKey string `json:"device_key"`
	QR        string `json:"qr"`
}

type connectionStatusEvent struct {
	Type      string `json:"type"`
	DeviceKey string `json:"device_key"`
	Connected bool   `json:"connected"`
}

type client struct {
	queue chan []byte
}

// Hub fans out gateway events to connected WebSocket clients. Sends never
// block: a client that cannot keep up is dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// QRUpdate publishes a fresh pairing challenge reference for a device.
func (h *Hub) QRUpdate(deviceKey, qrRef string) {
	h.broadcast(qrUpdateEvent{Type: "qr-update", DeviceKey: deviceKey, QR: qrRef})
}

// ConnectionStatus publishes a device's connectivity change.
func (h *Hub) ConnectionStatus(deviceKey string, connected bool) {
	h.broadcast(connectionStatusEvent{Type: "connection-status", DeviceKey: deviceKey, Connected: connected})
}

func (h *Hub) broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("event marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.queue <- data:
		default:
			// Slow consumer, drop it rather than stall the gateway.
			delete(h.clients, c)
			close(c.queue)
			slog.Warn("dropping slow websocket client")
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing") //nolint:errcheck

	c := &client{queue: make(chan []byte, clientQueueSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down") //nolint:errcheck
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer h.remove(c)

	// Clients only listen; CloseRead surfaces disconnects via the context.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
			return
		case data, ok := <-c.queue:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "too slow") //nolint:errcheck
				return
			}
			if err := writeWithTimeout(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.queue)
	}
}

// Shutdown disconnects all clients and rejects new subscriptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.queue)
	}
}
