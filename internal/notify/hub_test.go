package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("event unmarshal failed: %v", err)
	}
	return event
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", h.ClientCount(), want)
}

func TestHubBroadcastsQRUpdate(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)
	waitForClients(t, h, 1)

	h.QRUpdate("dev-1", "/qr/dev-1.png")

	event := readEvent(t, conn)
	if event["type"] != "qr-update" {
		t.Errorf("type = %v, want qr-update", event["type"])
	}
	if event["device_key"] != "dev-1" || event["qr"] != "/qr/dev-1.png" {
		t.Errorf("event = %v", event)
	}
}

func TestHubBroadcastsConnectionStatus(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)
	waitForClients(t, h, 1)

	h.ConnectionStatus("dev-1", true)
	h.ConnectionStatus("dev-1", false)

	first := readEvent(t, conn)
	if first["type"] != "connection-status" || first["connected"] != true {
		t.Errorf("first event = %v", first)
	}
	second := readEvent(t, conn)
	if second["connected"] != false {
		t.Errorf("second event = %v", second)
	}
}

func TestHubFansOutToAllClients(t *testing.T) {
	h := NewHub()
	a := dialHub(t, h)
	b := dialHub(t, h)
	waitForClients(t, h, 2)

	h.ConnectionStatus("dev-1", true)

	for _, conn := range []*websocket.Conn{a, b} {
		event := readEvent(t, conn)
		if event["device_key"] != "dev-1" {
			t.Errorf("event = %v", event)
		}
	}
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	h := NewHub()
	// Must not block or panic with nobody listening.
	h.QRUpdate("dev-1", "/qr/dev-1.png")
	h.ConnectionStatus("dev-1", false)
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
}

func TestHubShutdownDisconnectsClients(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)
	waitForClients(t, h, 1)

	h.Shutdown()

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after shutdown, want 0", h.ClientCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read after shutdown should fail")
	}

	// New events after shutdown are a no-op.
	h.ConnectionStatus("dev-1", true)
}
