package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDebugBroadcasterDeliversEventsToConnectedClients(t *testing.T) {
	b := NewDebugBroadcaster(nil)
	server := httptest.NewServer(b)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Give ServeHTTP's registration goroutine a moment to land the
	// connection in the client set before broadcasting.
	time.Sleep(20 * time.Millisecond)

	b.Broadcast(DebugEvent{Direction: "inbound", Sender: "alice", Content: "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(payload), "alice") || !strings.Contains(string(payload), "hello") {
		t.Errorf("payload = %s, want it to contain sender and content", payload)
	}
}

func TestDebugBroadcasterEvictsClosedConnections(t *testing.T) {
	b := NewDebugBroadcaster(nil)
	server := httptest.NewServer(b)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	conn.Close()
	time.Sleep(20 * time.Millisecond)

	b.Broadcast(DebugEvent{Direction: "outbound", Sender: "bob", Content: "bye"})

	b.mu.Lock()
	remaining := len(b.clients)
	b.mu.Unlock()
	if remaining != 0 {
		t.Errorf("clients remaining = %d, want 0 after close + broadcast eviction", remaining)
	}
}
