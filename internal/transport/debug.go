package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DebugEvent is one observed transport-level event, pushed to any
// attached debug websocket clients for local inspection. It is
// intentionally separate from the agent's reply stream: an operator
// watching the debug socket sees raw inbound/outbound traffic, not the
// pipeline's internal decisions.
type DebugEvent struct {
	Direction string    `json:"direction"` // "inbound" or "outbound"
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DebugBroadcaster fans DebugEvents out to every connected websocket
// client, the way a local dev console tails live chat traffic. Created
// optionally and attached to a Telegram transport via WithDebugHook;
// transports with no broadcaster attached pay nothing for this.
type DebugBroadcaster struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewDebugBroadcaster builds a broadcaster ready to accept
// ServeHTTP-style upgrade requests.
func NewDebugBroadcaster(logger *slog.Logger) *DebugBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &DebugBroadcaster{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With("component", "transport_debug"),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it as a broadcast
// recipient until it disconnects.
func (b *DebugBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("debug websocket upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	// Drain and discard anything the client sends; this is a
	// broadcast-only feed, but reading is required to notice the
	// close frame and evict the connection.
	go func() {
		defer b.evict(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *DebugBroadcaster) evict(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
	conn.Close()
}

// Broadcast pushes ev to every connected client, dropping any
// connection that fails to accept the write.
func (b *DebugBroadcaster) Broadcast(ev DebugEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("debug event marshal failed", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(b.clients, conn)
			conn.Close()
		}
	}
}
