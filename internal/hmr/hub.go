// Package hmr provides the hot-update transport: a websocket hub the
// compilation core uses to request full client reloads when dependency
// rebundling invalidates the browser's module cache, and to publish
// per-module invalidation events for fine-grained hot updates.
package hmr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/modserve/internal/logging"
)

const (
	// writeWait bounds a single message write to a peer.
	writeWait = 10 * time.Second
	// sendBuffer is the per-client outbound queue; slow clients drop
	// messages rather than stalling the hub.
	sendBuffer = 64
)

// Message is one hot-update payload sent to clients.
type Message struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Hub fans hot-update messages out to connected clients.
type Hub struct {
	logger         logging.Logger
	allowedOrigins []string

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub accepting connections from the given origins.
func NewHub(allowedOrigins []string, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Hub{
		logger:         logger.WithComponent("hmr"),
		allowedOrigins: allowedOrigins,
		clients:        make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server closed")
		return
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	go h.writePump(cl)
	h.readPump(cl)
}

// checkOrigin validates the request origin.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if originURL.Host == allowed {
			return true
		}
	}
	return false
}

func (h *Hub) writePump(cl *client) {
	for msg := range cl.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := cl.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			h.unregister(cl)
			return
		}
	}
	cl.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readPump(cl *client) {
	// Clients only send pings; the read loop exists to notice disconnects.
	for {
		if _, _, err := cl.conn.Read(context.Background()); err != nil {
			h.unregister(cl)
			return
		}
	}
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default:
			// Queue full; the client will resync on its next reload.
		}
	}
}

// FullReload asks every client to reload the page. Sent when a dependency
// rebundle invalidated the browser's module cache.
func (h *Hub) FullReload() {
	h.broadcast(Message{Type: "full-reload", Path: "*"})
}

// Invalidate publishes a per-module invalidation for fine-grained hot
// updates.
func (h *Hub) Invalidate(path string, timestamp int64) {
	h.broadcast(Message{Type: "update", Path: path, Timestamp: timestamp})
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
		close(cl.send)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, cl := range clients {
		cl.conn.Close(websocket.StatusGoingAway, "server closed")
	}
	return nil
}
