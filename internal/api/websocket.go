package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/subtrack/subtrack/internal/jobs"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// eventClient is one feed subscriber. Empty filters match everything.
type eventClient struct {
	conn   *websocket.Conn
	jobs   map[string]bool
	userID string

	writeMu sync.Mutex
}

func newEventClient(conn *websocket.Conn, r *http.Request) *eventClient {
	c := &eventClient{conn: conn, userID: r.URL.Query().Get("user")}
	if raw := r.URL.Query().Get("jobs"); raw != "" {
		c.jobs = make(map[string]bool)
		for _, j := range strings.Split(raw, ",") {
			if j = strings.TrimSpace(j); j != "" {
				c.jobs[j] = true
			}
		}
	}
	return c
}

// wants reports whether e passes the client's filters. Run-level events
// carry no user and reach every client following the job.
func (c *eventClient) wants(e jobs.Event) bool {
	if c.jobs != nil && !c.jobs[e.Job] {
		return false
	}
	return c.userID == "" || e.UserID == "" || e.UserID == c.userID
}

func (c *eventClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// WebSocketHub streams job events to connected clients. Clients narrow
// the feed with ?jobs=payments,usage and ?user=<id>.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*eventClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *slog.Logger, allowAllOrigins bool) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		clients:  make(map[*eventClient]struct{}),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "api.WebSocketHub"),
		done:     make(chan struct{}),
	}
}

// Run pings clients until the hub is closed.
func (h *WebSocketHub) Run() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			for _, c := range h.snapshot() {
				if err := c.write(websocket.PingMessage, nil); err != nil {
					h.drop(c)
				}
			}
		}
	}
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := newEventClient(conn, r)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr(), "user_id", c.userID)

	// Read pump: clients never send data, this only notices disconnects.
	go func() {
		defer func() {
			h.drop(c)
			h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish implements jobs.Publisher.
func (h *WebSocketHub) Publish(e jobs.Event) {
	msg, err := json.Marshal(map[string]interface{}{
		"type": e.Type,
		"data": e,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "type", e.Type, "error", err)
		return
	}
	for _, c := range h.snapshot() {
		if !c.wants(e) {
			continue
		}
		if err := c.write(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("failed to write to websocket client", "error", err)
			h.drop(c)
		}
	}
}

func (h *WebSocketHub) snapshot() []*eventClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*eventClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *WebSocketHub) drop(c *eventClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
