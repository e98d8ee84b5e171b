// Package stream broadcasts audit events to WebSocket subscribers so
// external dashboards can follow risk activity live.
package stream

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"amm-risk-engine/internal/events"
)

// HubConfig configures WebSocket hub behavior.
type HubConfig struct {
	// WriteTimeout is timeout for writing frames to a subscriber.
	WriteTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// SendBuffer is per-subscriber outbound buffer; subscribers that
	// fall this far behind are disconnected.
	SendBuffer int
}

// DefaultHubConfig returns default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   256,
	}
}

// wireEvent is the JSON frame sent to subscribers.
type wireEvent struct {
	Type        string `json:"type"`
	Pool        string `json:"pool,omitempty"`
	User        string `json:"user,omitempty"`
	Action      string `json:"action,omitempty"`
	Score       int64  `json:"score,omitempty"`
	Level       int    `json:"level,omitempty"`
	Value       string `json:"value,omitempty"`
	Message     string `json:"message,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Hub fans audit events out to connected WebSocket clients. It never
// blocks the emitting operation: frames to a slow subscriber are dropped
// along with the subscriber.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  atomic.Bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub creates a hub with the given configuration. A nil config uses
// defaults.
func NewHub(config *HubConfig) *Hub {
	cfg := DefaultHubConfig()
	if config != nil {
		cfg = *config
	}
	return &Hub{
		config: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

var _ events.Recorder = (*Hub)(nil)

// Record implements events.Recorder by broadcasting the event to every
// connected subscriber.
func (h *Hub) Record(ev events.Event) {
	if h.closed.Load() {
		return
	}

	frame, err := json.Marshal(wireEvent{
		Type:        string(ev.Type),
		Pool:        ev.Pool,
		User:        ev.User,
		Action:      ev.Action,
		Score:       ev.Score,
		Level:       ev.Level,
		Value:       ev.Value,
		Message:     ev.Message,
		TimestampMs: ev.TimestampMs,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Subscriber is not keeping up; drop it rather than
			// stall the engine.
			delete(h.clients, c)
			c.close()
		}
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] upgrade: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(c)
	h.writeLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all subscribers and rejects new connections.
func (h *Hub) Close() {
	if h.closed.Swap(true) {
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// readLoop drains inbound frames; subscribers are read-only, any payload
// they send is discarded. Exits on disconnect, which unblocks writeLoop.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close()
			return
		}
	}
}

// writeLoop pushes frames and keepalive pings to the subscriber.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}
