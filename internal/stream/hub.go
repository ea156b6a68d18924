// Package stream pushes accepted cache updates to websocket clients.
package stream

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quotehub/internal/metrics"
	"quotehub/internal/quote"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
	maxMessage   = 64 << 10
)

// Message is what clients receive.
type Message struct {
	Type  string       `json:"type"`
	Quote *quote.Quote `json:"quote,omitzero"`
	Error string       `json:"error,omitempty"`
}

// Command is what clients send to change their subscription. Keys use the
// "asset_class:market:symbol" form.
type Command struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once

	mu   sync.Mutex
	keys map[quote.Key]struct{}
	all  bool
}

func (c *client) stop() {
	c.once.Do(func() { close(c.quit) })
}

func (c *client) wants(k quote.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.keys[k]
	return ok
}

func (c *client) apply(cmd Command) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var bad []string
	for _, s := range cmd.Subscribe {
		if s == "*" {
			c.all = true
			continue
		}
		k, err := quote.ParseKey(s)
		if err != nil {
			bad = append(bad, s)
			continue
		}
		c.keys[k] = struct{}{}
	}
	for _, s := range cmd.Unsubscribe {
		if s == "*" {
			c.all = false
			continue
		}
		if k, err := quote.ParseKey(s); err == nil {
			delete(c.keys, k)
		}
	}
	return bad
}

// Hub fans quotes out to connected clients. A slow client loses messages
// instead of stalling Publish.
type Hub struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func New(log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:     log.Named("stream"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish sends q to every client subscribed to its key. It has the
// cache.Listener signature.
func (h *Hub) Publish(q quote.Quote) {
	var payload []byte
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(q.Key()) {
			continue
		}
		if payload == nil {
			b, err := json.Marshal(Message{Type: "quote", Quote: &q})
			if err != nil {
				h.log.Warn("encode quote", zap.Stringer("key", q.Key()), zap.Error(err))
				return
			}
			payload = b
		}
		select {
		case c.send <- payload:
		default:
			h.log.Debug("dropping update for slow client", zap.Stringer("key", q.Key()))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request. Initial subscriptions may be passed as
// ?keys=a,b; "*" subscribes to everything.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
		keys: make(map[quote.Key]struct{}),
	}
	if v := r.URL.Query().Get("keys"); v != "" {
		c.apply(Command{Subscribe: strings.Split(v, ",")})
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.StreamConnected()

	go h.writeLoop(c)
	h.readLoop(c)
	c.stop()
	h.remove(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.StreamDisconnected()
	}
	_ = c.conn.Close()
}

func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("client read", zap.Error(err))
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(c, Message{Type: "error", Error: "invalid command"})
			continue
		}
		if bad := c.apply(cmd); len(bad) > 0 {
			h.reply(c, Message{Type: "error", Error: "invalid keys: " + strings.Join(bad, ",")})
			continue
		}
		h.reply(c, Message{Type: "ack"})
	}
}

func (h *Hub) reply(c *client, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			_ = c.conn.Close()
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.stop()
		delete(h.clients, c)
		h.metrics.StreamDisconnected()
	}
	return nil
}
