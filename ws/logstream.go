// Package ws streams tunnel log lines to dashboard clients over
// WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	readTimeout   = 60 * time.Second
	clientBacklog = 256

	// broadcastRate caps how many log events per second reach clients;
	// beyond it events are dropped rather than queued. The dataplane is
	// never slowed down by a slow dashboard.
	broadcastRate  = 200
	broadcastBurst = 400
)

// LogEvent is the frame sent to clients.
type LogEvent struct {
	Type      string `json:"type"`
	Level     string `json:"level"`
	Line      string `json:"line"`
	Timestamp int64  `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans log lines out to connected WebSocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	limiter  *rate.Limiter

	clients map[string]*client
	mu      sync.RWMutex

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub; call Start before handling connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:     logger.With("component", "logstream"),
		limiter:    rate.NewLimiter(broadcastRate, broadcastBurst),
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, clientBacklog),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the hub loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop closes every client and terminates the hub loop.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for _, c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Publish queues one log line for broadcast. It never blocks: when the
// rate cap is exceeded or the hub backlog is full the event is dropped.
func (h *Hub) Publish(level, line string) {
	if !h.limiter.Allow() {
		return
	}
	data, err := json.Marshal(LogEvent{
		Type:      "log",
		Level:     level,
		Line:      line,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades an HTTP request onto the hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("upgrade failed", "error", err)
			return
		}

		c := &client{
			id:   uuid.New().String()[:8],
			conn: conn,
			send: make(chan []byte, clientBacklog),
		}

		select {
		case h.register <- c:
		case <-h.ctx.Done():
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump(h)
	}
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			h.logger.Debug("log client connected", "id", c.id)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("log client disconnected", "id", c.id)
		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Client buffer full, skip.
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// The stream is one-way; inbound frames are drained and dropped.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
