// Package realtime pushes {type, data} envelopes to every connected
// dashboard over websockets.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Envelope is the wire format of every broadcast.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Greeting returns the envelopes a freshly connected dashboard receives
// before any broadcast.
type Greeting func() []Envelope

// Hub fans broadcasts out to websocket clients.
type Hub struct {
	log      logrus.FieldLogger
	greeting Greeting
	upgrader websocket.Upgrader

	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Envelope
}

// NewHub returns a hub. Call Run before serving connections.
func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		log: logger.WithField("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast:  make(chan Envelope, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// SetGreeting installs the snapshot sent to new connections.
func (h *Hub) SetGreeting(g Greeting) {
	h.mu.Lock()
	h.greeting = g
	h.mu.Unlock()
}

// Broadcast queues an envelope for every client. It returns immediately
// once the hub has stopped.
func (h *Hub) Broadcast(eventType string, data any) {
	select {
	case h.broadcast <- Envelope{Type: eventType, Data: data}:
	case <-h.done:
	}
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run dispatches until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			greeting := h.greeting
			h.mu.Unlock()
			h.log.WithField("clients", total).Info("[HUB] Dashboard connected")
			if greeting != nil {
				for _, env := range greeting() {
					h.deliver(c, env)
				}
			}

		case c := <-h.unregister:
			h.remove(c)

		case env := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()
			for _, c := range targets {
				h.deliver(c, env)
			}
		}
	}
}

// deliver drops a client whose buffer is full instead of stalling the hub.
func (h *Hub) deliver(c *client, env Envelope) {
	select {
	case c.send <- env:
	default:
		h.log.Warn("[HUB] Dashboard too slow, dropping connection")
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.WithField("clients", total).Debug("[HUB] Dashboard disconnected")
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("[HUB] Upgrade failed")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan Envelope, sendBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// ServeHTTP lets the hub be mounted directly as a handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}

// readPump only exists to process pongs and notice closed connections.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
