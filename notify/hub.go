// Package notify delivers watch events to in-process subscribers and to
// websocket clients.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gobeaver/vfs"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("vfs/notify")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Message is the frame sent to websocket clients.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Listener receives in-process events.
type Listener func(event string, payload any)

// AttrsFunc returns the attributes a websocket client is matched on.
type AttrsFunc func(r *http.Request) (map[string]string, error)

// Hub implements vfs.Emitter and vfs.Broadcaster.
type Hub struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
	clients   map[*client]struct{}

	upgrader websocket.Upgrader
	attrs    AttrsFunc
}

type client struct {
	conn  *websocket.Conn
	attrs map[string]string
	send  chan []byte
	once  sync.Once
}

// NewHub creates a hub. attrs maps an upgrade request to the client's
// attributes; a nil attrs gives every client empty attributes.
func NewHub(attrs AttrsFunc) *Hub {
	return &Hub{
		listeners: make(map[int]Listener),
		clients:   make(map[*client]struct{}),
		attrs:     attrs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Subscribe registers l and returns a function removing it.
func (h *Hub) Subscribe(l Listener) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = l
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Emit calls every listener synchronously.
func (h *Hub) Emit(event string, payload any) {
	h.mu.RLock()
	ls := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		ls = append(ls, l)
	}
	h.mu.RUnlock()

	for _, l := range ls {
		l(event, payload)
	}
}

// Broadcast queues the event for every client accepted by filter. Clients
// whose queue is full miss the event.
func (h *Hub) Broadcast(event string, payload any, filter vfs.ClientFilter) {
	data, err := json.Marshal(Message{Event: event, Payload: payload})
	if err != nil {
		log.Warnw("encoding broadcast failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if filter != nil && !filter(c.attrs) {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Debugw("client queue full, dropping event", "event", event)
		}
	}
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams broadcasts to
// it until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	attrs := map[string]string{}
	if h.attrs != nil {
		a, err := h.attrs(r)
		if err != nil || a == nil {
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}
		attrs = a
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, attrs: attrs, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debugw("client connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
	})
}

// readLoop discards client messages and handles control frames.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
	return nil
}

var (
	_ vfs.Emitter     = (*Hub)(nil)
	_ vfs.Broadcaster = (*Hub)(nil)
)
