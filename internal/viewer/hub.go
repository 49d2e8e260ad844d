package viewer

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"render-orchestrator/internal/platform/logger"
)

const (
	writeTimeout = 200 * time.Millisecond

	// sendBuffer is the number of events queued per client before new
	// events are dropped for it.
	sendBuffer = 16
)

// Event is pushed to websocket clients when a viewer changes.
type Event struct {
	Viewer  string   `json:"viewer"`
	Type    string   `json:"type"`
	Display *Display `json:"display,omitempty"`
	FPS     float64  `json:"fps,omitempty"`
}

const (
	EventDisplay    = "display"
	EventDisconnect = "disconnect"
	EventFPS        = "fps"
)

// Hub fans viewer events out to websocket clients. Clients subscribe to one
// viewer, or to every viewer with an empty name.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// client is one subscriber. Its writer goroutine owns conn writes.
type client struct {
	viewer string
	send   chan []byte
}

// NewHub returns a hub with no clients.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      logger.OrNop(log),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
}

// Serve upgrades the request and streams the events of viewer until the
// client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, viewer string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{viewer: viewer, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer conn.Close()
		for b := range c.send {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Debug("write viewer event", slog.String("error", err.Error()))
				return
			}
		}
	}()
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues ev for the clients following its viewer. It never waits
// on a client: one whose queue is full misses the event.
func (h *Hub) Broadcast(ev Event) {
	if h == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.viewer != "" && c.viewer != ev.Viewer {
			continue
		}
		select {
		case c.send <- b:
		default:
			h.log.Debug("viewer event dropped", slog.String("viewer", ev.Viewer), slog.String("type", ev.Type))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
