package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chronocore/backend/internal/diagnostics"
	"github.com/chronocore/backend/internal/engine"
)

// wsMessage is the envelope every websocket frame uses.
type wsMessage struct {
	Type string `json:"type"` // "state" or "decision"
	Data any    `json:"data"`
}

// Hub fans race snapshots and pass decisions out to websocket clients.
// Slow clients are disconnected rather than allowed to stall the engine's
// notify path.
type Hub struct {
	snapshot func() (engine.Snapshot, error)

	clients    map[*websocket.Conn]chan wsMessage
	broadcast  chan wsMessage
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
}

// NewHub builds a hub; snapshot provides the state pushed to clients on
// connect and on every change.
func NewHub(snapshot func() (engine.Snapshot, error)) *Hub {
	return &Hub{
		snapshot:   snapshot,
		clients:    make(map[*websocket.Conn]chan wsMessage),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.With("component", "ws"),
	}
}

// Run owns the client set until ctx is canceled. Call it in its own
// goroutine before serving requests.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// unblock pumps stuck on register/unregister before tearing
			// the client set down
			close(h.done)
			h.mu.Lock()
			for conn, send := range h.clients {
				close(send)
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.send
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if send, ok := h.clients[conn]; ok {
				close(send)
				delete(h.clients, conn)
			}
			n := len(h.clients)
			h.mu.Unlock()
			conn.Close()
			h.logger.Info("client disconnected", "total", n)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, send := range h.clients {
				select {
				case send <- msg:
				default:
					// backed-up client: drop the frame, the next state
					// push supersedes it anyway
				}
			}
			h.mu.RUnlock()
		}
	}
}

// PushState snapshots the engine and broadcasts it. Installed as the
// engine's notify callback; also called on demand.
func (h *Hub) PushState() {
	snap, err := h.snapshot()
	if err != nil {
		// no session loaded yet; nothing to push
		return
	}
	h.send(wsMessage{Type: "state", Data: snap})
}

// PushDecision broadcasts one pass decision.
func (h *Hub) PushDecision(d diagnostics.Decision) {
	h.send(wsMessage{Type: "decision", Data: d})
}

func (h *Hub) send(msg wsMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, frame dropped", "type", msg.Type)
	}
}

// HandleWS upgrades the connection and attaches it to the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan wsMessage, 32)}

	// Initial state frame so clients render without waiting for a change.
	if snap, err := h.snapshot(); err == nil {
		c.send <- wsMessage{Type: "state", Data: snap}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(conn)
}

// writePump drains the client's send channel onto the wire. Exits when the
// hub closes the channel or a write fails.
func (h *Hub) writePump(c *wsClient) {
	for msg := range c.send {
		payload, err := json.Marshal(msg)
		if err != nil {
			h.logger.Error("marshal failed", "type", msg.Type, "error", err)
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(c.conn)
			return
		}
	}
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

// drop hands a dead connection back to the hub without blocking after the
// hub itself has stopped.
func (h *Hub) drop(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}
