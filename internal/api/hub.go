package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types pushed to WebSocket clients.
const (
	MsgTypeTrade        = "trade"
	MsgTypeRegimeChange = "regime_change"
	MsgTypeRiskAlert    = "risk_alert"
	MsgTypePackage      = "package"
)

// WSMessage is the wire shape pushed to clients.
type WSMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Hub fans engine events out to WebSocket clients.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	clients    map[string]*client
	broadcast  chan WSMessage
	done       chan struct{}
	closeOnce  sync.Once
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger.Named("ws"),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan WSMessage, 256),
		done:      make(chan struct{}),
	}
}

// Run pumps broadcasts to clients until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.broadcast:
			raw, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to marshal ws message", zap.Error(err))
				continue
			}
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- raw:
				default:
					// Slow client: drop the connection, not events.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event for broadcast; full queue drops the event
// for display purposes only (the JSONL log is authoritative).
func (h *Hub) Publish(msgType string, payload any) {
	select {
	case h.broadcast <- WSMessage{Type: msgType, Payload: payload, Timestamp: time.Now().Unix()}:
	default:
	}
}

// HandleUpgrade upgrades an HTTP request into a hub client.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for raw := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c.id]; ok {
			close(c.send)
			delete(h.clients, c.id)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client and stops Run.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, c := range h.clients {
			close(c.send)
			c.conn.Close()
			delete(h.clients, id)
		}
		h.mu.Unlock()
	})
}
