// Package stream pushes price ticks and engine notices to WebSocket
// clients.
//
// Ticks and notices without a user go to every client. A notice about one
// user goes only to clients that connected with ?user_id= set to that user.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
)

// Message types.
const (
	TypeTick   = "tick"
	TypeNotice = "notice"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type   string      `json:"type"`
	Pair   string      `json:"pair,omitempty"`
	Open   string      `json:"open,omitempty"`
	High   string      `json:"high,omitempty"`
	Low    string      `json:"low,omitempty"`
	Close  string      `json:"close,omitempty"`
	Time   time.Time   `json:"time"`
	Event  string      `json:"event,omitempty"`
	UserID string      `json:"user_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// TickMessage converts a published tick into a client message.
func TickMessage(t model.Tick) Message {
	return Message{
		Type:  TypeTick,
		Pair:  t.Pair,
		Open:  t.Open.StringFixed(2),
		High:  t.High.StringFixed(2),
		Low:   t.Low.StringFixed(2),
		Close: t.Close.StringFixed(2),
		Time:  t.Time,
	}
}

// outbound is an encoded message and the user it is addressed to, if any.
type outbound struct {
	data   []byte
	userID string
}

// client is a registered connection and the user it subscribed as.
type client struct {
	conn   *websocket.Conn
	userID string
}

// Hub manages WebSocket connections and routes messages to them.
type Hub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan outbound
	register   chan client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client connection.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.userID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, userID := range h.clients {
				if msg.userID != "" && msg.userID != userID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.remove(conn)
			}
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients, or only to the
// clients of msg.UserID when it is set.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{data: data, userID: msg.UserID}:
	default:
		// Drop if buffer full to avoid blocking the tick loop.
	}
}

// BroadcastTick sends a price tick to all clients.
func (h *Hub) BroadcastTick(t model.Tick) {
	h.Broadcast(TickMessage(t))
}

// Publish forwards an engine event as a notice, so the hub can sit behind
// events.Fanout. Events about a user reach only that user's clients.
func (h *Hub) Publish(_ context.Context, evt events.Event) {
	h.Broadcast(Message{
		Type:   TypeNotice,
		Pair:   evt.Pair,
		Time:   evt.Timestamp,
		Event:  evt.Type,
		UserID: evt.UserID,
		Data:   evt.Payload,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws?user_id=.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- client{conn: conn, userID: userID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
