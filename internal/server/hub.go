package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/localsync/internal/logging"
	"github.com/kimhsiao/localsync/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventChangelogAppended is sent to connected clients whenever a push commit
// appends to the change log of their scope. Clients treat it as a hint to
// pull immediately instead of waiting for the next scheduled cycle.
const EventChangelogAppended = "changelog.appended"

// wsEnvelope wraps all hub messages.
type wsEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// wsClient represents one connected sync client, pinned to a scope.
type wsClient struct {
	id    string
	scope string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
}

// Hub maintains connected clients and fans change notifications out to the
// scope each notification belongs to. Notifications are advisory; a client
// that misses one converges on its next scheduled pull.
type Hub struct {
	clients    map[string]*wsClient
	notify     chan scopedMessage
	register   chan *wsClient
	unregister chan *wsClient
	logger     *logging.Logger
	mu         sync.RWMutex
}

type scopedMessage struct {
	scope   string
	payload []byte
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*wsClient),
		notify:     make(chan scopedMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		logger:     logging.Get().WithComponent("hub"),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Debug("client connected", logging.Fields{
				"client": client.id,
				"scope":  client.scope,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", logging.Fields{"client": client.id})

		case msg := <-h.notify:
			h.mu.Lock()
			for id, client := range h.clients {
				if client.scope != msg.scope {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// NotifyAppended announces freshly committed change-log entries to the
// clients of the scope they belong to. Entries from one push batch always
// share a scope.
func (h *Hub) NotifyAppended(entries []models.ChangeLogEntry) {
	if len(entries) == 0 {
		return
	}

	envelope := wsEnvelope{
		Type: EventChangelogAppended,
		Data: map[string]interface{}{
			"scope_key": entries[0].ScopeKey,
			"latest_id": entries[len(entries)-1].ID,
			"count":     len(entries),
		},
		Timestamp: time.Now().Unix(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("failed to marshal notification", err, nil)
		return
	}

	h.notify <- scopedMessage{scope: entries[0].ScopeKey, payload: payload}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and registers the client under the
// scope it authenticated with.
func (h *Hub) handleWebSocket(scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade connection", err, nil)
			return
		}

		client := &wsClient{
			id:    time.Now().Format("20060102150405.000000000") + "-" + r.RemoteAddr,
			scope: scope,
			conn:  conn,
			send:  make(chan []byte, 256),
			hub:   h,
		}

		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}
