package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/internal/util"
	"github.com/moltbunker/stakeledger/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

// WebSocketClient is one /v1/events connection.
type WebSocketClient struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte

	// staker restricts delivery to one account's events; zero means all.
	staker common.Address
}

// WebSocketHub fans events out to connected clients.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan types.Event
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan types.Event, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected",
				"total_clients", total,
				logging.Component("websocket"))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected",
				"total_clients", total,
				logging.Component("websocket"))

		case ev := <-h.broadcast:
			data, err := json.Marshal(types.StreamMessage{Type: "event", Event: &ev})
			if err != nil {
				continue
			}
			staker := common.Address{}
			if common.IsHexAddress(ev.Staker) {
				staker = common.HexToAddress(ev.Staker)
			}

			h.mu.Lock()
			for client := range h.clients {
				if client.staker != (common.Address{}) && client.staker != staker {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow client: disconnect instead of blocking the hub.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for every interested client.
func (h *WebSocketHub) Broadcast(ev types.Event) {
	select {
	case h.broadcast <- ev:
	default:
		logging.Warn("WebSocket broadcast buffer full",
			"kind", ev.Kind,
			logging.Component("websocket"))
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHub) add(c *WebSocketClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *WebSocketHub) remove(c *WebSocketClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump drains client frames until the connection fails. The stream is
// one-way; reading keeps pong and close handling alive.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("WebSocket read error",
					logging.Err(err),
					logging.Component("websocket"))
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// greet queues the hello frame. It must run before the client is registered,
// while nothing else can close send.
func (c *WebSocketClient) greet() {
	data, err := json.Marshal(types.StreamMessage{Type: "hello"})
	if err != nil {
		return
	}
	c.send <- data
}

// handleWebSocket handles GET /v1/events. An optional ?staker= query limits
// the stream to one account.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var staker common.Address
	if q := r.URL.Query().Get("staker"); q != "" {
		if !common.IsHexAddress(q) {
			s.writeError(w, http.StatusBadRequest, "invalid staker address", "invalid_address")
			return
		}
		staker = common.HexToAddress(q)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			logging.Err(err),
			logging.Component("websocket"))
		return
	}

	client := &WebSocketClient{
		hub:    s.wsHub,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		staker: staker,
	}
	client.greet()
	if !s.wsHub.add(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	util.SafeGoWithName("ws-write", client.writePump)
	util.SafeGoWithName("ws-read", client.readPump)
}
