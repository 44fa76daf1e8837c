package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync"
	"github.com/kimhsiao/incidentdesk/backend/internal/uuid"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only allow connections from the local machine
		return isLoopbackHost(r.Host)
	},
}

func isLoopbackHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu gosync.Mutex
	// subscriptions holds event type prefixes; empty means every event.
	subscriptions map[string]bool
}

// WSHub maintains active UI connections and relays sync events to them.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	stopOnce   gosync.Once

	mu gosync.RWMutex
	// onClients is called from the hub goroutine whenever the client count changes.
	onClients func(n int)
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// NewWSHub creates a new WebSocket hub and starts its loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, wsSendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// OnClientsChanged registers fn to observe the number of connected clients.
func (h *WSHub) OnClientsChanged(fn func(n int)) {
	h.mu.Lock()
	h.onClients = fn
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub loop.
func (h *WSHub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			logging.Info("UI client connected", map[string]interface{}{"client": client.id, "total": n})
			h.clientsChanged(n)

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.id]
			if ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			if ok {
				logging.Info("UI client disconnected", map[string]interface{}{"client": client.id, "total": n})
				h.clientsChanged(n)
			}

		case message := <-h.broadcast:
			h.deliver(message)

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			h.clientsChanged(0)
			return
		}
	}
}

func (h *WSHub) deliver(message []byte) {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(message, &head)

	h.mu.Lock()
	var dropped []string
	for id, client := range h.clients {
		if !client.wants(head.Type) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Client send buffer is full, close connection
			close(client.send)
			delete(h.clients, id)
			dropped = append(dropped, id)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	if len(dropped) > 0 {
		logging.Warn("Dropped slow UI clients", map[string]interface{}{"clients": dropped, "total": n})
		h.clientsChanged(n)
	}
}

func (h *WSHub) clientsChanged(n int) {
	h.mu.RLock()
	fn := h.onClients
	h.mu.RUnlock()
	if fn != nil {
		fn(n)
	}
}

// Broadcast sends a message to all subscribed clients.
func (h *WSHub) Broadcast(messageType string, data interface{}) {
	bytes, err := json.Marshal(WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Error("Failed to marshal websocket message", err, map[string]interface{}{"type": messageType})
		return
	}

	select {
	case h.broadcast <- bytes:
	case <-h.done:
	default:
		logging.Warn("Websocket broadcast buffer full, event dropped", map[string]interface{}{"type": messageType})
	}
}

// BroadcastSyncEvent relays an engine event to the UI. It is the engine's
// SyncEventHandler and must not block.
func (h *WSHub) BroadcastSyncEvent(ev sync.SyncEvent) {
	h.Broadcast(string(ev.Type), ev)
}

func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	for prefix := range c.subscriptions {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Websocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid websocket message", map[string]interface{}{"client": c.id, "error": err.Error()})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
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

// reply queues a control response. The hub may already have closed send.
func (c *WSClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	bytes, _ := json.Marshal(body)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, wsSendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
