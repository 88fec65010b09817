package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// ErrHubStopped is returned by Notify once Run has returned.
var ErrHubStopped = errors.New("notification hub stopped")

// Hub fans events out to websocket clients of the same organization.
type Hub struct {
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     logrus.FieldLogger
}

// Client is one websocket subscriber.
type Client struct {
	ID             string
	OrganizationID int64
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	mu             sync.RWMutex
	filters        []string // event types to receive, empty means all
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(logger logrus.FieldLogger, allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin] || set["*"]
	}
}

// Run handles client connections and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.clientsMu.Unlock()
			metrics.WebsocketClients.Inc()
			h.logf(logrus.Fields{"client": client.ID, "clients": n}, "websocket client connected")
		case client := <-h.unregister:
			h.remove(client)
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// Notify implements Notifier by queueing the event for broadcast.
func (h *Hub) Notify(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	select {
	case h.broadcast <- event:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logf(logrus.Fields{"error": err}, "marshal event failed")
		return
	}
	var slow []*Client
	h.clientsMu.RLock()
	for client := range h.clients {
		if client.OrganizationID != event.OrganizationID || !client.wants(event.Type) {
			continue
		}
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	h.clientsMu.RUnlock()
	for _, client := range slow {
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.clientsMu.Unlock()
	metrics.WebsocketClients.Dec()
	h.logf(logrus.Fields{"client": client.ID}, "websocket client disconnected")
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		metrics.WebsocketClients.Dec()
	}
}

// ServeWS upgrades the request; the caller must have authenticated the agent
// and resolved its organization.
func (h *Hub) ServeWS(c *gin.Context, organizationID int64) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logf(logrus.Fields{"error": err}, "websocket upgrade failed")
		return
	}
	client := &Client{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		hub:            h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go client.readPump()
	go client.writePump()
}

func (c *Client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filters) == 0 {
		return true
	}
	for _, f := range c.filters {
		if f == eventType || f == "*" {
			return true
		}
	}
	return false
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logf(logrus.Fields{"client": c.ID, "error": err}, "websocket read failed")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleMessage accepts {"type":"subscribe","filters":[...]} and {"type":"unsubscribe"}.
func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type    string   `json:"type"`
		Filters []string `json:"filters"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		c.filters = append([]string(nil), msg.Filters...)
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		c.filters = nil
		c.mu.Unlock()
	}
}

func (h *Hub) logf(fields logrus.Fields, msg string) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.WithFields(fields).Debug(msg)
}
