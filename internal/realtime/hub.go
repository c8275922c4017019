// Package realtime pushes lifecycle events to connected users over WebSocket.
//
// The Hub is an events.Sink. Each connection belongs to one authenticated
// user and only ever receives that user's events, optionally narrowed to a
// set of event types the client sends after connecting. All connection
// state is owned by the Run loop.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/metrics"
)

const (
	// MaxClients caps concurrent connections across all users.
	MaxClients = 10000
	// MaxConnectionsPerUser caps one user's concurrent connections.
	MaxConnectionsPerUser = 5

	sendBuffer   = 64
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 16 * 1024
)

// Frame kinds written to clients.
const (
	FrameEvent      = "event"
	FrameSubscribed = "subscribed"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// ErrBackpressure is returned by Publish when the broadcast queue is full.
var ErrBackpressure = errors.New("realtime: broadcast queue full")

// Subscription filters what a client receives. Clients send it as JSON at
// any time after connecting. No types means every type.
type Subscription struct {
	Types []events.Type `json:"types"`
}

// Frame is the JSON message written to clients. Subscribed frames echo the
// accepted types, with unknown ones dropped.
type Frame struct {
	Kind  string        `json:"kind"`
	Event *events.Event `json:"event,omitempty"`
	Types []events.Type `json:"types,omitempty"`
}

// Client is one WebSocket connection. Its subscription is only touched by
// the hub's Run loop.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	sub    Subscription
}

type subscribeRequest struct {
	client *Client
	sub    Subscription
}

// Stats summarizes hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	ConnectedUsers   int   `json:"connectedUsers"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans events out to the connections of the user they belong to.
type Hub struct {
	// users indexes live clients by user. Written only by Run; mu lets
	// Serve and Stats read it.
	users map[string]map[*Client]struct{}
	count int
	mu    sync.RWMutex

	broadcast  chan events.Event
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscribeRequest
	done       chan struct{} // closed when Run exits

	upgrader   websocket.Upgrader
	logger     *slog.Logger
	maxClients int
	maxPerUser int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

var _ events.Sink = (*Hub)(nil)

// NewHub creates a hub that accepts same-host and non-browser clients.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		users:      make(map[string]map[*Client]struct{}),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscribeRequest),
		done:       make(chan struct{}),
		logger:     logger,
		maxClients: MaxClients,
		maxPerUser: MaxConnectionsPerUser,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameHost,
	}
	return h
}

// WithAllowedOrigins also accepts browser connections from origins. "*"
// accepts any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	if len(origins) == 0 {
		return h
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return sameHost(r) || slices.Contains(origins, "*") || slices.Contains(origins, origin)
	}
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Run owns the client index until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.users {
				for c := range clients {
					close(c.send)
				}
			}
			h.users = make(map[string]map[*Client]struct{})
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.add(c)

		case c := <-h.unregister:
			h.remove(c)

		case req := <-h.subscribe:
			if !h.has(req.client) {
				continue
			}
			req.client.sub = req.sub
			h.deliver(req.client, frame(Frame{Kind: FrameSubscribed, Types: req.sub.Types}))

		case e := <-h.broadcast:
			h.totalEvents.Add(1)
			msg := frame(Frame{Kind: FrameEvent, Event: &e})
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.users[e.UserID]))
			for c := range h.users[e.UserID] {
				if wants(c.sub, e.Type) {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range targets {
				h.deliver(c, msg)
			}
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[*Client]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	h.count++
	n := h.count
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", "user", c.userID, "total", n)
}

// remove drops c and closes its send channel. Only Run calls it, so the
// channel is closed exactly once.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	clients := h.users[c.userID]
	if _, ok := clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.users, c.userID)
	}
	h.count--
	n := h.count
	h.mu.Unlock()

	close(c.send)
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", "user", c.userID, "total", n)
}

func (h *Hub) has(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[c.userID][c]
	return ok
}

// deliver queues msg for c, disconnecting clients that cannot keep up.
func (h *Hub) deliver(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.logger.Debug("dropping slow client", "user", c.userID)
		h.remove(c)
	}
}

func wants(sub Subscription, t events.Type) bool {
	return len(sub.Types) == 0 || slices.Contains(sub.Types, t)
}

func frame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "realtime" }

// Publish implements events.Sink. It never blocks.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	select {
	case h.broadcast <- e:
		return nil
	default:
		return ErrBackpressure
	}
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ConnectedClients: h.count,
		ConnectedUsers:   len(h.users),
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// RegisterProtectedRoutes mounts the WebSocket endpoint. The group must
// require authentication.
func (h *Hub) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.HandleWebSocket)
}

// RegisterAdminRoutes mounts hub statistics.
func (h *Hub) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stats": h.Stats()})
	})
}

// HandleWebSocket upgrades an authenticated request to WebSocket.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	h.Serve(c.Writer, c.Request, auth.UserID(c))
}

// Serve upgrades the request and streams userID's events to it.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	total, mine := h.count, len(h.users[userID])
	h.mu.RUnlock()
	switch {
	case total >= h.maxClients:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	case mine >= h.maxPerUser:
		http.Error(w, "too many connections for this user", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, userID: userID, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump forwards subscription updates to the hub until the connection
// drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		sub.Types = slices.DeleteFunc(sub.Types, func(t events.Type) bool { return !events.Known(t) })
		select {
		case c.hub.subscribe <- subscribeRequest{client: c, sub: sub}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. A closed queue means the hub dropped the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
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
				c.hub.logger.Debug("websocket write error", "error", err)
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
