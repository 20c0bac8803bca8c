// Package gateway terminates websocket connections, routes client events
// onto the dual delivery path (broadcast bus for immediacy, durable log
// for persistence) and fans bus envelopes out to room members. Gateways
// are stateless beyond live connections; any number can run behind one
// redis bus.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

// AssistantHandler runs the AI-assistant path for a send_ai_message event.
// It is invoked on its own goroutine; failures surface as error_message
// envelopes on the bus.
type AssistantHandler interface {
	Handle(ctx context.Context, p models.AIPayload)
}

// Options tune hub and connection behavior.
type Options struct {
	SendBuffer int
	ReadLimit  int64
	PongWait   time.Duration
	WriteWait  time.Duration
	// EventRPS / EventBurst bound inbound events per connection.
	EventRPS   float64
	EventBurst int
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.EventRPS <= 0 {
		o.EventRPS = 25
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 50
	}
}

// Hub owns the room membership of one gateway process and delivers bus
// envelopes to it.
type Hub struct {
	bus       bus.Bus
	log       *chatlog.Log
	assistant AssistantHandler
	sec       auth.SecConfig
	opts      Options
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// New creates a hub. assistant may be nil when the AI path is disabled.
func New(b bus.Bus, log *chatlog.Log, assistant AssistantHandler, sec auth.SecConfig, opts Options) *Hub {
	opts.defaults()
	h := &Hub{
		bus:       b,
		log:       log,
		assistant: assistant,
		sec:       sec,
		opts:      opts,
		clients:   make(map[*Client]struct{}),
		rooms:     make(map[string]map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Start subscribes the hub to the bus. Call once before serving upgrades.
func (h *Hub) Start() {
	h.bus.Subscribe(h.deliver)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // same-origin requests carry no Origin header
	}
	for _, allowed := range h.sec.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logger.Warn("ws_origin_rejected", "origin", origin)
	return false
}

// ServeWS authenticates and upgrades one websocket connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.sec.ResolveUser(r)
	if err != nil {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("ws_upgrade_failed", "error", err)
		return
	}
	c := &Client{
		hub:     h,
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, h.opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.opts.EventRPS), h.opts.EventBurst),
	}
	h.register(c)
	go c.writePump()
	// Not r.Context(): the request context dies when this handler returns,
	// while the hijacked connection lives on.
	go c.readPump(context.Background())
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	connectionsGauge.Inc()
	logger.Info("ws_connected", "user", c.userID)
}

// unregister clears the client from every room synchronously, so no
// envelope is delivered to the connection after this returns. The send
// channel is never closed: late sends from detached goroutines (the
// durable-append error path, a slow fan-out) race disconnection, and a
// send on a closed channel would panic the process. writePump exits on
// the done channel instead and leftover buffered data is collected.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room, members := range h.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(c.done)
	h.mu.Unlock()
	connectionsGauge.Dec()
	logger.Info("ws_disconnected", "user", c.userID)
}

// Join adds the client to a room. Joining twice is a no-op; there is no
// leave short of disconnecting, matching client behavior of opening a
// fresh socket per conversation screen.
func (h *Hub) Join(c *Client, channelID string) {
	if channelID == "" {
		return
	}
	h.mu.Lock()
	members, ok := h.rooms[channelID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[channelID] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()
	logger.Debug("ws_joined", "user", c.userID, "channel", channelID)
}

// deliver fans one bus envelope out to the channel's room, or to every
// connection for the global channel. Slow clients are dropped rather than
// allowed to stall the fan-out.
func (h *Hub) deliver(channelID string, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	var stalled []*Client
	h.mu.RLock()
	if channelID == channel.Global {
		for c := range h.clients {
			select {
			case c.send <- data:
			default:
				stalled = append(stalled, c)
			}
		}
	} else {
		for c := range h.rooms[channelID] {
			select {
			case c.send <- data:
			default:
				stalled = append(stalled, c)
			}
		}
	}
	h.mu.RUnlock()

	deliveredTotal.WithLabelValues(string(env.Type)).Inc()
	for _, c := range stalled {
		slowDropTotal.Inc()
		logger.Warn("ws_slow_client_dropped", "user", c.userID)
		h.unregister(c)
		c.conn.Close()
	}
}

// sendTo queues an envelope for one connection only, used for per-caller
// error feedback that must not reach the room.
func (h *Hub) sendTo(c *Client, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
