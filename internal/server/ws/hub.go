// Package ws serves odds updates to websocket subscribers grouped into
// per-market rooms.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// sendBufferSize is the per-client outbound queue. A full queue drops.
	sendBufferSize = 256

	// maxRoomsPerClient bounds how many markets one socket may join.
	maxRoomsPerClient = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMsg is sent by clients to join or leave market rooms. Either
// marketId or markets may be used.
type controlMsg struct {
	Action   string   `json:"action"` // "join" or "leave"
	MarketID string   `json:"marketId"`
	Markets  []string `json:"markets"`
}

// ackMsg confirms a control message.
type ackMsg struct {
	Type    string   `json:"type"` // "joined", "left" or "error"
	Markets []string `json:"markets,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{} // guarded by hub.mu
	done  chan struct{}
	once  sync.Once
}

// Stats are the hub counters.
type Stats struct {
	Clients   int    `json:"clients"`
	Rooms     int    `json:"rooms"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Hub tracks connected clients and the market rooms they joined. With a bus
// it can also relay updates published by other instances.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a Hub. bus is only used by Run with relay enabled.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
	}
}

// Deliver queues payload for every client in the market's room and returns
// how many accepted it. Slow clients lose the update.
func (h *Hub) Deliver(marketID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[marketID] {
		select {
		case c.send <- payload:
			n++
		default:
			h.dropped.Add(1)
		}
	}
	h.delivered.Add(uint64(n))
	return n
}

// Run blocks until ctx is cancelled, then disconnects every client. With
// relay set it also forwards every odds:market:* bus message to the
// matching room.
func (h *Hub) Run(ctx context.Context, relay bool) error {
	if relay && h.bus != nil {
		msgs, err := h.bus.Subscribe(ctx, domain.ChannelMarketPattern)
		if err != nil {
			return err
		}
		h.logger.Info("relaying bus updates", slog.String("channel", domain.ChannelMarketPattern))
		go h.relay(ctx, msgs)
	}

	<-ctx.Done()
	h.mu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) relay(ctx context.Context, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus relay closed")
				return
			}
			var head struct {
				MarketID string `json:"marketId"`
			}
			if err := json.Unmarshal(data, &head); err != nil || head.MarketID == "" {
				continue
			}
			h.Deliver(head.MarketID, data)
		}
	}
}

// HandleWS upgrades the request and serves the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]struct{}),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", slog.Int("clients", total))

	// Markets may also be joined up front: /ws?market=a&market=b
	if initial := r.URL.Query()["market"]; len(initial) > 0 {
		c.apply(controlMsg{Action: "join", Markets: initial})
	}

	go c.writePump()
	go c.readPump()
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Clients:   len(h.clients),
		Rooms:     len(h.rooms),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	for m := range c.rooms {
		h.leaveLocked(c, m)
	}
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("client disconnected", slog.Int("clients", total))
}

func (h *Hub) leaveLocked(c *client, marketID string) {
	room := h.rooms[marketID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, marketID)
	}
	delete(c.rooms, marketID)
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// apply handles one control message and queues its acknowledgement.
func (c *client) apply(msg controlMsg) {
	markets := msg.Markets
	if msg.MarketID != "" {
		markets = append(markets, msg.MarketID)
	}

	var ack ackMsg
	h := c.hub
	h.mu.Lock()
	switch msg.Action {
	case "join":
		ack.Type = "joined"
		for _, m := range markets {
			if m == "" {
				continue
			}
			if _, ok := c.rooms[m]; !ok && len(c.rooms) >= maxRoomsPerClient {
				ack = ackMsg{Type: "error", Error: "too many rooms"}
				break
			}
			room := h.rooms[m]
			if room == nil {
				room = make(map[*client]struct{})
				h.rooms[m] = room
			}
			room[c] = struct{}{}
			c.rooms[m] = struct{}{}
			ack.Markets = append(ack.Markets, m)
		}
	case "leave":
		ack.Type = "left"
		for _, m := range markets {
			if _, ok := c.rooms[m]; ok {
				h.leaveLocked(c, m)
				ack.Markets = append(ack.Markets, m)
			}
		}
	default:
		ack = ackMsg{Type: "error", Error: "unknown action"}
	}
	h.mu.Unlock()

	if data, err := json.Marshal(ack); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.apply(msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
