package signal

import (
	"context"
	"sync"
	"time"

	"meshroom/internal/core/domain"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Relay reaches connections owned by other server instances.
type Relay interface {
	Register(ctx context.Context, id domain.ConnectionID) error
	Refresh(ctx context.Context, id domain.ConnectionID) error
	Unregister(ctx context.Context, id domain.ConnectionID) error
	Forward(ctx context.Context, target domain.ConnectionID, frame []byte) bool
}

// Connection is one websocket transport session.
type Connection struct {
	id      domain.ConnectionID
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closed  core.Fuse
	cleanup sync.Once

	mu       sync.RWMutex
	room     domain.RoomCode
	nickname string
}

func newConnection(id domain.ConnectionID, ws *websocket.Conn, sendBuffer int, limiter *rate.Limiter) *Connection {
	return &Connection{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: limiter,
		closed:  core.NewFuse(),
	}
}

func (c *Connection) ID() domain.ConnectionID {
	return c.id
}

// Membership returns the room the connection has joined, if any.
func (c *Connection) Membership() (domain.RoomCode, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room, c.nickname, c.room != ""
}

func (c *Connection) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

func (c *Connection) setMembership(room domain.RoomCode, nickname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
	c.nickname = nickname
}

func (c *Connection) clearMembership() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = ""
}

// enqueue never blocks; a full or closed connection drops the frame.
func (c *Connection) enqueue(frame []byte) bool {
	if c.closed.IsBroken() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// allow applies the inbound message rate limit, if any.
func (c *Connection) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Hub tracks the connections held by this instance.
type Hub struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*Connection

	relay  Relay
	logger *zap.SugaredLogger
}

// NewHub takes a nil relay on a single instance deployment.
func NewHub(relay Relay, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		conns:  make(map[domain.ConnectionID]*Connection),
		relay:  relay,
		logger: logger,
	}
}

func (h *Hub) register(ctx context.Context, c *Connection) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	if h.relay != nil {
		if err := h.relay.Register(ctx, c.id); err != nil {
			h.logger.Warnw("failed to publish presence", "connection_id", c.id, "error", err)
		}
	}
}

func (h *Hub) unregister(ctx context.Context, id domain.ConnectionID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()

	if h.relay != nil {
		if err := h.relay.Unregister(ctx, id); err != nil {
			h.logger.Warnw("failed to drop presence", "connection_id", id, "error", err)
		}
	}
}

func (h *Hub) refresh(ctx context.Context, id domain.ConnectionID) {
	if h.relay != nil {
		_ = h.relay.Refresh(ctx, id)
	}
}

func (h *Hub) get(id domain.ConnectionID) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) IsConnected(id domain.ConnectionID) bool {
	_, ok := h.get(id)
	return ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// DeliverLocal queues frame on a connection held by this instance.
func (h *Hub) DeliverLocal(target domain.ConnectionID, frame []byte) bool {
	c, ok := h.get(target)
	if !ok {
		return false
	}
	return c.enqueue(frame)
}

// Send delivers frame to target wherever it is connected. Delivery is
// best effort: the result only says whether the frame left this instance.
func (h *Hub) Send(ctx context.Context, target domain.ConnectionID, frame []byte) bool {
	if c, ok := h.get(target); ok {
		return c.enqueue(frame)
	}
	if h.relay != nil {
		return h.relay.Forward(ctx, target, frame)
	}
	return false
}

// closeAll sends a going-away close frame to every connection.
func (h *Hub) closeAll(writeTimeout time.Duration) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	}
}
