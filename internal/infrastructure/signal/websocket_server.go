package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/utils"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBufferSize  int
	MaxMessageBytes int64

	// Zero disables the per-connection inbound limit.
	MessagesPerSecond float64
	Burst             int

	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval:    25 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendBufferSize:  64,
		MaxMessageBytes: 64 * 1024,
		AllowedOrigins:  []string{"*"},
	}
}

// WebSocketServer runs one reader and one writer goroutine per transport
// session and hands every inbound frame to the Router.
type WebSocketServer struct {
	router   *Router
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader

	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

var _ ports.WebSocketHandler = (*WebSocketServer)(nil)

func NewWebSocketServer(router *Router, hub *Hub, opts Options, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *WebSocketServer {
	origins := cors.New(cors.Options{AllowedOrigins: opts.AllowedOrigins})

	return &WebSocketServer{
		router: router,
		hub:    hub,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins.OriginAllowed(r)
			},
		},
		metrics: metrics,
		logger:  logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	c := newConnection(domain.ConnectionID(utils.GenerateConnectionID()), ws, s.opts.SendBufferSize, limiter)
	// The session outlives the upgrade request.
	ctx := context.Background()

	s.hub.register(ctx, c)
	s.metrics.RecordConnectionOpened()
	s.logger.Infow("connection opened",
		"connection_id", c.id,
		"remote_addr", r.RemoteAddr,
	)

	go s.writePump(c)
	s.readPump(ctx, c)
	s.closeConnection(ctx, c)
}

func (s *WebSocketServer) readPump(ctx context.Context, c *Connection) {
	c.ws.SetReadLimit(s.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		s.hub.refresh(ctx, c.id)
		return c.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Infow("connection read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if msgType != websocket.TextMessage {
			continue
		}
		if !c.allow() {
			s.metrics.RecordMessageDropped("inbound", dropRateLimited)
			s.logger.Debugw("inbound message rate limited", "connection_id", c.id)
			continue
		}

		s.router.Route(ctx, c, data)
	}
}

// writePump is the only writer of data frames on c.ws.
func (s *WebSocketServer) writePump(c *Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debugw("connection write failed", "connection_id", c.id, "error", err)
				// Unblocks readPump, which owns cleanup.
				_ = c.ws.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.ws.Close()
				return
			}

		case <-c.closed.Watch():
			return
		}
	}
}

// closeConnection runs disconnect cleanup exactly once per session.
func (s *WebSocketServer) closeConnection(ctx context.Context, c *Connection) {
	c.cleanup.Do(func() {
		c.closed.Break()
		s.hub.unregister(ctx, c.id)
		s.router.Disconnect(ctx, c)
		_ = c.ws.Close()

		s.metrics.RecordConnectionClosed()
		s.logger.Infow("connection closed", "connection_id", c.id)
	})
}

// Shutdown closes every open session. Each reader then runs its own cleanup.
func (s *WebSocketServer) Shutdown(ctx context.Context) {
	s.hub.closeAll(s.opts.WriteTimeout)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.hub.Count(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
