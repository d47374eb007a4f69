package signal

import (
	"encoding/json"
	"net/http"
	"time"

	"beamnet/internal/core/domain"
	"beamnet/internal/core/ports"
	"beamnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options bound the per-connection websocket behavior.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     32,
	}
}

// Server terminates websocket connections and feeds parsed control
// messages into the router. Each connection gets one reader and one
// writer goroutine; the reader drives the router, the writer drains the
// handle's buffered channel and keeps the socket alive with pings.
type Server struct {
	router   ports.Router
	registry ports.RoomRegistry
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewServer(router ports.Router, registry ports.RoomRegistry, opts Options, logger *zap.SugaredLogger) *Server {
	return &Server{
		router:   router,
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Anyone who can reach the relay may signal; rooms are
				// not authenticated.
				return true
			},
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes. The lifecycle manager runs exactly once per connection, even
// for one that never sends a message.
func (s *Server) HandleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	handle := newConnHandle(s.opts.SendBuffer)
	connCtx := &domain.ConnContext{Handle: handle}

	s.logger.Debugw("connection opened", "remote", conn.RemoteAddr().String())

	go s.writeLoop(conn, handle)
	s.readLoop(c, conn, connCtx)

	handle.Close()
	s.router.HandleDisconnect(c.Request.Context(), connCtx)

	s.logger.Debugw("connection closed",
		"remote", conn.RemoteAddr().String(),
		"role", connCtx.Role.String(),
		"room_id", connCtx.RoomID,
	)
}

func (s *Server) readLoop(c *gin.Context, conn *websocket.Conn, connCtx *domain.ConnContext) {
	conn.SetReadLimit(s.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are discarded; the connection stays up.
			s.logger.Infow("discarding malformed message", "remote", conn.RemoteAddr().String(), "error", err)
			continue
		}

		ctx, span := tracing.TraceSignalMessage(c.Request.Context(), msg.Type, connCtx.Role.String())
		s.router.HandleMessage(ctx, connCtx, &msg)
		span.End()
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, handle *connHandle) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-handle.send:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-handle.done:
			// Teardown closes the handle right after enqueueing its last
			// notifications; flush whatever is still buffered before the
			// close frame so a departing viewer hears broadcaster-left.
			for {
				select {
				case msg := <-handle.send:
					conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
					if err := conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
					conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}

// HandleHealth reports liveness: active room count plus a timestamp,
// the same shape every monitoring probe of this service has scraped.
func (s *Server) HandleHealth(c *gin.Context) {
	stats := s.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"rooms":     stats.Rooms,
		"viewers":   stats.Viewers,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
