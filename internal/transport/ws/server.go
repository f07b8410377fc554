package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/domain"
)

// Decider applies client decisions to a session.
type Decider interface {
	SessionView(ctx context.Context, sessionID string) (any, error)
	Accept(ctx context.Context, sessionID string, slot domain.TimeSlot) error
	Reject(ctx context.Context, sessionID string, slots []domain.TimeSlot) error
	Cancel(ctx context.Context, sessionID string) error
}

// Options tunes connection keepalive.
type Options struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns the default keepalive settings.
func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 65536,
	}
}

// Server handles websocket connections.
type Server struct {
	opts     Options
	hub      *Hub
	decider  Decider
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new websocket server.
func NewServer(opts Options, h *Hub, decider Decider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		opts:    opts,
		hub:     h,
		decider: decider,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades GET /v1/sessions/:id/ws and streams the session.
func (s *Server) HandleWebSocket(c echo.Context) error {
	sessionID := c.Param("id")
	view, err := s.decider.SessionView(c.Request().Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}

	conn := s.hub.NewConnection(ws, sessionID)
	s.hub.Register(conn)
	ws.SetReadLimit(s.opts.MaxMessageSize)

	_ = s.hub.SendJSONToConnection(conn, HelloAckMessage{
		BaseMessage: BaseMessage{Type: TypeHelloAck, Ts: time.Now().UnixMilli(), SessionID: sessionID},
		Session:     view,
	})

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump reads decisions from the connection.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes queued messages and keepalive pings.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(conn *Connection, data []byte) {
	var msg DecisionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	var apply func(ctx context.Context) error
	switch msg.Type {
	case TypeAccept:
		apply = func(ctx context.Context) error { return s.decider.Accept(ctx, conn.SessionID, msg.Slot) }
	case TypeReject:
		apply = func(ctx context.Context) error { return s.decider.Reject(ctx, conn.SessionID, msg.Slots) }
	case TypeCancel:
		apply = func(ctx context.Context) error { return s.decider.Cancel(ctx, conn.SessionID) }
	default:
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidMessage, "unknown message type: "+msg.Type)
		return
	}

	// Decisions may wait on the session loop; keep the reader free.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := apply(ctx); err != nil {
			s.logger.Info("decision rejected",
				zap.String("session_id", conn.SessionID),
				zap.String("decision", msg.Type),
				zap.Error(err),
			)
			s.sendError(conn, msg.RequestID, ErrorCodeRejected, err.Error())
			return
		}
		_ = s.hub.SendJSONToConnection(conn, AckMessage{
			BaseMessage: BaseMessage{Type: TypeAck, Ts: time.Now().UnixMilli(), RequestID: msg.RequestID, SessionID: conn.SessionID},
			Decision:    msg.Type,
		})
	}()
}

func (s *Server) sendError(conn *Connection, requestID, code, message string) {
	_ = s.hub.SendJSONToConnection(conn, ErrorMessage{
		BaseMessage: BaseMessage{Type: TypeError, Ts: time.Now().UnixMilli(), RequestID: requestID, SessionID: conn.SessionID},
		Code:        code,
		Message:     message,
	})
}
