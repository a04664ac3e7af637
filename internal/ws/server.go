// Package ws is the routing tier: it terminates client WebSocket
// connections, authenticates them, and shuttles envelopes between the
// socket and the session's broker channels.
package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/termgate/internal/auth"
	"github.com/xiaot623/termgate/internal/config"
	"github.com/xiaot623/termgate/internal/hub"
	"github.com/xiaot623/termgate/internal/protocol"
)

const publishTimeout = 5 * time.Second

// Publisher is the slice of the broker client the routing tier needs.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Server handles WebSocket connections.
type Server struct {
	cfg       *config.Config
	hub       *hub.Hub
	broker    Publisher
	validator auth.Validator
	upgrader  websocket.Upgrader

	connections atomic.Int64
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, broker Publisher, validator auth.Validator) *Server {
	return &Server{
		cfg:       cfg,
		hub:       h,
		broker:    broker,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers cannot set custom headers on WebSocket dials, so
				// auth rides on a query parameter and origins stay open.
				return true
			},
		},
	}
}

// ConnectionCount reports the live connection total for health checks.
func (s *Server) ConnectionCount() int64 {
	return s.connections.Load()
}

// connection is one client socket bound to a session.
type connection struct {
	ws        *websocket.Conn
	sessionID string
	userID    string
	send      chan []byte

	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// HandleWebSocket upgrades the connection, authenticates it and binds it
// to its session. The token and session id arrive as query parameters
// because WebSocket dials cannot carry custom headers.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	token := c.QueryParam("token")
	sessionID := c.QueryParam("session")
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}

	userID, err := s.validator.Validate(c.Request().Context(), token)
	if err != nil {
		// Reject over the socket: an error envelope, then the policy
		// violation close code. The HTTP upgrade already succeeded.
		reject, _ := protocol.Encode(protocol.NewError(sessionID, protocol.ErrorCodeUnauthorized, "invalid token"))
		ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		ws.WriteMessage(websocket.TextMessage, reject)
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		ws.Close()
		return nil
	}

	conn := &connection{
		ws:        ws,
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan []byte, 64),
	}

	attachID, err := s.hub.Attach(c.Request().Context(), sessionID, func(payload string) {
		select {
		case conn.send <- []byte(payload):
		default:
			log.Printf("WARN: dropping message for slow connection on %s", sessionID)
		}
	})
	if err != nil {
		log.Printf("ERROR: failed to attach session %s: %v", sessionID, err)
		ws.Close()
		return nil
	}

	s.connections.Add(1)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn, attachID)

	log.Printf("Connection opened for session %s (user %s)", sessionID, userID)
	return nil
}

// readPump reads envelopes from the socket until it closes. Closing a
// socket only detaches the connection; the session and any host
// connection behind it stay alive.
func (s *Server) readPump(conn *connection, attachID int) {
	defer func() {
		s.hub.Detach(conn.sessionID, attachID)
		s.connections.Add(-1)
		conn.close()
		log.Printf("Connection closed for session %s", conn.sessionID)
	}()

	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes outbound frames and keeps the socket alive with pings.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage validates one inbound envelope and routes it. Malformed
// input earns a per-message error reply; the connection stays open.
func (s *Server) handleMessage(conn *connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}

	// The envelope travels under the connection's session regardless of
	// what the client stamped.
	msg.Common().SessionID = conn.sessionID
	forward, err := protocol.Encode(msg)
	if err != nil {
		s.sendError(conn, protocol.ErrorCodeInternalError, "failed to re-encode message")
		return
	}

	switch msg.(type) {
	case *protocol.PingMessage:
		// Answered locally; pings never cross the broker.
		s.reply(conn, protocol.NewPong(conn.sessionID))

	case *protocol.DataMessage:
		s.publish(conn, protocol.InputChannel(conn.sessionID), forward)

	case *protocol.ResizeMessage, *protocol.TaskRunMessage, *protocol.TaskControlMessage, *protocol.SessionDestroyMessage:
		s.publish(conn, protocol.ControlChannel(conn.sessionID), forward)

	case *protocol.SessionCreateMessage:
		// Broadcast so whichever gateway instance has capacity picks the
		// session up.
		s.publish(conn, protocol.GatewayControlChannel, forward)

	default:
		s.sendError(conn, protocol.ErrorCodeInvalidMessage,
			"unexpected message type: "+string(msg.Common().Type))
	}
}

func (s *Server) publish(conn *connection, channel string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.broker.Publish(ctx, channel, string(payload)); err != nil {
		log.Printf("ERROR: failed to publish to %s: %v", channel, err)
		s.sendError(conn, protocol.ErrorCodeInternalError, "failed to route message")
	}
}

func (s *Server) reply(conn *connection, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("ERROR: failed to encode reply: %v", err)
		return
	}
	select {
	case conn.send <- data:
	default:
		log.Printf("WARN: dropping reply for slow connection on %s", conn.sessionID)
	}
}

func (s *Server) sendError(conn *connection, code, message string) {
	s.reply(conn, protocol.NewError(conn.sessionID, code, message))
}
