// Package wsconn is the transport adapter: it upgrades authenticated HTTP
// requests to WebSocket connections, reads client JSON frames into the
// router, and writes the router's (and vsresponse's) BasicResponse frames
// back out over the connection.
package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/collab-audio/roomcore/internal/v1/auth"
	"github.com/collab-audio/roomcore/internal/v1/metrics"
	"github.com/collab-audio/roomcore/internal/v1/roomhandler"
	"github.com/collab-audio/roomcore/internal/v1/roomstate"
	"github.com/collab-audio/roomcore/internal/v1/router"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenValidator authenticates the JWT carried on the upgrade request.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// wsConnection is the slice of *websocket.Conn this package actually uses,
// kept as an interface so tests can substitute a fake connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Hub upgrades incoming connections, authenticates them, and registers the
// resulting peer with the in-memory room state so the request/room handlers
// and vsresponse can reach it.
type Hub struct {
	validator TokenValidator
	state     *roomstate.ServerState
	room      *roomhandler.Handler
	router    *router.Router
	log       *zap.Logger

	allowedOrigins []string
}

func NewHub(validator TokenValidator, state *roomstate.ServerState, room *roomhandler.Handler, r *router.Router, log *zap.Logger, allowedOrigins []string) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}
	return &Hub{validator: validator, state: state, room: room, router: r, log: log, allowedOrigins: allowedOrigins}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWs authenticates the caller, upgrades the connection, registers the
// resulting peer, and starts its read/write pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	userId, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 32)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token subject is not a user id"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("wsconn: failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan roomstate.OutboundFrame, 256),
		userId: int32(userId),
		hub:    h,
	}

	h.state.AddActiveUser(&roomstate.User{UserId: client.userId, CurrentRoomId: -1})
	h.state.RegisterPeer(client.userId, client.send)
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
}

// Client is a single authenticated connection. It has no business logic of
// its own: reads go straight to the router, writes come straight off the
// peer channel roomhandler/vsresponse already know how to address.
type Client struct {
	conn   wsConnection
	send   chan roomstate.OutboundFrame
	userId int32
	hub    *Hub
}

func (c *Client) readPump() {
	defer c.disconnect()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		resp := c.hub.router.Route(context.Background(), c.userId, data)
		body, err := json.Marshal(resp)
		if err != nil {
			c.hub.log.Error("wsconn: failed to marshal response", zap.Error(err))
			continue
		}
		select {
		case c.send <- body:
		default:
			c.hub.log.Warn("wsconn: send channel full, dropping response", zap.Int32("userId", c.userId))
		}
	}
}

func (c *Client) disconnect() {
	ctx := context.Background()
	if user, ok := c.hub.state.ActiveUser(c.userId); ok && user.CurrentRoomId >= 0 {
		c.hub.room.LeaveRoom(ctx, c.userId, user.CurrentRoomId)
	}
	c.hub.state.RemoveActiveUser(c.userId)
	c.hub.state.UnregisterPeer(c.userId)
	c.conn.Close()
	metrics.DecConnection()
}

func (c *Client) writePump() {
	writeWait := 10 * time.Second
	defer c.conn.Close()

	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.hub.log.Warn("wsconn: failed to write frame", zap.Int32("userId", c.userId), zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
