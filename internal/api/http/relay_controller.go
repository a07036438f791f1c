package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/meshrtc/meshconf/internal/auth"
	"github.com/meshrtc/meshconf/internal/domain"
	"github.com/meshrtc/meshconf/internal/registry"
	"github.com/meshrtc/meshconf/internal/relay"
	"github.com/meshrtc/meshconf/lib/logger/sl"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// maxRateViolations is how many over-limit messages a connection may send
	// before it is dropped.
	maxRateViolations = 5
)

type RelayController struct {
	relay         *relay.Relay
	registry      *registry.Registry
	authenticator auth.Authenticator
	log           *slog.Logger

	maxMessagesPerMinute int
	upgrader             websocket.Upgrader
}

func NewRelayController(rel *relay.Relay, reg *registry.Registry, authenticator auth.Authenticator, log *slog.Logger, maxMessagesPerMinute int) *RelayController {
	return &RelayController{
		relay:                rel,
		registry:             reg,
		authenticator:        authenticator,
		log:                  log,
		maxMessagesPerMinute: maxMessagesPerMinute,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// JoinRoom upgrades the connection, authenticates it and attaches it to the
// room. The handler stays on the connection's read loop until it drops.
func (c *RelayController) JoinRoom(ctx *gin.Context) {
	roomID := ctx.Param("roomID")

	identity, err := c.authenticator.Authenticate(ctx.Request.Context(), auth.Credentials{
		ParticipantID: ctx.Query("participant_id"),
		DisplayName:   ctx.Query("name"),
	})
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.log.Error("websocket upgrade failed", sl.Err(err))
		return
	}

	p := domain.NewParticipant(identity)
	p.Socket = conn

	existing, err := c.relay.Connect(roomID, p)
	if err != nil {
		_ = conn.WriteJSON(domain.NewMessage(domain.MessageError, "", p.ID, domain.ErrorPayload{
			Message: err.Error(),
		}))
		conn.Close()
		return
	}

	go c.writePump(p)

	members := make([]domain.ParticipantInfo, 0, len(existing))
	for _, m := range existing {
		members = append(members, m.Info())
	}
	p.EnqueueEvent(domain.NewMessage(domain.MessageWelcome, "", p.ID, domain.WelcomePayload{
		ParticipantID: p.ID,
		RoomID:        roomID,
		Members:       members,
	}))

	c.readLoop(roomID, p, conn)
}

// readLoop consumes inbound messages until the connection dies. It runs on
// the handler goroutine, so each participant has exactly one reader.
func (c *RelayController) readLoop(roomID string, p *domain.Participant, conn *websocket.Conn) {
	log := c.log.With(
		slog.String("room_id", roomID),
		slog.String("participant_id", p.ID),
	)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := relay.NewRateLimiter(c.maxMessagesPerMinute)
	violations := 0

	for {
		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Debug("connection closed", sl.Err(err))
			c.relay.Disconnect(roomID, p.ID)
			return
		}

		if !limiter.Allow(time.Now()) {
			violations++
			log.Warn("rate limit exceeded", slog.Int("violations", violations))
			if violations >= maxRateViolations {
				c.relay.Disconnect(roomID, p.ID)
				return
			}
			p.EnqueueEvent(domain.NewMessage(domain.MessageError, "", p.ID, domain.ErrorPayload{
				Message: "rate limit exceeded, message dropped",
			}))
			continue
		}

		if err := c.relay.HandleMessage(roomID, p, &msg); err != nil {
			p.EnqueueEvent(domain.NewMessage(domain.MessageError, "", p.ID, domain.ErrorPayload{
				Message: err.Error(),
			}))
		}
	}
}

// writePump drains the participant's event queue onto the socket and keeps
// the connection alive with pings. Exactly one pump runs per participant, so
// relayed messages from one sender are written in the order they arrived.
func (c *RelayController) writePump(p *domain.Participant) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.CloseSocket()
	}()

	for {
		select {
		case event, ok := <-p.Events:
			if !ok {
				p.Socket.SetWriteDeadline(time.Now().Add(writeWait))
				p.Socket.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			p.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.Socket.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			p.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.Socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ListRooms reports the ids of all live rooms.
func (c *RelayController) ListRooms(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"rooms": c.registry.Rooms()})
}

// ListParticipants reports the current membership of a room.
func (c *RelayController) ListParticipants(ctx *gin.Context) {
	roomID := ctx.Param("roomID")

	if _, ok := c.registry.Room(roomID); !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	members := c.registry.Members(roomID)
	infos := make([]domain.ParticipantInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, m.Info())
	}
	ctx.JSON(http.StatusOK, gin.H{"participants": infos})
}

// RoomStats reports membership figures for the admin surface.
func (c *RelayController) RoomStats(ctx *gin.Context) {
	stats, ok := c.registry.Stats(ctx.Param("roomID"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stats": stats})
}

// TerminateRoom force-disconnects every member of the room.
func (c *RelayController) TerminateRoom(ctx *gin.Context) {
	roomID := ctx.Param("roomID")

	if _, ok := c.registry.Room(roomID); !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	c.relay.Terminate(roomID, "terminated by administrator")
	ctx.JSON(http.StatusOK, gin.H{"status": "terminated"})
}
