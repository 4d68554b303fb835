package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	commonauth "skilltrade_server/server/common/auth"
	commonlog "skilltrade_server/server/common/log"
	"skilltrade_server/server/common/middleware"
	"skilltrade_server/server/common/transport/httpresp"
	"skilltrade_server/server/signal/domain"
	signalservice "skilltrade_server/server/signal/service"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 64 * 1024
)

type Options struct {
	RequireAuth    bool
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type Handler struct {
	hub      *signalservice.Hub
	auth     *commonauth.Service
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(hub *signalservice.Hub, auth *commonauth.Service, opts Options) *Handler {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	h := &Handler{hub: hub, auth: auth, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/ws/signal", h.handleSignalWS)

	api := r.Group("/api/v1")
	api.GET("/rooms/:id/members", h.listMembers)

	authed := api.Group("")
	authed.Use(middleware.AuthRequired(h.auth))
	authed.POST("/rooms/:id/messages", h.relayMessage)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		Node:         h.hub.NodeID(),
		Rooms:        h.hub.RoomCount(),
		Participants: h.hub.ParticipantCount(),
	})
}

func (h *Handler) listMembers(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	c.JSON(http.StatusOK, domain.RoomMembers{RoomID: roomID, Members: h.hub.Members(roomID)})
}

func (h *Handler) relayMessage(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	var req domain.RelayInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if len(req.Payload) == 0 {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(ErrPayloadRequired))
		return
	}
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(ErrSenderIDRequired))
		return
	}
	senderID := strings.TrimSpace(req.SenderID)
	if senderID == "" {
		senderID = userID
	}
	if senderID != userID && middleware.RoleFromContext(c) != commonauth.RoleAdmin {
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(ErrSenderNotAllowed))
		return
	}
	delivered := h.hub.Relay(roomID, senderID, req.Payload)
	c.JSON(http.StatusOK, RelayResponse{OK: true, Delivered: delivered})
}

func (h *Handler) handleSignalWS(c *gin.Context) {
	roomID := strings.TrimSpace(c.Query("room_id"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(ErrRoomIDRequired))
		return
	}
	participantID := strings.TrimSpace(c.Query("participant_id"))

	if token, ok := middleware.BearerToken(c); ok {
		userID, _, err := h.auth.ParseAuthContext(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		participantID = userID
	} else if h.opts.RequireAuth {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(ErrTokenRequired))
		return
	}
	if participantID == "" {
		participantID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=signal_ws action=upgrade status=failed room_id=%s error=%v", roomID, err)
		return
	}

	p := h.hub.Takeover(roomID, participantID)
	commonlog.Infof("event=signal_ws action=connect status=ok room_id=%s participant_id=%s", roomID, participantID)

	go h.writePump(conn, p)
	h.readPump(conn, p)
}

func (h *Handler) readPump(conn *websocket.Conn, p *signalservice.Participant) {
	defer h.hub.Detach(p, signalservice.ReasonDisconnected)

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		p.Touch()
		return conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				commonlog.Debugf("event=signal_ws action=read status=closed room_id=%s participant_id=%s error=%v", p.RoomID, p.ID, err)
			}
			return
		}
		p.Touch()
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))

		var frame domain.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			commonlog.Warnf("event=signal_ws action=read status=invalid room_id=%s participant_id=%s error=%v", p.RoomID, p.ID, err)
			continue
		}
		switch frame.Type {
		case domain.FrameMessage:
			h.hub.Relay(p.RoomID, p.ID, frame.Payload)
		case domain.FrameLeave:
			h.hub.Detach(p, signalservice.ReasonLeft)
			return
		case domain.FramePing:
		default:
			commonlog.Warnf("event=signal_ws action=read status=ignored room_id=%s participant_id=%s type=%q", p.RoomID, p.ID, frame.Type)
		}
	}
}

// writePump is the only writer on conn once the participant has joined.
func (h *Handler) writePump(conn *websocket.Conn, p *signalservice.Participant) {
	pingEvery := h.opts.IdleTimeout / 3
	if pingEvery <= 0 {
		pingEvery = time.Second
	}
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
