package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"realtime-service/internal/auth"
	"realtime-service/internal/config"
	"realtime-service/internal/log"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/repositories"
)

const accessCheckTimeout = 5 * time.Second

// Handler accepts duplex connections on the chat and notifications channels.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	bans     repositories.BanChecker
	chats    repositories.ChatAccess
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, verifier auth.Verifier, bans repositories.BanChecker, chats repositories.ChatAccess, cfg config.WebSocketConfig) *Handler {
	h := &Handler{hub: hub, verifier: verifier, bans: bans, chats: chats, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// Register mounts the websocket endpoints.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/ws/chat", h.Chat)
	r.GET("/ws/notifications", h.Notifications)
}

func (h *Handler) Chat(c *gin.Context) {
	h.serve(c, models.ChannelChat)
}

func (h *Handler) Notifications(c *gin.Context) {
	h.serve(c, models.ChannelNotifications)
}

func (h *Handler) serve(c *gin.Context, channel models.Channel) {
	ctx, span := observability.Tracer().Start(c.Request.Context(), "ws.handshake",
		trace.WithAttributes(attribute.String("ws.channel", string(channel))))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := tokenFromRequest(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	userID, err := h.verifier.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	banned, err := h.bans.IsBanned(ctx, userID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Int(log.FieldUserID, userID).Msg("ban lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unable to verify account"})
		return
	}
	if banned {
		c.JSON(http.StatusForbidden, gin.H{"error": "account banned"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := newConnInfo(c.Request, userID, c.GetString(log.RequestIDKey), span.SpanContext().TraceID().String())
	client := NewClient(conn, channel, info, h.cfg)
	h.hub.OnConnect(client)

	observability.IncWSActive(string(channel))
	// the request context ends with this handler; lifecycle events outlive it
	lifecycleCtx := context.WithoutCancel(ctx)
	publishLifecycle(lifecycleCtx, client, "ws_connect", "")

	log.L().Info().
		Str(log.FieldConnID, info.ConnID).
		Int(log.FieldUserID, userID).
		Str(log.FieldChannel, string(channel)).
		Msg("websocket connected")

	go client.WritePump()
	go func() {
		var closeReason string
		defer func() {
			if h.hub.OnDisconnect(client.ID) {
				publishLifecycle(lifecycleCtx, client, "ws_disconnect", closeReason)
			}
			observability.DecWSActive(string(channel))
		}()
		if err := client.ReadPump(h.handleFrame); err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent(string(channel), "ws_error")
			}
		}
	}()
}

func (h *Handler) handleFrame(c *Client, raw []byte) {
	var frame models.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.reply(c, models.ErrorData{Message: "malformed frame"})
		return
	}
	if !c.limiter.Allow() {
		h.reply(c, models.ErrorData{Message: "rate limited", ChatID: frame.ChatID})
		return
	}

	switch frame.Type {
	case models.ClientFrameJoinChat:
		h.joinChat(c, frame.ChatID)
	case models.ClientFrameLeaveChat:
		if err := h.hub.LeaveResourceGroup(c.ID, frame.ChatID); err != nil {
			h.reply(c, models.ErrorData{Message: err.Error(), ChatID: frame.ChatID})
		}
	default:
		h.reply(c, models.ErrorData{Message: "unknown frame type"})
	}
}

func (h *Handler) joinChat(c *Client, chatID int) {
	if c.Channel != models.ChannelChat {
		h.reply(c, models.ErrorData{Message: "chat frames are only accepted on the chat channel", ChatID: chatID})
		return
	}
	if chatID <= 0 {
		h.reply(c, models.ErrorData{Message: "invalid chat id", ChatID: chatID})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), accessCheckTimeout)
	defer cancel()
	ok, err := h.chats.IsParticipant(ctx, chatID, c.UserID)
	if err != nil {
		log.L().Error().Err(err).Str(log.FieldConnID, c.ID).Int("chat_id", chatID).Msg("chat access check failed")
		h.reply(c, models.ErrorData{Message: "unable to verify chat access", ChatID: chatID})
		return
	}
	if !ok {
		h.reply(c, models.ErrorData{Message: "not authorized for chat", ChatID: chatID})
		return
	}

	if err := h.hub.JoinResourceGroup(c.ID, chatID); err != nil {
		h.reply(c, models.ErrorData{Message: err.Error(), ChatID: chatID})
	}
}

func (h *Handler) reply(c *Client, data models.ErrorData) {
	if err := c.SendEvent(models.ServerEventError, data); err != nil {
		log.L().Debug().Err(err).Str(log.FieldConnID, c.ID).Msg("error reply not queued")
	}
}

// tokenFromRequest prefers the query parameter; browsers cannot set headers on websocket upgrades.
func tokenFromRequest(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}
