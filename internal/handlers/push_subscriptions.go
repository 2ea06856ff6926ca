package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/log"
	"realtime-service/internal/middleware"
	"realtime-service/internal/models"
	"realtime-service/internal/push"
	"realtime-service/internal/repositories"
	"realtime-service/internal/telemetry"
)

// PushSubscriptionHandler lets clients opt in and out of durable push delivery.
type PushSubscriptionHandler struct {
	store          repositories.PushSubscriptionStore
	audit          *telemetry.AuditEmitter
	vapidPublicKey string
}

// NewPushSubscriptionHandler constructs a PushSubscriptionHandler.
func NewPushSubscriptionHandler(store repositories.PushSubscriptionStore, audit *telemetry.AuditEmitter, vapidPublicKey string) *PushSubscriptionHandler {
	return &PushSubscriptionHandler{store: store, audit: audit, vapidPublicKey: vapidPublicKey}
}

// Register mounts the routes; auth must already be applied to r.
func (h *PushSubscriptionHandler) Register(r gin.IRoutes) {
	r.GET("/push/vapid-public-key", h.VAPIDPublicKey)
	r.GET("/push/subscriptions", h.List)
	r.POST("/push/subscriptions", h.Subscribe)
	r.DELETE("/push/subscriptions", h.Unsubscribe)
	r.DELETE("/push/subscriptions/all", h.UnsubscribeAll)
}

// VAPIDPublicKey returns the application server key browsers need to subscribe.
func (h *PushSubscriptionHandler) VAPIDPublicKey(c *gin.Context) {
	if h.vapidPublicKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "web push not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.vapidPublicKey})
}

// Subscribe handles POST /push/subscriptions.
func (h *PushSubscriptionHandler) Subscribe(c *gin.Context) {
	userID := c.GetInt(middleware.UserIDKey)

	var desc models.EndpointDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		emitAudit(c, h.audit, telemetry.LevelError, "invalid push subscription payload", nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := push.ValidateEndpoint(desc.Kind, desc.Endpoint); err != nil {
		emitAudit(c, h.audit, telemetry.LevelWarn, "rejected push endpoint", map[string]string{"kind": string(desc.Kind)})
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint must be a public https url"})
		return
	}
	if desc.Kind == models.PushKindWebPush && (desc.Keys.P256dh == "" || desc.Keys.Auth == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "web push subscriptions require p256dh and auth keys"})
		return
	}

	sub, err := h.store.Subscribe(c.Request.Context(), userID, desc)
	if err != nil {
		log.Ctx(c.Request.Context()).Error().Err(err).Int(log.FieldUserID, userID).Msg("subscribe push endpoint")
		emitAudit(c, h.audit, telemetry.LevelError, "internal error", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save subscription"})
		return
	}

	emitAudit(c, h.audit, telemetry.LevelInfo, "Push subscription created", map[string]string{"kind": string(sub.Kind)})
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// Unsubscribe handles DELETE /push/subscriptions.
func (h *PushSubscriptionHandler) Unsubscribe(c *gin.Context) {
	userID := c.GetInt(middleware.UserIDKey)

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.store.Unsubscribe(c.Request.Context(), userID, req.Endpoint)
	switch {
	case errors.Is(err, repositories.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	case err != nil:
		emitAudit(c, h.audit, telemetry.LevelError, "internal error", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not remove subscription"})
		return
	}

	emitAudit(c, h.audit, telemetry.LevelInfo, "Push subscription removed", nil)
	c.Status(http.StatusNoContent)
}

// UnsubscribeAll handles DELETE /push/subscriptions/all.
func (h *PushSubscriptionHandler) UnsubscribeAll(c *gin.Context) {
	userID := c.GetInt(middleware.UserIDKey)

	n, err := h.store.UnsubscribeAll(c.Request.Context(), userID)
	if err != nil {
		emitAudit(c, h.audit, telemetry.LevelError, "internal error", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not remove subscriptions"})
		return
	}

	emitAudit(c, h.audit, telemetry.LevelInfo, "All push subscriptions removed", nil)
	c.JSON(http.StatusOK, gin.H{"deactivated": n})
}

// List handles GET /push/subscriptions.
func (h *PushSubscriptionHandler) List(c *gin.Context) {
	subs, err := h.store.ListActive(c.Request.Context(), c.GetInt(middleware.UserIDKey))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}
