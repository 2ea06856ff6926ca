package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/broadcaster"
	"realtime-service/internal/models"
)

// EventBroadcaster is implemented by broadcaster.Broadcaster.
type EventBroadcaster interface {
	Broadcast(ctx context.Context, event models.DomainEvent) broadcaster.Report
}

// InternalHandler accepts events from the data layer over HTTP.
type InternalHandler struct {
	broadcaster EventBroadcaster
}

func NewInternalHandler(b EventBroadcaster) *InternalHandler {
	return &InternalHandler{broadcaster: b}
}

// Register mounts the routes; callers guard r with the internal token.
func (h *InternalHandler) Register(r gin.IRoutes) {
	r.POST("/internal/events", h.PublishEvent)
	r.POST("/internal/users/:user_id/disconnect", h.DisconnectUser)
}

// PublishEvent handles POST /internal/events.
func (h *InternalHandler) PublishEvent(c *gin.Context) {
	var event models.DomainEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := event.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	// the write already committed; a caller hanging up must not cut the fan-out short
	report := h.broadcaster.Broadcast(context.WithoutCancel(c.Request.Context()), event)
	c.JSON(http.StatusAccepted, reportBody(report))
}

// DisconnectUser handles POST /internal/users/:user_id/disconnect.
func (h *InternalHandler) DisconnectUser(c *gin.Context) {
	userID, err := strconv.Atoi(c.Param("user_id"))
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	report := h.broadcaster.Broadcast(context.WithoutCancel(c.Request.Context()), models.DomainEvent{
		Kind:          models.EventUserBanned,
		TargetUserIDs: []int{userID},
		OccurredAt:    time.Now().UTC(),
	})
	c.JSON(http.StatusAccepted, reportBody(report))
}

func reportBody(r broadcaster.Report) gin.H {
	return gin.H{
		"live_delivered": r.LiveDelivered,
		"push_attempted": r.PushAttempted,
		"push_gone":      r.PushGone,
		"push_failed":    r.PushFailed,
		"disconnected":   r.Disconnected,
	}
}
