package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vlog-backend/internal/model"
)

const (
	streamEventStarted = "started"
	streamEventStopped = "stopped"
)

type streamEventRequest struct {
	Event string `json:"event" binding:"required,oneof=started stopped"`
}

// PostStreamEvent handles stream start/stop notifications.
func (h *Handler) PostStreamEvent(c *gin.Context) {
	var req streamEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		ls  *model.Livestream
		err error
	)
	ctx := c.Request.Context()
	switch req.Event {
	case streamEventStarted:
		ls, err = h.lifecycle.StreamStarted(ctx, c.Param("id"))
	case streamEventStopped:
		ls, err = h.lifecycle.StreamStopped(ctx, c.Param("id"))
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ls)
}

// GetLivestream returns a single livestream.
func (h *Handler) GetLivestream(c *gin.Context) {
	ls, err := h.store.GetLivestream(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ls)
}

// GetPool returns pool counts.
func (h *Handler) GetPool(c *gin.Context) {
	stats, err := h.pool.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Healthz reports whether the database is reachable.
func (h *Handler) Healthz(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
