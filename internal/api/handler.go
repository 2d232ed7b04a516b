// Package api exposes the HTTP surface used by client apps and the vendor.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/model"
	"vlog-backend/internal/pool"
	"vlog-backend/internal/store"
)

// Lifecycle applies user and vendor events to requests and livestreams.
type Lifecycle interface {
	Accept(ctx context.Context, requestID string) (*model.Livestream, error)
	Reject(ctx context.Context, requestID string) error
	StreamStarted(ctx context.Context, livestreamID string) (*model.Livestream, error)
	StreamStopped(ctx context.Context, livestreamID string) (*model.Livestream, error)
}

// PoolStats reports the livestream pool.
type PoolStats interface {
	Stats(ctx context.Context) (pool.Stats, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	lifecycle Lifecycle
	pool      PoolStats
	webpush   *webpush.Options
	log       zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, lifecycle Lifecycle, p PoolStats, webpushOptions *webpush.Options, log zerolog.Logger) *Handler {
	return &Handler{
		store:     s,
		lifecycle: lifecycle,
		pool:      p,
		webpush:   webpushOptions,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case apperr.IsInvalidTransition(err), errors.Is(err, apperr.ErrUserHasActiveLivestream):
		status = http.StatusConflict
	case apperr.IsVendor(err):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
