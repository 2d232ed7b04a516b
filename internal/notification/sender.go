package notification

import (
	"context"
	"time"

	"vlog-backend/internal/livestream"
)

// RecordRequest is the "record a vlog now" notification.
type RecordRequest struct {
	RequestID       string
	LivestreamID    string
	UserID          string
	Connection      livestream.ConnectionDetails
	ResponseTimeout time.Duration
	ExpiresAt       time.Time
}

// Outcome counts per-device delivery results.
type Outcome struct {
	Delivered int
	Expired   int
	Failed    int
}

// Reached reports whether at least one device accepted the notification.
func (o Outcome) Reached() bool {
	return o.Delivered > 0
}

// Sender delivers record requests to a user's devices.
type Sender interface {
	SendRecordRequest(ctx context.Context, req RecordRequest) (Outcome, error)
}
