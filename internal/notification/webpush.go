package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/metrics"
	"vlog-backend/internal/model"
	"vlog-backend/internal/store"
)

// Pusher defines the interface for sending a web push notification.
type Pusher interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushPusher is a real implementation of Pusher using the webpush library.
type WebPushPusher struct{}

// Send sends a notification using the webpush library.
func (WebPushPusher) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WebPushSender sends record requests to every push subscription of a user.
type WebPushSender struct {
	subs    store.SubscriptionStore
	webpush *webpush.Options
	pusher  Pusher
	log     zerolog.Logger
}

// NewWebPushSender creates a sender using the real webpush transport.
func NewWebPushSender(subs store.SubscriptionStore, options *webpush.Options, log zerolog.Logger) *WebPushSender {
	return &WebPushSender{
		subs:    subs,
		webpush: options,
		pusher:  WebPushPusher{},
		log:     log.With().Str("component", "webpush").Logger(),
	}
}

type recordPayload struct {
	Type                   string `json:"type"`
	RequestID              string `json:"requestId"`
	LivestreamID           string `json:"livestreamId"`
	IngestURL              string `json:"ingestUrl"`
	StreamName             string `json:"streamName"`
	Username               string `json:"username,omitempty"`
	Password               string `json:"password,omitempty"`
	PlaybackURL            string `json:"playbackUrl"`
	ResponseTimeoutSeconds int    `json:"responseTimeoutSeconds"`
	ExpiresAt              string `json:"expiresAt"`
}

// SendRecordRequest pushes req to all of the user's devices. A user with no
// subscriptions yields an empty outcome; an error is returned only when every
// device failed.
func (s *WebPushSender) SendRecordRequest(ctx context.Context, req RecordRequest) (Outcome, error) {
	subs, err := s.subs.ListSubscriptions(ctx, req.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return Outcome{}, nil
	}

	payload, err := json.Marshal(recordPayload{
		Type:                   "record_request",
		RequestID:              req.RequestID,
		LivestreamID:           req.LivestreamID,
		IngestURL:              req.Connection.IngestURL,
		StreamName:             req.Connection.StreamName,
		Username:               req.Connection.Username,
		Password:               req.Connection.Password,
		PlaybackURL:            req.Connection.PlaybackURL,
		ResponseTimeoutSeconds: int(req.ResponseTimeout.Seconds()),
		ExpiresAt:              req.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var outcome Outcome
	var errs []error
	for _, sub := range subs {
		switch err := s.sendOne(ctx, sub, payload); {
		case err == nil:
			outcome.Delivered++
		case errors.Is(err, errSubscriptionGone):
			outcome.Expired++
		default:
			outcome.Failed++
			errs = append(errs, err)
		}
	}

	if outcome.Delivered == 0 && outcome.Failed > 0 {
		return outcome, apperr.Vendor("send_record_request", req.UserID, errors.Join(errs...))
	}
	return outcome, nil
}

var errSubscriptionGone = errors.New("push subscription gone")

// sendOne sends a single web push notification.
func (s *WebPushSender) sendOne(ctx context.Context, sub model.PushSubscription, payload []byte) error {
	// Manually construct the webpush.Subscription object
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := s.pusher.Send(payload, wpSub, s.webpush)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("error sending notification")
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		metrics.NotificationsSent.WithLabelValues("expired").Inc()
		s.log.Info().Str("endpoint", sub.Endpoint).Msg("subscription expired, deleting")
		if err := s.subs.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			s.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
		return errSubscriptionGone
	case resp.StatusCode >= 300:
		metrics.NotificationsSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	}
	metrics.NotificationsSent.WithLabelValues("delivered").Inc()
	return nil
}
