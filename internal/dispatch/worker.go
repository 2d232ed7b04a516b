// Package dispatch delivers vlog requests to users and applies their answers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/clock"
	"vlog-backend/internal/livestream"
	"vlog-backend/internal/metrics"
	"vlog-backend/internal/model"
	"vlog-backend/internal/notification"
	"vlog-backend/internal/pool"
	"vlog-backend/internal/runner"
	"vlog-backend/internal/session"
	"vlog-backend/internal/store"
)

const releaseTimeout = 15 * time.Second

// Pool is the part of the pool manager the worker needs.
type Pool interface {
	ReserveForUser(ctx context.Context, userID string) (*model.Livestream, error)
	Release(ctx context.Context, ls *model.Livestream, healthy bool) error
	Replenish(ctx context.Context) (pool.ReplenishResult, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (pool.CleanupResult, error)
}

// Sessions is the part of the session manager the worker needs.
type Sessions interface {
	Apply(ctx context.Context, id string, ev session.Event) (*model.Livestream, error)
	ApplyTo(ctx context.Context, ls *model.Livestream, ev session.Event) error
	ConfirmStopped(ctx context.Context, id string) (*model.Livestream, error)
	WatchResponse(ls *model.Livestream)
	WatchConnect(ls *model.Livestream)
	Cancel(id string)
}

// Worker runs the per-user dispatch flow and the request lifecycle.
type Worker struct {
	requests        store.RequestStore
	livestreams     store.LivestreamStore
	pool            Pool
	sessions        Sessions
	vendor          livestream.Client
	sender          notification.Sender
	clock           clock.Clock
	responseTimeout time.Duration
	log             zerolog.Logger
}

// Deps groups the collaborators of a Worker.
type Deps struct {
	Requests    store.RequestStore
	Livestreams store.LivestreamStore
	Pool        Pool
	Sessions    Sessions
	Vendor      livestream.Client
	Sender      notification.Sender
	Clock       clock.Clock
}

// NewWorker creates a new dispatch worker.
func NewWorker(d Deps, responseTimeout time.Duration, log zerolog.Logger) *Worker {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Worker{
		requests:        d.Requests,
		livestreams:     d.Livestreams,
		pool:            d.Pool,
		sessions:        d.Sessions,
		vendor:          d.Vendor,
		sender:          d.Sender,
		clock:           d.Clock,
		responseTimeout: responseTimeout,
		log:             log.With().Str("component", "dispatch").Logger(),
	}
}

// Handle processes a background job.
func (w *Worker) Handle(ctx context.Context, job runner.Job) error {
	switch j := job.(type) {
	case runner.DispatchJob:
		return w.Dispatch(ctx, j.RequestID)
	case runner.ReplenishJob:
		_, err := w.pool.Replenish(ctx)
		return err
	case runner.CleanupJob:
		w.retryPendingClosures(ctx)
		_, err := w.pool.Cleanup(ctx, j.OlderThan)
		return err
	default:
		return fmt.Errorf("unknown job type %T", job)
	}
}

// Dispatch sends request id to its user: mark sent, reserve a livestream,
// move it to pending_user, start the vendor stream and push the connection
// details. Nothing is rolled back once the request is sent; failures after
// that point are logged and the response watchdog closes the livestream.
func (w *Worker) Dispatch(ctx context.Context, id string) error {
	req, err := w.requests.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	log := w.log.With().Str("request_id", req.ID).Str("user_id", req.UserID).Logger()

	if err := w.requests.MarkState(ctx, req.ID, model.RequestSent); err != nil {
		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		return err
	}

	ls, err := w.pool.ReserveForUser(ctx, req.UserID)
	if err != nil {
		var pe *apperr.PoolExhaustedError
		switch {
		case errors.As(err, &pe):
			metrics.DispatchOutcomes.WithLabelValues("pool_exhausted").Inc()
		case errors.Is(err, apperr.ErrUserHasActiveLivestream):
			metrics.DispatchOutcomes.WithLabelValues("active_livestream").Inc()
		default:
			metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		}
		log.Warn().Err(err).Msg("failed to reserve livestream")
		return err
	}
	log = log.With().Str("livestream_id", ls.ID).Str("external_id", ls.ExternalID).Logger()

	if err := w.requests.AttachLivestream(ctx, req.ID, ls.ID); err != nil {
		w.abandon(ctx, ls, true, log)
		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		return err
	}
	if err := w.sessions.ApplyTo(ctx, ls, session.EventNotified); err != nil {
		w.abandon(ctx, ls, true, log)
		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		return err
	}
	w.sessions.WatchResponse(ls)

	if err := ctx.Err(); err != nil {
		w.abandon(ctx, ls, false, log)
		metrics.DispatchOutcomes.WithLabelValues("cancelled").Inc()
		return err
	}

	if err := w.vendor.StartStream(ctx, ls.ExternalID); err != nil {
		log.Warn().Err(err).Msg("failed to start vendor stream")
	}

	details, err := w.vendor.GetConnectionDetails(ctx, ls.ExternalID)
	if err != nil {
		if ctx.Err() != nil {
			w.abandon(ctx, ls, false, log)
		}
		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to fetch connection details")
		return err
	}

	outcome, err := w.sender.SendRecordRequest(ctx, notification.RecordRequest{
		RequestID:       req.ID,
		LivestreamID:    ls.ID,
		UserID:          req.UserID,
		Connection:      details,
		ResponseTimeout: w.responseTimeout,
		ExpiresAt:       w.clock.Now().Add(w.responseTimeout),
	})
	if err != nil {
		if ctx.Err() != nil {
			w.abandon(ctx, ls, false, log)
		}
		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to send record request")
		return err
	}
	if !outcome.Reached() {
		metrics.DispatchOutcomes.WithLabelValues("unreached").Inc()
		log.Warn().Int("expired", outcome.Expired).Msg("record request reached no device")
		return nil
	}

	metrics.DispatchOutcomes.WithLabelValues("notified").Inc()
	log.Info().Int("devices", outcome.Delivered).Msg("record request sent")
	return nil
}

// abandon releases a reserved livestream on a context that outlives ctx.
func (w *Worker) abandon(ctx context.Context, ls *model.Livestream, healthy bool, log zerolog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	w.sessions.Cancel(ls.ID)
	if err := w.pool.Release(rctx, ls, healthy); err != nil {
		log.Error().Err(err).Msg("failed to release livestream")
	}
}

// Accept records the user's acceptance and arms the connect watchdog.
func (w *Worker) Accept(ctx context.Context, requestID string) (*model.Livestream, error) {
	req, ls, err := w.requestLivestream(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := w.sessions.ApplyTo(ctx, ls, session.EventAccept); err != nil {
		return nil, err
	}
	w.sessions.WatchConnect(ls)
	if err := w.requests.MarkState(ctx, req.ID, model.RequestAccepted); err != nil {
		return nil, err
	}
	return ls, nil
}

// Reject records the user's refusal and closes the livestream.
func (w *Worker) Reject(ctx context.Context, requestID string) error {
	req, ls, err := w.requestLivestream(ctx, requestID)
	if err != nil {
		return err
	}
	if ls.State != model.LivestreamPendingUser {
		return &apperr.InvalidTransitionError{Entity: "livestream", ID: ls.ID, From: string(ls.State), Event: "reject"}
	}
	if err := w.requests.MarkState(ctx, req.ID, model.RequestRejected); err != nil {
		return err
	}
	w.sessions.Cancel(ls.ID)
	return w.pool.Release(ctx, ls, false)
}

func (w *Worker) requestLivestream(ctx context.Context, requestID string) (*model.VlogRequest, *model.Livestream, error) {
	req, err := w.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.LivestreamID == nil {
		return nil, nil, &apperr.InvalidTransitionError{Entity: "request", ID: req.ID, From: string(req.State), Event: "respond"}
	}
	ls, err := w.livestreams.GetLivestream(ctx, *req.LivestreamID)
	if err != nil {
		return nil, nil, err
	}
	return req, ls, nil
}

// StreamStarted records that the first stream data arrived.
func (w *Worker) StreamStarted(ctx context.Context, livestreamID string) (*model.Livestream, error) {
	return w.sessions.Apply(ctx, livestreamID, session.EventStreamStarted)
}

// StreamStopped records that the user stopped streaming and closes the
// livestream at the vendor. Repeating it while the livestream is still
// pending closure retries the vendor stop.
func (w *Worker) StreamStopped(ctx context.Context, livestreamID string) (*model.Livestream, error) {
	ls, err := w.livestreams.GetLivestream(ctx, livestreamID)
	if err != nil {
		return nil, err
	}
	if ls.State != model.LivestreamPendingClosure {
		if err := w.sessions.ApplyTo(ctx, ls, session.EventStreamStopped); err != nil {
			return nil, err
		}
	}
	return w.sessions.ConfirmStopped(ctx, livestreamID)
}

func (w *Worker) retryPendingClosures(ctx context.Context) {
	pending, err := w.livestreams.ListByStates(ctx, model.LivestreamPendingClosure)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to list livestreams pending closure")
		return
	}
	for _, ls := range pending {
		if _, err := w.sessions.ConfirmStopped(ctx, ls.ID); err != nil {
			w.log.Warn().Err(err).Str("livestream_id", ls.ID).Msg("livestream still pending closure")
		}
	}
}
