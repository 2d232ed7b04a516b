package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/clock"
	"vlog-backend/internal/livestream"
	"vlog-backend/internal/metrics"
	"vlog-backend/internal/model"
	"vlog-backend/internal/store"
)

const watchdogCallTimeout = 30 * time.Second

// Releaser hands a livestream back to the pool.
type Releaser interface {
	Release(ctx context.Context, ls *model.Livestream, healthy bool) error
}

// Config holds the watchdog windows.
type Config struct {
	ResponseTimeout time.Duration
	ConnectTimeout  time.Duration
}

type watchKind string

const (
	watchResponse watchKind = "response"
	watchConnect  watchKind = "connect"
)

type watch struct {
	kind    watchKind
	version int64
	timer   clock.Timer
}

// Manager applies lifecycle events to livestreams and owns their watchdog
// timers. At most one watchdog is armed per livestream.
type Manager struct {
	livestreams store.LivestreamStore
	requests    store.RequestStore
	vendor      livestream.Client
	releaser    Releaser
	clock       clock.Clock
	cfg         Config
	log         zerolog.Logger

	mu      sync.Mutex
	watches map[string]*watch
	stopped bool
	wg      sync.WaitGroup
}

// NewManager creates a new session manager.
func NewManager(ls store.LivestreamStore, reqs store.RequestStore, vendor livestream.Client, rel Releaser, clk clock.Clock, cfg Config, log zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		livestreams: ls,
		requests:    reqs,
		vendor:      vendor,
		releaser:    rel,
		clock:       clk,
		cfg:         cfg,
		log:         log.With().Str("component", "session").Logger(),
		watches:     make(map[string]*watch),
	}
}

// Apply loads livestream id and applies ev to it.
func (m *Manager) Apply(ctx context.Context, id string, ev Event) (*model.Livestream, error) {
	ls, err := m.livestreams.GetLivestream(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.ApplyTo(ctx, ls, ev); err != nil {
		return nil, err
	}
	return ls, nil
}

// ApplyTo applies ev to ls, which must reflect the stored state and version.
// The change is persisted with a compare-and-swap; losing it to a concurrent
// change is reported as an InvalidTransitionError. A user-driven transition
// cancels any watchdog armed for the livestream.
func (m *Manager) ApplyTo(ctx context.Context, ls *model.Livestream, ev Event) error {
	from := ls.State
	to, ok := Next(from, ev)
	if !ok {
		return invalid(ls, from, ev)
	}
	won, err := m.livestreams.Transition(ctx, ls, to)
	if err != nil {
		return err
	}
	if !won {
		return invalid(ls, from, ev)
	}
	metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.log.Info().
		Str("livestream_id", ls.ID).
		Str("event", string(ev)).
		Str("from", string(from)).
		Str("state", string(to)).
		Msg("livestream transitioned")

	if ev != EventResponseTimeout && ev != EventConnectTimeout {
		m.Cancel(ls.ID)
	}
	return nil
}

func invalid(ls *model.Livestream, from model.LivestreamState, ev Event) error {
	return &apperr.InvalidTransitionError{Entity: "livestream", ID: ls.ID, From: string(from), Event: string(ev)}
}

// ConfirmStopped stops the vendor stream of a livestream in pending closure
// and closes it. When the vendor call fails the livestream stays in pending
// closure and the vendor error is returned.
func (m *Manager) ConfirmStopped(ctx context.Context, id string) (*model.Livestream, error) {
	ls, err := m.livestreams.GetLivestream(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := Next(ls.State, EventVendorStopped); !ok {
		return nil, invalid(ls, ls.State, EventVendorStopped)
	}
	if !ls.VendorReleased {
		if err := m.vendor.StopStream(ctx, ls.ExternalID); err != nil {
			return nil, apperr.Vendor("stop_stream", ls.ExternalID, err)
		}
		if _, err := m.livestreams.MarkVendorReleased(ctx, ls); err != nil {
			m.log.Warn().Err(err).Str("livestream_id", ls.ID).Msg("failed to flag vendor stream as stopped")
		}
	}
	if err := m.ApplyTo(ctx, ls, EventVendorStopped); err != nil {
		return nil, err
	}
	return ls, nil
}

// WatchResponse arms the response watchdog for ls at its current version.
func (m *Manager) WatchResponse(ls *model.Livestream) {
	m.arm(ls.ID, ls.Version, watchResponse, m.cfg.ResponseTimeout)
}

// WatchConnect arms the connect watchdog for ls at its current version.
func (m *Manager) WatchConnect(ls *model.Livestream) {
	m.arm(ls.ID, ls.Version, watchConnect, m.cfg.ConnectTimeout)
}

func (m *Manager) arm(id string, version int64, kind watchKind, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if prev, ok := m.watches[id]; ok {
		prev.timer.Stop()
	}
	w := &watch{kind: kind, version: version}
	w.timer = m.clock.AfterFunc(d, func() { m.fire(id, w) })
	m.watches[id] = w
}

// Cancel disarms the watchdog of livestream id, if any.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[id]; ok {
		w.timer.Stop()
		delete(m.watches, id)
	}
}

// Armed reports how many watchdogs are pending.
func (m *Manager) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

func (m *Manager) fire(id string, w *watch) {
	m.mu.Lock()
	if m.stopped || m.watches[id] != w {
		m.mu.Unlock()
		metrics.WatchdogFirings.WithLabelValues(string(w.kind), "stale").Inc()
		return
	}
	delete(m.watches, id)
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), watchdogCallTimeout)
	defer cancel()
	m.expire(ctx, id, w.kind, w.version)
}

// expire applies the timeout for kind if livestream id is still at version.
func (m *Manager) expire(ctx context.Context, id string, kind watchKind, version int64) {
	log := m.log.With().Str("livestream_id", id).Str("watchdog", string(kind)).Logger()

	ls, err := m.livestreams.GetLivestream(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		metrics.WatchdogFirings.WithLabelValues(string(kind), "stale").Inc()
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to load livestream for watchdog")
		return
	}
	if ls.Version != version {
		metrics.WatchdogFirings.WithLabelValues(string(kind), "stale").Inc()
		log.Debug().Int64("armed_version", version).Int64("version", ls.Version).Msg("watchdog superseded")
		return
	}

	ev := EventConnectTimeout
	if kind == watchResponse {
		ev = EventResponseTimeout
	}
	if err := m.ApplyTo(ctx, ls, ev); err != nil {
		if apperr.IsInvalidTransition(err) {
			metrics.WatchdogFirings.WithLabelValues(string(kind), "stale").Inc()
			return
		}
		log.Error().Err(err).Msg("failed to apply timeout")
		return
	}
	metrics.WatchdogFirings.WithLabelValues(string(kind), "timed_out").Inc()
	log.Info().Msg("livestream timed out")

	if kind == watchResponse {
		m.timeOutRequest(ctx, ls.ID, log)
	}
	if err := m.releaser.Release(ctx, ls, false); err != nil {
		log.Error().Err(err).Msg("failed to release timed out livestream")
	}
}

func (m *Manager) timeOutRequest(ctx context.Context, livestreamID string, log zerolog.Logger) {
	req, err := m.requests.GetRequestByLivestream(ctx, livestreamID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			log.Error().Err(err).Msg("failed to load request for timed out livestream")
		}
		return
	}
	if err := m.requests.MarkState(ctx, req.ID, model.RequestTimedOut); err != nil {
		log.Warn().Err(err).Str("request_id", req.ID).Msg("failed to mark request timed out")
	}
}

// RecoverResult summarises a restart recovery.
type RecoverResult struct {
	Rearmed  int
	TimedOut int
}

// Recover re-arms watchdogs for livestreams left pending by a previous
// process. Livestreams whose window already elapsed are timed out at once.
func (m *Manager) Recover(ctx context.Context) (RecoverResult, error) {
	pending, err := m.livestreams.ListByStates(ctx, model.LivestreamPendingUser, model.LivestreamPendingUserConnect)
	if err != nil {
		return RecoverResult{}, err
	}

	var res RecoverResult
	now := m.clock.Now()
	for _, ls := range pending {
		kind, window := watchConnect, m.cfg.ConnectTimeout
		if ls.State == model.LivestreamPendingUser {
			kind, window = watchResponse, m.cfg.ResponseTimeout
		}
		remaining := ls.StateChangedAt.Add(window).Sub(now)
		if remaining <= 0 {
			m.expire(ctx, ls.ID, kind, ls.Version)
			res.TimedOut++
			continue
		}
		m.arm(ls.ID, ls.Version, kind, remaining)
		res.Rearmed++
	}
	if len(pending) > 0 {
		m.log.Info().Int("rearmed", res.Rearmed).Int("timed_out", res.TimedOut).Msg("recovered pending livestreams")
	}
	return res, nil
}

// Serve recovers pending watchdogs and keeps them running until ctx is done.
func (m *Manager) Serve(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()

	if _, err := m.Recover(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return ctx.Err()
}

// Stop disarms every watchdog and waits for firing ones to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	for id, w := range m.watches {
		w.timer.Stop()
		delete(m.watches, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
