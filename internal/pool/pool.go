// Package pool maintains the set of pre-provisioned livestreams and hands them
// out to users.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/clock"
	"vlog-backend/internal/livestream"
	"vlog-backend/internal/metrics"
	"vlog-backend/internal/model"
	"vlog-backend/internal/store"
)

const (
	claimBatchSize = 5
	claimRounds    = 3
	cleanupBatch   = 100
)

// Config bounds the pool.
type Config struct {
	MaxPoolSize               int
	MaxCreateRequestsPerCycle int
	CreateConcurrency         int
}

// Manager is the livestream pool manager.
type Manager struct {
	store    store.LivestreamStore
	vendor   livestream.Client
	clock    clock.Clock
	cfg      Config
	log      zerolog.Logger
	inFlight atomic.Int64
}

// NewManager creates a new pool manager.
func NewManager(s store.LivestreamStore, vendor livestream.Client, clk clock.Clock, cfg Config, log zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.CreateConcurrency <= 0 {
		cfg.CreateConcurrency = 1
	}
	return &Manager{
		store:  s,
		vendor: vendor,
		clock:  clk,
		cfg:    cfg,
		log:    log.With().Str("component", "pool").Logger(),
	}
}

// ReserveForUser claims an available livestream for userID, creating one when
// the pool is empty. A user that already owns a non-terminal livestream is
// refused with apperr.ErrUserHasActiveLivestream.
func (m *Manager) ReserveForUser(ctx context.Context, userID string) (*model.Livestream, error) {
	for round := 0; round < claimRounds; round++ {
		owned, err := m.store.GetOwnedByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(owned) > 0 {
			return nil, apperr.ErrUserHasActiveLivestream
		}

		candidates, err := m.store.GetAvailable(ctx, claimBatchSize)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}
		for i := range candidates {
			ls := &candidates[i]
			won, err := m.store.Claim(ctx, ls, userID)
			if err != nil {
				return nil, err
			}
			if won {
				m.log.Debug().Str("user_id", userID).Str("livestream_id", ls.ID).Msg("claimed pooled livestream")
				return ls, nil
			}
			metrics.PoolClaimConflicts.Inc()
		}
	}

	// Ad hoc creation is not subject to the per-cycle cap.
	owner := userID
	ls, err := m.create(ctx, "adhoc", &owner)
	if errors.Is(err, apperr.ErrUserHasActiveLivestream) {
		// A concurrent reservation for the same user won.
		return nil, err
	}
	if err != nil {
		return nil, &apperr.PoolExhaustedError{UserID: userID, Err: err}
	}
	m.log.Info().Str("user_id", userID).Str("livestream_id", ls.ID).Msg("created livestream on demand")
	return ls, nil
}

// create provisions a vendor stream and records it in the created state.
func (m *Manager) create(ctx context.Context, kind string, owner *string) (*model.Livestream, error) {
	externalID, err := m.vendor.CreateStream(ctx)
	if err != nil {
		metrics.PoolCreations.WithLabelValues(kind, "vendor_error").Inc()
		return nil, err
	}

	now := m.clock.Now().UTC()
	ls := &model.Livestream{
		ID:             uuid.NewString(),
		ExternalID:     externalID,
		State:          model.LivestreamCreated,
		OwnerUserID:    owner,
		Version:        1,
		CreatedAt:      now,
		StateChangedAt: now,
	}
	if err := m.store.InsertLivestream(ctx, ls); err != nil {
		result := "store_error"
		if errors.Is(err, apperr.ErrUserHasActiveLivestream) {
			result = "owner_conflict"
		}
		metrics.PoolCreations.WithLabelValues(kind, result).Inc()
		// The vendor stream never became a pool resource.
		if derr := m.vendor.DeleteStream(context.WithoutCancel(ctx), externalID); derr != nil {
			m.log.Error().Err(derr).Str("external_id", externalID).Msg("failed to delete orphaned vendor stream")
		}
		return nil, err
	}
	metrics.PoolCreations.WithLabelValues(kind, "success").Inc()
	return ls, nil
}

// Release hands a livestream back. A healthy livestream that never left the
// created state returns to the pool; anything else is closed and its vendor
// stream stopped once. Releasing an already released or deleted livestream
// is a no-op.
func (m *Manager) Release(ctx context.Context, ls *model.Livestream, healthy bool) error {
	cur, err := m.store.GetLivestream(ctx, ls.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { *ls = *cur }()

	if healthy && cur.State == model.LivestreamCreated {
		if cur.OwnerUserID == nil {
			return nil
		}
		if _, err := m.store.Unclaim(ctx, cur); err != nil {
			return err
		}
		return nil
	}

	if !cur.State.Terminal() {
		if _, err := m.store.ForceTerminal(ctx, cur, model.LivestreamClosed); err != nil {
			return err
		}
	}
	if cur.VendorReleased {
		return nil
	}
	won, err := m.store.MarkVendorReleased(ctx, cur)
	if err != nil || !won {
		return err
	}
	if err := m.vendor.StopStream(ctx, cur.ExternalID); err != nil {
		// Leave the flag clear so a later release retries the stop.
		if cerr := m.store.ClearVendorReleased(context.WithoutCancel(ctx), cur); cerr != nil {
			m.log.Error().Err(cerr).Str("livestream_id", cur.ID).Msg("failed to clear vendor-released flag")
		}
		return err
	}
	m.log.Info().Str("livestream_id", cur.ID).Str("state", string(cur.State)).Msg("released livestream")
	return nil
}

// ReplenishResult summarises one replenishment pass.
type ReplenishResult struct {
	Available int
	InFlight  int
	Deficit   int
	Requested int
	Created   int
	Failed    int
}

// Replenish tops the pool up towards MaxPoolSize, creating at most
// MaxCreateRequestsPerCycle livestreams. Creations already in flight from a
// previous pass count against the deficit. A failed creation is logged and
// does not stop the others.
func (m *Manager) Replenish(ctx context.Context) (ReplenishResult, error) {
	available, err := m.store.CountAvailable(ctx)
	if err != nil {
		return ReplenishResult{}, fmt.Errorf("failed to count pool: %w", err)
	}
	metrics.PoolAvailable.Set(float64(available))

	res := ReplenishResult{Available: available, InFlight: int(m.inFlight.Load())}
	res.Deficit = m.cfg.MaxPoolSize - available - res.InFlight
	res.Requested = min(res.Deficit, m.cfg.MaxCreateRequestsPerCycle)
	if res.Requested <= 0 {
		res.Requested = 0
		return res, nil
	}

	m.inFlight.Add(int64(res.Requested))
	var created, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.CreateConcurrency)
	for i := 0; i < res.Requested; i++ {
		g.Go(func() error {
			defer m.inFlight.Add(-1)
			ls, err := m.create(gctx, "replenish", nil)
			if err != nil {
				failed.Add(1)
				m.log.Warn().Err(err).Msg("failed to create pool livestream")
				return nil
			}
			created.Add(1)
			m.log.Debug().Str("livestream_id", ls.ID).Str("external_id", ls.ExternalID).Msg("created pool livestream")
			return nil
		})
	}
	_ = g.Wait()

	res.Created = int(created.Load())
	res.Failed = int(failed.Load())
	metrics.PoolAvailable.Set(float64(available + res.Created))
	m.log.Info().
		Int("available", available).
		Int("requested", res.Requested).
		Int("created", res.Created).
		Int("failed", res.Failed).
		Msg("replenished livestream pool")
	return res, nil
}

// CleanupResult summarises one cleanup pass.
type CleanupResult struct {
	Deleted int
	Failed  int
}

// Cleanup deletes terminal livestreams whose last state change is older than
// olderThan, first at the vendor and then from the store.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupResult, error) {
	cutoff := m.clock.Now().Add(-olderThan)
	stale, err := m.store.ListTerminalBefore(ctx, cutoff, cleanupBatch)
	if err != nil {
		return CleanupResult{}, err
	}

	var res CleanupResult
	for _, ls := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.vendor.DeleteStream(ctx, ls.ExternalID); err != nil {
			res.Failed++
			metrics.PoolCleanups.WithLabelValues("vendor_error").Inc()
			m.log.Warn().Err(err).Str("livestream_id", ls.ID).Msg("failed to delete vendor stream")
			continue
		}
		if err := m.store.DeleteLivestream(ctx, ls.ID); err != nil {
			res.Failed++
			metrics.PoolCleanups.WithLabelValues("store_error").Inc()
			m.log.Warn().Err(err).Str("livestream_id", ls.ID).Msg("failed to delete livestream record")
			continue
		}
		res.Deleted++
		metrics.PoolCleanups.WithLabelValues("success").Inc()
	}
	if len(stale) > 0 {
		m.log.Info().Int("deleted", res.Deleted).Int("failed", res.Failed).Msg("cleaned up terminal livestreams")
	}
	return res, nil
}

// Stats is a snapshot of the pool.
type Stats struct {
	MaxPoolSize int                           `json:"maxPoolSize"`
	Available   int                           `json:"available"`
	InFlight    int                           `json:"inFlight"`
	ByState     map[model.LivestreamState]int `json:"byState"`
}

// Stats returns the current pool counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	available, err := m.store.CountAvailable(ctx)
	if err != nil {
		return Stats{}, err
	}
	byState, err := m.store.CountByState(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		MaxPoolSize: m.cfg.MaxPoolSize,
		Available:   available,
		InFlight:    int(m.inFlight.Load()),
		ByState:     byState,
	}, nil
}
