package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/clock"
	"vlog-backend/internal/livestream/livestreamtest"
	"vlog-backend/internal/model"
	"vlog-backend/internal/store"
	"vlog-backend/internal/store/storetest"
)

const (
	responseTimeout = 2 * time.Minute
	connectTimeout  = time.Minute
)

type releaseCall struct {
	id      string
	healthy bool
}

// mockReleaser records Release calls.
type mockReleaser struct {
	mu    sync.Mutex
	calls []releaseCall
}

func (r *mockReleaser) Release(_ context.Context, ls *model.Livestream, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, releaseCall{id: ls.ID, healthy: healthy})
	return nil
}

func (r *mockReleaser) Calls() []releaseCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]releaseCall(nil), r.calls...)
}

type fixture struct {
	store    store.Store
	vendor   *livestreamtest.Fake
	releaser *mockReleaser
	clock    *clock.Fake
	sessions *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s := store.NewGormStore(storetest.NewSQLite(t), clk)
	f := &fixture{
		store:    s,
		vendor:   livestreamtest.NewFake(),
		releaser: &mockReleaser{},
		clock:    clk,
	}
	f.sessions = NewManager(s, s, f.vendor, f.releaser, clk, Config{
		ResponseTimeout: responseTimeout,
		ConnectTimeout:  connectTimeout,
	}, zerolog.Nop())
	t.Cleanup(f.sessions.Stop)
	return f
}

func (f *fixture) insert(t *testing.T, state model.LivestreamState) *model.Livestream {
	t.Helper()
	// A user owns at most one non-terminal livestream.
	owner := "u-" + uuid.NewString()[:8]
	ls := &model.Livestream{
		ID:          uuid.NewString(),
		ExternalID:  "ext-" + uuid.NewString()[:8],
		State:       state,
		OwnerUserID: &owner,
	}
	require.NoError(t, f.store.InsertLivestream(context.Background(), ls))
	return ls
}

// notified returns a pending_user livestream attached to a sent request.
func (f *fixture) notified(t *testing.T) (*model.Livestream, *model.VlogRequest) {
	t.Helper()
	ctx := context.Background()
	ls := f.insert(t, model.LivestreamCreated)
	req, _, err := f.store.CreateIfAbsent(ctx, "u1", clock.TriggerMinute(f.clock.Now()))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkState(ctx, req.ID, model.RequestSent))
	require.NoError(t, f.store.AttachLivestream(ctx, req.ID, ls.ID))
	require.NoError(t, f.sessions.ApplyTo(ctx, ls, EventNotified))
	return ls, req
}

func (f *fixture) state(t *testing.T, id string) model.LivestreamState {
	t.Helper()
	ls, err := f.store.GetLivestream(context.Background(), id)
	require.NoError(t, err)
	return ls.State
}

func TestManager_ApplyTo_TransitionTable(t *testing.T) {
	legal := map[model.LivestreamState]map[Event]model.LivestreamState{
		model.LivestreamCreated:            {EventNotified: model.LivestreamPendingUser},
		model.LivestreamPendingUser:        {EventAccept: model.LivestreamPendingUserConnect, EventResponseTimeout: model.LivestreamUserNoResponseTimeout},
		model.LivestreamPendingUserConnect: {EventStreamStarted: model.LivestreamLive, EventConnectTimeout: model.LivestreamUserNeverConnectedTimeout},
		model.LivestreamLive:               {EventStreamStopped: model.LivestreamPendingClosure},
		model.LivestreamPendingClosure:     {EventVendorStopped: model.LivestreamClosed},
	}
	states := []model.LivestreamState{
		model.LivestreamCreated,
		model.LivestreamPendingUser,
		model.LivestreamPendingUserConnect,
		model.LivestreamLive,
		model.LivestreamPendingClosure,
		model.LivestreamClosed,
		model.LivestreamUserNoResponseTimeout,
		model.LivestreamUserNeverConnectedTimeout,
	}

	f := newFixture(t)
	for _, from := range states {
		for _, ev := range Events {
			t.Run(string(from)+"/"+string(ev), func(t *testing.T) {
				ls := f.insert(t, from)
				err := f.sessions.ApplyTo(context.Background(), ls, ev)

				want, ok := legal[from][ev]
				if !ok {
					var ite *apperr.InvalidTransitionError
					require.ErrorAs(t, err, &ite)
					assert.Equal(t, string(from), ite.From)
					assert.Equal(t, string(ev), ite.Event)
					assert.Equal(t, from, f.state(t, ls.ID))
					return
				}
				require.NoError(t, err)
				assert.Equal(t, want, ls.State)
				assert.Equal(t, want, f.state(t, ls.ID))
			})
		}
	}
}

func TestManager_ApplyTo_LostRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ls := f.insert(t, model.LivestreamPendingUser)
	stale := *ls

	require.NoError(t, f.sessions.ApplyTo(ctx, ls, EventAccept))
	err := f.sessions.ApplyTo(ctx, &stale, EventResponseTimeout)
	assert.True(t, apperr.IsInvalidTransition(err))
	assert.Equal(t, model.LivestreamPendingUserConnect, f.state(t, ls.ID))
}

func TestManager_ResponseTimeout(t *testing.T) {
	t.Run("fires exactly at the response timeout", func(t *testing.T) {
		f := newFixture(t)
		ls, req := f.notified(t)
		f.sessions.WatchResponse(ls)

		f.clock.Advance(responseTimeout - time.Nanosecond)
		assert.Equal(t, model.LivestreamPendingUser, f.state(t, ls.ID))
		assert.Empty(t, f.releaser.Calls())

		f.clock.Advance(time.Nanosecond)
		assert.Equal(t, model.LivestreamUserNoResponseTimeout, f.state(t, ls.ID))
		assert.Equal(t, []releaseCall{{id: ls.ID, healthy: false}}, f.releaser.Calls())

		got, err := f.store.GetRequest(context.Background(), req.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RequestTimedOut, got.State)
		assert.Zero(t, f.sessions.Armed())
	})

	t.Run("accept just before the deadline cancels it", func(t *testing.T) {
		f := newFixture(t)
		ls, _ := f.notified(t)
		f.sessions.WatchResponse(ls)

		f.clock.Advance(responseTimeout - time.Millisecond)
		_, err := f.sessions.Apply(context.Background(), ls.ID, EventAccept)
		require.NoError(t, err)
		assert.Zero(t, f.sessions.Armed())
		assert.Zero(t, f.clock.Pending())

		f.clock.Advance(time.Hour)
		assert.Equal(t, model.LivestreamPendingUserConnect, f.state(t, ls.ID))
		assert.Empty(t, f.releaser.Calls())
	})

	t.Run("stale timer is ignored after an out-of-band transition", func(t *testing.T) {
		f := newFixture(t)
		ls, _ := f.notified(t)
		f.sessions.WatchResponse(ls)

		moved := *ls
		ok, err := f.store.Transition(context.Background(), &moved, model.LivestreamPendingUserConnect)
		require.NoError(t, err)
		require.True(t, ok)

		f.clock.Advance(responseTimeout)
		assert.Equal(t, model.LivestreamPendingUserConnect, f.state(t, ls.ID))
		assert.Empty(t, f.releaser.Calls())
	})
}

func TestManager_ConnectTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ls, req := f.notified(t)
	require.NoError(t, f.sessions.ApplyTo(ctx, ls, EventAccept))
	f.sessions.WatchConnect(ls)

	f.clock.Advance(connectTimeout)
	assert.Equal(t, model.LivestreamUserNeverConnectedTimeout, f.state(t, ls.ID))
	assert.Equal(t, []releaseCall{{id: ls.ID, healthy: false}}, f.releaser.Calls())

	got, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestSent, got.State, "connect timeout leaves the request alone")
}

func TestManager_StreamStartedCancelsConnectWatchdog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ls, _ := f.notified(t)
	require.NoError(t, f.sessions.ApplyTo(ctx, ls, EventAccept))
	f.sessions.WatchConnect(ls)

	f.clock.Advance(connectTimeout / 2)
	require.NoError(t, f.sessions.ApplyTo(ctx, ls, EventStreamStarted))
	f.clock.Advance(connectTimeout)
	assert.Equal(t, model.LivestreamLive, f.state(t, ls.ID))
}

func TestManager_ConfirmStopped(t *testing.T) {
	ctx := context.Background()

	t.Run("stops vendor stream then closes", func(t *testing.T) {
		f := newFixture(t)
		ls := f.insert(t, model.LivestreamPendingClosure)

		got, err := f.sessions.ConfirmStopped(ctx, ls.ID)
		require.NoError(t, err)
		assert.Equal(t, model.LivestreamClosed, got.State)
		assert.True(t, got.VendorReleased)
		_, _, stopped, _ := f.vendor.Calls()
		assert.Equal(t, []string{ls.ExternalID}, stopped)
	})

	t.Run("vendor failure leaves pending closure", func(t *testing.T) {
		f := newFixture(t)
		ls := f.insert(t, model.LivestreamPendingClosure)
		f.vendor.StopErr = func(string) error { return errors.New("vendor 503") }

		_, err := f.sessions.ConfirmStopped(ctx, ls.ID)
		assert.True(t, apperr.IsVendor(err))
		assert.Equal(t, model.LivestreamPendingClosure, f.state(t, ls.ID))
	})

	t.Run("rejects livestreams not pending closure", func(t *testing.T) {
		f := newFixture(t)
		ls := f.insert(t, model.LivestreamLive)

		_, err := f.sessions.ConfirmStopped(ctx, ls.ID)
		assert.True(t, apperr.IsInvalidTransition(err))
		_, _, stopped, _ := f.vendor.Calls()
		assert.Empty(t, stopped)
	})
}

func TestManager_Recover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	overdue, _ := f.notified(t)
	f.clock.Advance(90 * time.Second)
	fresh := f.insert(t, model.LivestreamCreated)
	require.NoError(t, f.sessions.ApplyTo(ctx, fresh, EventNotified))
	f.clock.Advance(45 * time.Second)

	res, err := f.sessions.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Rearmed: 1, TimedOut: 1}, res)
	assert.Equal(t, model.LivestreamUserNoResponseTimeout, f.state(t, overdue.ID))
	assert.Equal(t, model.LivestreamPendingUser, f.state(t, fresh.ID))

	// fresh entered pending_user 45s ago and has 75s left.
	f.clock.Advance(75*time.Second - time.Nanosecond)
	assert.Equal(t, model.LivestreamPendingUser, f.state(t, fresh.ID))
	f.clock.Advance(time.Nanosecond)
	assert.Equal(t, model.LivestreamUserNoResponseTimeout, f.state(t, fresh.ID))
}

func TestManager_StopDisarms(t *testing.T) {
	f := newFixture(t)
	ls, _ := f.notified(t)
	f.sessions.WatchResponse(ls)
	require.Equal(t, 1, f.sessions.Armed())

	f.sessions.Stop()
	assert.Zero(t, f.sessions.Armed())
	f.sessions.WatchResponse(ls)
	assert.Zero(t, f.sessions.Armed(), "no arming after stop")

	f.clock.Advance(responseTimeout)
	assert.Equal(t, model.LivestreamPendingUser, f.state(t, ls.ID))
}
