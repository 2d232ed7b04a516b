package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRunner(t *testing.T, h Handler, cfg Config) (*Runner, context.CancelFunc) {
	t.Helper()
	r := New(h, cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, cancel
}

func TestRunner_HandlesEveryJobKind(t *testing.T) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := map[string]Job{}
	h := HandlerFunc(func(_ context.Context, job Job) error {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		switch j := job.(type) {
		case DispatchJob:
			seen["dispatch:"+j.RequestID] = j
		case ReplenishJob:
			seen["replenish"] = j
		case CleanupJob:
			seen["cleanup"] = j
		}
		return nil
	})
	r, _ := startRunner(t, h, Config{Size: 2, QueueSize: 4})

	jobs := []Job{DispatchJob{RequestID: "r1"}, ReplenishJob{}, CleanupJob{OlderThan: time.Hour}}
	wg.Add(len(jobs))
	for _, j := range jobs {
		require.NoError(t, r.Submit(context.Background(), j))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
	assert.Equal(t, CleanupJob{OlderThan: time.Hour}, seen["cleanup"])
}

func TestRunner_PanicIsIsolated(t *testing.T) {
	var handled sync.WaitGroup
	handled.Add(2)
	var ok atomic.Int32
	h := HandlerFunc(func(_ context.Context, job Job) error {
		defer handled.Done()
		if j, isDispatch := job.(DispatchJob); isDispatch && j.RequestID == "boom" {
			panic("nil livestream")
		}
		ok.Add(1)
		return nil
	})
	r, _ := startRunner(t, h, Config{Size: 1, QueueSize: 2})

	require.NoError(t, r.Submit(context.Background(), DispatchJob{RequestID: "boom"}))
	require.NoError(t, r.Submit(context.Background(), DispatchJob{RequestID: "fine"}))
	handled.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestRunner_RetriesUpToMaxAttempts(t *testing.T) {
	testCases := []struct {
		name        string
		failures    int32
		maxAttempts int
		wantCalls   int32
	}{
		{"succeeds first time", 0, 3, 1},
		{"succeeds on retry", 2, 3, 3},
		{"gives up after max attempts", 5, 3, 3},
		{"single attempt", 5, 1, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			finished := make(chan struct{}, 8)
			h := HandlerFunc(func(context.Context, Job) error {
				n := calls.Add(1)
				defer func() { finished <- struct{}{} }()
				if n <= tc.failures {
					return errors.New("transient")
				}
				return nil
			})
			r, _ := startRunner(t, h, Config{Size: 1, MaxAttempts: tc.maxAttempts, RetryDelay: time.Millisecond})
			require.NoError(t, r.Submit(context.Background(), ReplenishJob{}))

			for i := int32(0); i < tc.wantCalls; i++ {
				select {
				case <-finished:
				case <-time.After(2 * time.Second):
					t.Fatal("timed out waiting for attempts")
				}
			}
			// No further attempts after the expected ones.
			select {
			case <-finished:
				t.Fatal("unexpected extra attempt")
			case <-time.After(50 * time.Millisecond):
			}
			assert.Equal(t, tc.wantCalls, calls.Load())
		})
	}
}

func TestRunner_SubmitBlocksUntilContextDone(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h := HandlerFunc(func(context.Context, Job) error {
		started <- struct{}{}
		<-release
		return nil
	})
	r, _ := startRunner(t, h, Config{Size: 1, QueueSize: 1})
	defer close(release)

	require.NoError(t, r.Submit(context.Background(), ReplenishJob{}))
	<-started
	require.NoError(t, r.Submit(context.Background(), ReplenishJob{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Submit(ctx, ReplenishJob{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunner_TrySubmitDoesNotWait(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h := HandlerFunc(func(context.Context, Job) error {
		started <- struct{}{}
		<-release
		return nil
	})
	r, _ := startRunner(t, h, Config{Size: 1, QueueSize: 1})
	defer close(release)

	require.NoError(t, r.TrySubmit(ReplenishJob{}))
	<-started
	require.NoError(t, r.TrySubmit(ReplenishJob{}))
	assert.ErrorIs(t, r.TrySubmit(DispatchJob{RequestID: "r1"}), ErrQueueFull)
}

func TestRunner_SubmitAfterStop(t *testing.T) {
	r := New(HandlerFunc(func(context.Context, Job) error { return nil }), Config{ShutdownGrace: time.Second}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Serve(ctx), context.Canceled)

	assert.ErrorIs(t, r.Submit(context.Background(), ReplenishJob{}), ErrStopped)
	assert.ErrorIs(t, r.TrySubmit(ReplenishJob{}), ErrStopped)
}
