package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vlog-backend/internal/clock"
)

// CycleRunner runs one scheduling cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, triggerMinute time.Time) (CycleResult, error)
}

// Ticker triggers a cycle at every minute boundary.
type Ticker struct {
	cycles CycleRunner
	clock  clock.Clock
	log    zerolog.Logger
}

// NewTicker creates a new minute ticker.
func NewTicker(cycles CycleRunner, clk clock.Clock, log zerolog.Logger) *Ticker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ticker{cycles: cycles, clock: clk, log: log.With().Str("component", "ticker").Logger()}
}

// Serve runs cycles until ctx is done. Each cycle runs for the minute
// boundary that fired it.
func (t *Ticker) Serve(ctx context.Context) error {
	for {
		now := t.clock.Now()
		next := clock.NextMinute(now)
		fired := make(chan struct{}, 1)
		timer := t.clock.AfterFunc(next.Sub(now), func() { fired <- struct{}{} })

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-fired:
		}

		if _, err := t.cycles.RunCycle(ctx, next); err != nil {
			t.log.Error().Err(err).Time("trigger_minute", next).Msg("scheduling cycle failed")
		}
	}
}
