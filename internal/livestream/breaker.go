package livestream

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"vlog-backend/config"
	"vlog-backend/internal/apperr"
	"vlog-backend/internal/metrics"
)

// Breaker wraps a Client with a circuit breaker and throttles stream creation.
// While the circuit is open calls fail fast with a VendorCallError.
type Breaker struct {
	next    Client
	cb      *gobreaker.CircuitBreaker[any]
	creates *rate.Limiter
	name    string
}

// NewBreaker decorates next with the breaker and create limits from cfg.
func NewBreaker(next Client, cfg config.LivestreamConfig, log zerolog.Logger) *Breaker {
	name := "livestream-vendor"
	log = log.With().Str("component", "livestream-breaker").Logger()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	minRequests := cfg.BreakerMinRequests
	ratio := cfg.BreakerFailureRatio

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	var limiter *rate.Limiter
	if cfg.CreatesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CreatesPerSecond), 1)
	}

	return &Breaker{next: next, cb: cb, creates: limiter, name: name}
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) execute(op, externalID string, fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		}
		return nil, apperr.Vendor(op, externalID, err)
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return result, nil
}

func (b *Breaker) CreateStream(ctx context.Context) (string, error) {
	if b.creates != nil {
		if err := b.creates.Wait(ctx); err != nil {
			return "", apperr.Vendor("create_stream", "", err)
		}
	}
	result, err := b.execute("create_stream", "", func() (any, error) {
		return b.next.CreateStream(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (b *Breaker) StartStream(ctx context.Context, externalID string) error {
	_, err := b.execute("start_stream", externalID, func() (any, error) {
		return nil, b.next.StartStream(ctx, externalID)
	})
	return err
}

func (b *Breaker) StopStream(ctx context.Context, externalID string) error {
	_, err := b.execute("stop_stream", externalID, func() (any, error) {
		return nil, b.next.StopStream(ctx, externalID)
	})
	return err
}

func (b *Breaker) DeleteStream(ctx context.Context, externalID string) error {
	_, err := b.execute("delete_stream", externalID, func() (any, error) {
		return nil, b.next.DeleteStream(ctx, externalID)
	})
	return err
}

func (b *Breaker) GetConnectionDetails(ctx context.Context, externalID string) (ConnectionDetails, error) {
	result, err := b.execute("get_connection_details", externalID, func() (any, error) {
		return b.next.GetConnectionDetails(ctx, externalID)
	})
	if err != nil {
		return ConnectionDetails{}, err
	}
	return result.(ConnectionDetails), nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
