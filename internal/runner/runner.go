// Package runner executes background jobs on a bounded pool of workers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vlog-backend/internal/metrics"
)

var (
	// ErrStopped is returned by Submit once the runner has shut down.
	ErrStopped = errors.New("runner stopped")

	// ErrQueueFull is returned by TrySubmit when the queue has no room.
	ErrQueueFull = errors.New("runner queue full")
)

// Handler processes a job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Config sizes the runner.
type Config struct {
	Size          int
	QueueSize     int
	MaxAttempts   int
	RetryDelay    time.Duration
	ShutdownGrace time.Duration
}

// Runner manages a pool of workers fed from a buffered queue.
type Runner struct {
	handler Handler
	cfg     Config
	jobs    chan Job
	done    chan struct{}
	log     zerolog.Logger
	once    sync.Once
}

// New creates a new runner. Workers start when Serve is called.
func New(h Handler, cfg Config, log zerolog.Logger) *Runner {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Size
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Runner{
		handler: h,
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueSize),
		done:    make(chan struct{}),
		log:     log.With().Str("component", "runner").Logger(),
	}
}

// Submit queues job, blocking until there is room, ctx is done or the runner
// has stopped.
func (r *Runner) Submit(ctx context.Context, job Job) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.jobs <- job:
		metrics.JobQueueDepth.Set(float64(len(r.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// TrySubmit queues job without waiting. It fails with ErrQueueFull when every
// queue slot is taken.
func (r *Runner) TrySubmit(job Job) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.jobs <- job:
		metrics.JobQueueDepth.Set(float64(len(r.jobs)))
		return nil
	default:
		metrics.JobsProcessed.WithLabelValues(job.Kind(), "rejected").Inc()
		return ErrQueueFull
	}
}

// Serve runs the workers until ctx is done, then waits up to ShutdownGrace
// for in-flight jobs. Jobs still queued at that point are dropped.
func (r *Runner) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.worker(ctx, id)
		}(i)
	}

	<-ctx.Done()
	r.once.Do(func() { close(r.done) })

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(r.cfg.ShutdownGrace):
		r.log.Warn().Dur("grace", r.cfg.ShutdownGrace).Msg("workers still busy after shutdown grace")
	}
	if n := len(r.jobs); n > 0 {
		r.log.Warn().Int("dropped", n).Msg("dropping queued jobs on shutdown")
	}
	return ctx.Err()
}

// worker is the actual worker goroutine.
func (r *Runner) worker(ctx context.Context, id int) {
	log := r.log.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")
	for {
		select {
		case job := <-r.jobs:
			metrics.JobQueueDepth.Set(float64(len(r.jobs)))
			r.process(ctx, job)
		case <-ctx.Done():
			log.Debug().Msg("worker shutting down")
			return
		}
	}
}

// process runs job, retrying with a linearly growing delay.
func (r *Runner) process(ctx context.Context, job Job) {
	log := r.log.With().Str("job", job.Kind()).Logger()
	for attempt := 1; ; attempt++ {
		err := r.run(ctx, job)
		if err == nil {
			metrics.JobsProcessed.WithLabelValues(job.Kind(), "success").Inc()
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("job failed")
		if attempt >= r.cfg.MaxAttempts || ctx.Err() != nil {
			metrics.JobsProcessed.WithLabelValues(job.Kind(), "failed").Inc()
			return
		}
		select {
		case <-time.After(time.Duration(attempt) * r.cfg.RetryDelay):
		case <-ctx.Done():
			metrics.JobsProcessed.WithLabelValues(job.Kind(), "failed").Inc()
			return
		}
	}
}

// run isolates a panicking handler from the worker.
func (r *Runner) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("job", job.Kind()).Str("stack", string(debug.Stack())).Msgf("job panicked: %v", p)
			err = fmt.Errorf("job %s panicked: %v", job.Kind(), p)
		}
	}()
	return r.handler.Handle(ctx, job)
}
