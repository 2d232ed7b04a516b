// Package scheduler decides, once per trigger minute, which users are asked
// to record a vlog.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/clock"
	"vlog-backend/internal/metrics"
	"vlog-backend/internal/runner"
	"vlog-backend/internal/store"
)

// Submitter queues background jobs without waiting for queue room.
type Submitter interface {
	TrySubmit(job runner.Job) error
}

// Config holds scheduler settings.
type Config struct {
	// CleanupAfter is how long terminal livestreams are kept. A cleanup job
	// is submitted at the top of every hour; zero disables it.
	CleanupAfter time.Duration
}

// CycleResult counts what one cycle did.
type CycleResult struct {
	TriggerMinute time.Time
	Selected      int
	Created       int
	Duplicates    int
	Failed        int
	Dispatched    int
}

// Scheduler creates vlog requests for eligible users and hands them off.
type Scheduler struct {
	directory store.UserDirectory
	requests  store.RequestStore
	jobs      Submitter
	cfg       Config
	log       zerolog.Logger
}

// New creates a new scheduler.
func New(dir store.UserDirectory, reqs store.RequestStore, jobs Submitter, cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		directory: dir,
		requests:  reqs,
		jobs:      jobs,
		cfg:       cfg,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// RunCycle runs the scheduling pass for triggerMinute. Requests are created
// idempotently per user and minute, so running a cycle twice is harmless. The
// cycle never waits on dispatch: a request that finds the job queue full is
// counted as failed and left in the created state. A failure for one user is
// logged and does not affect the others.
func (s *Scheduler) RunCycle(ctx context.Context, triggerMinute time.Time) (CycleResult, error) {
	triggerMinute = clock.TriggerMinute(triggerMinute)
	log := s.log.With().Time("trigger_minute", triggerMinute).Logger()
	res := CycleResult{TriggerMinute: triggerMinute}
	metrics.SchedulerCycles.Inc()

	users, err := s.directory.GetSchedulableUsers(ctx, triggerMinute)
	if err != nil {
		return res, err
	}
	res.Selected = len(users)

	for _, u := range users {
		req, created, err := s.requests.CreateIfAbsent(ctx, u.UserID, triggerMinute)
		switch {
		case errors.Is(err, apperr.ErrDuplicateRequest):
			res.Duplicates++
			continue
		case err != nil:
			res.Failed++
			log.Error().Err(err).Str("user_id", u.UserID).Msg("failed to create vlog request")
			continue
		case !created:
			res.Duplicates++
			continue
		}
		res.Created++

		if err := s.jobs.TrySubmit(runner.DispatchJob{RequestID: req.ID}); err != nil {
			res.Failed++
			if errors.Is(err, runner.ErrQueueFull) {
				log.Warn().Str("user_id", u.UserID).Str("request_id", req.ID).Msg("dispatch queue full, request skipped")
				continue
			}
			log.Error().Err(err).Str("user_id", u.UserID).Str("request_id", req.ID).Msg("failed to queue dispatch")
			continue
		}
		res.Dispatched++
	}

	if err := s.jobs.TrySubmit(runner.ReplenishJob{}); err != nil {
		log.Warn().Err(err).Msg("failed to queue pool replenishment")
	}
	if s.cfg.CleanupAfter > 0 && triggerMinute.Minute() == 0 {
		if err := s.jobs.TrySubmit(runner.CleanupJob{OlderThan: s.cfg.CleanupAfter}); err != nil {
			log.Warn().Err(err).Msg("failed to queue livestream cleanup")
		}
	}

	metrics.SchedulerUsers.WithLabelValues("selected").Add(float64(res.Selected))
	metrics.SchedulerUsers.WithLabelValues("created").Add(float64(res.Created))
	metrics.SchedulerUsers.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	metrics.SchedulerUsers.WithLabelValues("failed").Add(float64(res.Failed))
	metrics.SchedulerUsers.WithLabelValues("dispatched").Add(float64(res.Dispatched))
	log.Info().
		Int("selected", res.Selected).
		Int("created", res.Created).
		Int("duplicates", res.Duplicates).
		Int("failed", res.Failed).
		Int("dispatched", res.Dispatched).
		Msg("scheduling cycle complete")
	return res, nil
}
