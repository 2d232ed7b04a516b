package runner

import "time"

// Job is a unit of background work. The set of jobs is closed: handlers
// switch on the concrete type.
type Job interface {
	Kind() string
	job()
}

// DispatchJob delivers a freshly created vlog request to its user.
type DispatchJob struct {
	RequestID string
}

// ReplenishJob tops the livestream pool up.
type ReplenishJob struct{}

// CleanupJob deletes terminal livestreams older than OlderThan.
type CleanupJob struct {
	OlderThan time.Duration
}

func (DispatchJob) Kind() string  { return "dispatch" }
func (ReplenishJob) Kind() string { return "replenish" }
func (CleanupJob) Kind() string   { return "cleanup" }

func (DispatchJob) job()  {}
func (ReplenishJob) job() {}
func (CleanupJob) job()   {}
