package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler
	SchedulerCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vlogd_scheduler_cycles_total",
			Help: "Total number of scheduling cycles run",
		},
	)

	SchedulerUsers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_scheduler_users_total",
			Help: "Users handled by scheduling cycles by outcome",
		},
		[]string{"outcome"}, // "selected", "created", "duplicate", "failed", "dispatched"
	)

	// Dispatch
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_dispatch_total",
			Help: "Vlog request dispatches by outcome",
		},
		[]string{"outcome"},
	)

	// Pool
	PoolAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vlogd_pool_available",
			Help: "Livestreams available in the pool at the last replenishment",
		},
	)

	PoolCreations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_pool_creations_total",
			Help: "Livestream creations by kind and result",
		},
		[]string{"kind", "result"}, // kind: "replenish", "adhoc"
	)

	PoolClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vlogd_pool_claim_conflicts_total",
			Help: "Claims lost to a concurrent reservation",
		},
	)

	PoolCleanups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_pool_cleanups_total",
			Help: "Terminal livestreams deleted by cleanup",
		},
		[]string{"result"},
	)

	// Sessions
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_session_transitions_total",
			Help: "Livestream state transitions",
		},
		[]string{"from", "to"},
	)

	WatchdogFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_watchdog_firings_total",
			Help: "Watchdog timer firings by kind and result",
		},
		[]string{"kind", "result"}, // result: "timed_out", "stale"
	)

	// Runner
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_jobs_total",
			Help: "Background jobs processed by kind and result",
		},
		[]string{"kind", "result"},
	)

	JobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vlogd_job_queue_depth",
			Help: "Jobs waiting in the background queue",
		},
	)

	// Vendor circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vlogd_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	// Notifications
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlogd_notifications_total",
			Help: "Push notification deliveries by result",
		},
		[]string{"result"}, // "delivered", "expired", "failed"
	)
)
