package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: All metrics are registered globally at import time, so the API binary
// also exposes the worker series with zero values.

// namespace defines the global prefix for all metrics (e.g., tally_...).
const namespace = "tally"

// evaluationBuckets cover single-user evaluations (1ms) up to full program sweeps (minutes).
var evaluationBuckets = []float64{.001, .005, .010, .025, .050, .100, .250, .500, 1, 5, 30, 120}

var (
	// -------------------------------------------------------------------------
	// ENGINE API (HTTP)
	// -------------------------------------------------------------------------

	// APIReqDuration measures the latency of HTTP requests.
	// Metric: tally_api_http_handling_seconds
	APIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the engine API",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// APIReqTotal counts the total number of HTTP requests.
	// Metric: tally_api_http_requests_total
	APIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the engine API",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// JOBS (Workers)
	// -------------------------------------------------------------------------

	// JobsTotal counts finished jobs by kind and outcome (success, retry, failed, dropped).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total jobs processed by kind and status",
	}, []string{"kind", "status"})

	// JobDuration measures handler execution time including retries.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time taken to execute a job, retries included",
		Buckets:   evaluationBuckets,
	}, []string{"kind"})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_retries_total",
		Help:      "Total retried job attempts",
	}, []string{"kind"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Total jobs moved to the dead letter queue after exhausting retries",
	}, []string{"kind"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current number of jobs waiting in the Redis queue",
	})

	// -------------------------------------------------------------------------
	// ENGINE (Domain)
	// -------------------------------------------------------------------------

	PointsAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_awarded_total",
		Help:      "Total points credited by completed calculations",
	})

	TierChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_changes_total",
		Help:      "Total applied tier transitions",
	}, []string{"direction"}) // upgrade, downgrade

	SegmentMembershipChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_membership_changes_total",
		Help:      "Total segment memberships added or removed by reconciliation",
	}, []string{"action"}) // added, removed

	CampaignParticipantsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "campaign_participants_added_total",
		Help:      "Total campaign participants admitted after an eligibility check",
	})

	CampaignReconcileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "campaign_reconcile_errors_total",
		Help:      "Total campaigns skipped while reconciling a member because evaluation failed",
	}, []string{"reason"}) // not_found, failed

	ExpiredTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "expired_transactions_total",
		Help:      "Total ledger entries expired with a compensating transaction",
	})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Time taken to sweep one program",
		Buckets:   evaluationBuckets,
	}, []string{"sweep"}) // segments, expiration

	DomainEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "domain_events_total",
		Help:      "Total outbound domain events by type and publish status",
	}, []string{"type", "status"})

	// --- PostgreSQL pool ---

	// DBPoolConnections reports pgxpool connections by state (max, total, idle, in_use).
	DBPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "connections",
		Help:      "Current number of pool connections by state",
	}, []string{"state"})

	DBPoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "acquire_count_total",
		Help:      "Total successful connection acquires",
	})

	DBPoolEmptyAcquire = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "empty_acquire_total",
		Help:      "Total acquires that had to wait for a connection",
	})

	// DependencyUp is 1 when the last readiness check of a component passed.
	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dependency_up",
		Help:      "Result of the last readiness check per dependency",
	}, []string{"component"})

	// --- Config cache L1 (otter) ---

	ConfigCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_cache_hits_total",
		Help:      "Total L1 config cache hits (rules, tiers)",
	})

	ConfigCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_cache_misses_total",
		Help:      "Total L1 config cache misses",
	})
)
