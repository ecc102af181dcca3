package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlatformRequestsTotal counts outbound platform API attempts by route class and status.
	PlatformRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "platform_requests_total",
		Help:      "Outbound platform API attempts by route class and HTTP status (\"error\" for transport failures).",
	}, []string{"route", "status"})

	// PlatformRetriesTotal counts retries issued by the platform client.
	PlatformRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "platform_retries_total",
		Help:      "Retries issued by the platform client by route class and reason.",
	}, []string{"route", "reason"})

	// RateLimitWaitSeconds tracks time spent waiting on token buckets and retry-after hints.
	RateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for rate limit budget by route class and source.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"route", "source"})

	// ReconciliationsTotal counts reconciliation runs by outcome.
	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "reconciliations_total",
		Help:      "Reconciliation runs by outcome (reconciled, partial_failure, not_linked, or an error label).",
	}, []string{"outcome"})

	// ReconcileDuration tracks end-to-end reconciliation latency.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "reconcile_duration_seconds",
		Help:      "Reconciliation run duration in seconds, including lock wait.",
		Buckets:   prometheus.DefBuckets,
	})

	// RoleMutationsTotal counts individual role add/remove calls.
	RoleMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "role_mutations_total",
		Help:      "Role mutations by operation (add/remove) and result (ok/failed).",
	}, []string{"op", "result"})

	// LinksByState tracks linked accounts in each link state.
	LinksByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "links_by_state",
		Help:      "Number of linked accounts by link state.",
	}, []string{"state"})

	// LinkAttemptsTotal counts OAuth link completions by result.
	LinkAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "link_attempts_total",
		Help:      "OAuth link attempts by result.",
	}, []string{"result"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SweepAccountsTotal counts accounts visited by the periodic sweep.
	SweepAccountsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "rolesync",
		Name:      "sweep_accounts_total",
		Help:      "Accounts visited by the periodic sweep by result.",
	}, []string{"result"})
)
