package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ItemsTotal counts finished item attempts by outcome
	// (succeeded, skipped, retried, deferred, dead).
	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmseed_items_total",
			Help: "Scheduled item outcomes",
		},
		[]string{"outcome"},
	)

	// AdmissionDenied counts governor denials by reason.
	AdmissionDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmseed_admission_denied_total",
			Help: "Items held back by the rate governor",
		},
		[]string{"credential", "reason"},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crmseed_breaker_state",
			Help: "Circuit breaker state per credential",
		},
		[]string{"credential"},
	)

	// DegradedClaims counts claims granted while the claim store was unreachable.
	DegradedClaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crmseed_idempotency_degraded_total",
			Help: "Claims granted without the idempotency store (fail open)",
		},
	)

	// DLQInserted counts items moved to the dead letter queue.
	DLQInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmseed_dlq_inserted_total",
			Help: "Dead letter queue inserts by failure category",
		},
		[]string{"category"},
	)

	// Replays counts replay invocations and the items they re-injected.
	Replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmseed_replays_total",
			Help: "Replay invocations",
		},
		[]string{"dry_run"},
	)

	ReplayedItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crmseed_replayed_items_total",
			Help: "Dead letters re-injected into the executor",
		},
	)

	// ActiveRuns is the number of runs executing in this process.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crmseed_active_runs",
			Help: "Runs currently executing in this process",
		},
	)

	// CallDuration observes external record creation latency.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmseed_crm_call_seconds",
			Help:    "Latency of record creation calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(ItemsTotal)
	prometheus.MustRegister(AdmissionDenied)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(DegradedClaims)
	prometheus.MustRegister(DLQInserted)
	prometheus.MustRegister(Replays)
	prometheus.MustRegister(ReplayedItems)
	prometheus.MustRegister(ActiveRuns)
	prometheus.MustRegister(CallDuration)
}
