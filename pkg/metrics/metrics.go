package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_reconcile_cycles_total",
			Help: "Total number of reconciliation invocations",
		},
	)

	ReconcileDeferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_reconcile_deferred_total",
			Help: "Reconciliations deferred because the workload was unavailable",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_reconcile_duration_seconds",
			Help:    "Reconciliation invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DriftDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_drift_detected_total",
			Help: "Reconciliations that found configuration drift",
		},
	)

	CertRenewalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_certificate_renewals_total",
			Help: "Certificate renewal requests emitted on SAN changes",
		},
	)

	// Restart coordination metrics
	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_restarts_total",
			Help: "Coordinated worker restarts by outcome",
		},
		[]string{"outcome"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_lock_wait_seconds",
			Help:    "Time spent waiting for the restart lock grant",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	LockHoldDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_lock_hold_seconds",
			Help:    "Time the restart lock was held per restart",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// Health metrics
	HealthCheckFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_health_check_failures_total",
			Help: "Failed worker readiness probes",
		},
	)

	// Coordination substrate metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_raft_is_leader",
			Help: "Whether this unit is the coordination leader (1 = leader)",
		},
	)

	PeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_peers_total",
			Help: "Units currently present in the peer state store",
		},
	)
)

func init() {
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDeferredTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(DriftDetectedTotal)
	prometheus.MustRegister(CertRenewalsTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockHoldDuration)
	prometheus.MustRegister(HealthCheckFailures)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(PeersTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
