package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	LeasesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hangar_leases_by_state",
			Help: "Number of leases by state",
		},
		[]string{"state"},
	)

	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hangar_hosts_total",
			Help: "Number of hosts by enabled flag",
		},
		[]string{"enabled"},
	)

	// Lifecycle counters
	LaunchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_launch_attempts_total",
			Help: "Provisioning attempts by label",
		},
		[]string{"label"},
	)

	LaunchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_launch_failures_total",
			Help: "Provisioning failures by label and error type",
		},
		[]string{"label", "error_type"},
	)

	LeasesTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_leases_terminated_total",
			Help: "Leases torn down, by reason",
		},
		[]string{"reason"},
	)

	LeasesNeverConnectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_leases_never_connected_total",
			Help: "Leases that missed their connect deadline",
		},
	)

	OrphanVMCleanupTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_orphan_vm_cleanup_total",
			Help: "Node-agent VMs deleted because no lease claims them",
		},
	)

	StaleNodeCleanupTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_stale_node_cleanup_total",
			Help: "Controller nodes deleted because no lease claims them",
		},
	)

	HostStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_host_stale_total",
			Help: "Heartbeat staleness detections",
		},
	)

	RetryExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_retry_exhausted_total",
			Help: "Teardowns that exceeded the retry budget",
		},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hangar_auth_failures_total",
			Help: "Rejected host API calls by kind",
		},
		[]string{"kind"},
	)

	QueueToConnectSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hangar_queue_to_connect_seconds",
			Help:    "Time from lease creation to the agent connecting",
			Buckets: []float64{15, 30, 60, 120, 240, 480, 960},
		},
	)

	// Loop metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_reconcile_cycles_total",
			Help: "Completed reconciler cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hangar_reconcile_duration_seconds",
			Help:    "Reconciler cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScaleCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hangar_scale_cycles_total",
			Help: "Completed scaler cycles",
		},
	)
)

func init() {
	prometheus.MustRegister(LeasesByState)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(LaunchAttemptsTotal)
	prometheus.MustRegister(LaunchFailuresTotal)
	prometheus.MustRegister(LeasesTerminatedTotal)
	prometheus.MustRegister(LeasesNeverConnectedTotal)
	prometheus.MustRegister(OrphanVMCleanupTotal)
	prometheus.MustRegister(StaleNodeCleanupTotal)
	prometheus.MustRegister(HostStaleTotal)
	prometheus.MustRegister(RetryExhaustedTotal)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(QueueToConnectSeconds)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ScaleCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
