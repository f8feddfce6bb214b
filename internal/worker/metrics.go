package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	workersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "easel_workers",
			Help: "Number of registered workers by health.",
		},
		[]string{"health"},
	)

	workerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_worker_failures_total",
			Help: "Total dispatch and heartbeat failures recorded against worker health.",
		},
	)
)

func init() {
	prometheus.MustRegister(workersGauge)
	prometheus.MustRegister(workerFailures)

	// Pre-initialize gauge labels so both series appear in /metrics with
	// value 0 from startup, rather than only after the first transition.
	workersGauge.WithLabelValues(HealthHealthy)
	workersGauge.WithLabelValues(HealthUnreachable)
}
