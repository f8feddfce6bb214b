package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easel_queue_depth",
		Help: "Jobs waiting for a worker.",
	})

	runningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easel_running_jobs",
		Help: "Jobs currently dispatched to or running on a worker.",
	})

	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easel_jobs_total",
		Help: "Jobs that reached a terminal status.",
	}, []string{"status"})

	jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easel_job_duration_seconds",
		Help:    "Wall time from dispatch to terminal status.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(queueDepth, runningJobs, jobsTotal, jobDuration)

	// Initialize the terminal label values so the series exist from startup.
	for _, status := range []string{"succeeded", "failed", "cancelled"} {
		jobsTotal.WithLabelValues(status)
	}
}
