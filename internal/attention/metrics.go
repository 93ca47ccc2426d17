package attention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flashattn_kernel_duration_seconds",
		Help:    "Wall time of one kernel launch",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"kernel"})

	workerUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashattn_worker_units_total",
		Help: "Grid units completed per kernel",
	}, []string{"kernel"})

	launchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashattn_launch_failures_total",
		Help: "Launches rejected or aborted, by reason",
	}, []string{"reason"})
)
