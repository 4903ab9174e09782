package handle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	handlesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrt_handles_created_total",
			Help: "Total number of server handles registered",
		},
		[]string{"kind"},
	)

	handlesPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xrt_handles_pending_release",
			Help: "Number of handles queued for release",
		},
		[]string{"kind"},
	)

	handlesReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrt_handles_released_total",
			Help: "Total number of handles released on workers",
		},
		[]string{"kind"},
	)

	releaseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrt_release_failures_total",
			Help: "Total number of handles whose release failed",
		},
		[]string{"kind"},
	)

	releasesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrt_release_skipped_total",
			Help: "Total number of handles dropped while a device release breaker was open",
		},
		[]string{"kind"},
	)

	releaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xrt_release_duration_seconds",
			Help:    "Latency of batched handle release RPCs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)
