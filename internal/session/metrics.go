package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrt_sessions_created_total",
			Help: "Total number of worker sessions created",
		},
		[]string{"pool"},
	)

	rpcsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrt_session_rpcs_total",
			Help: "Total number of RPC round trips issued by sessions",
		},
		[]string{"pool", "op"},
	)

	nodeCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrt_session_node_cache_misses_total",
			Help: "Total number of request nodes built because the node cache was empty",
		},
		[]string{"pool"},
	)
)
