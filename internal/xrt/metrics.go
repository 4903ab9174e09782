package xrt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("longbow-xrt")

var (
	// Operation latencies, labeled by entry point.
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xrt_operation_duration_seconds",
		Help:    "Latency of client operations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 18),
	}, []string{"op"})

	transferredBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xrt_transfer_bytes",
		Help:    "Payload bytes per transfer call",
		Buckets: prometheus.ExponentialBuckets(64, 4, 16),
	}, []string{"direction"})

	transferPartitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xrt_transfer_partitions_total",
		Help: "Partitions of transfers that did not fit in one payload",
	})

	dataHandles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xrt_data_handles_total",
		Help: "Data handles created by the client",
	}, []string{"source"})

	compileCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xrt_compile_cache_lookups_total",
		Help: "Compilation cache lookups by result",
	}, []string{"result"})

	compileCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xrt_compile_cache_evictions_total",
		Help: "Compiled programs dropped from the compilation cache",
	})

	slowCompiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xrt_slow_compiles_total",
		Help: "Compilations that exceeded the slow compile threshold",
	})

	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xrt_executions_total",
		Help: "Program executions issued, by entry point",
	}, []string{"op"})
)

// Entry point labels.
const (
	opTransferToServer   = "TransferToServer"
	opTransferFromServer = "TransferFromServer"
	opCompile            = "Compile"
	opExecute            = "ExecuteComputation"
	opExecuteReplicated  = "ExecuteReplicated"
	opExecuteParallel    = "ExecuteParallel"
	opExecuteChained     = "ExecuteChained"
	opDeconstructTuple   = "DeconstructTuple"
	opReleaseData        = "ReleaseDataHandles"
	opReleaseCompile     = "ReleaseCompileHandles"
)
