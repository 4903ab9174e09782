package xrt

import (
	"context"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-xrt/internal/wire"
)

const remoteMetricsRegex = "/tensorflow/xrt/.*"

// Short names of the worker runtime metrics.
var remoteMetricNames = map[string]string{
	"/tensorflow/xrt/ops/allocate":                     "XrtAllocate",
	"/tensorflow/xrt/ops/allocate_from_tensor":         "XrtAllocateFromTensor",
	"/tensorflow/xrt/ops/sub_tuple":                    "XrtSubTuple",
	"/tensorflow/xrt/ops/make_tuple":                   "XrtMakeTuple",
	"/tensorflow/xrt/ops/compile":                      "XrtCompile",
	"/tensorflow/xrt/ops/release_compilation":          "XrtReleaseCompilation",
	"/tensorflow/xrt/ops/execute":                      "XrtExecute",
	"/tensorflow/xrt/ops/execute_chained":              "XrtExecuteChained",
	"/tensorflow/xrt/ops/read_literal":                 "XrtReadLiteral",
	"/tensorflow/xrt/ops/read_tensor":                  "XrtReadTensor",
	"/tensorflow/xrt/ops/write_literal":                "XrtWriteLiteral",
	"/tensorflow/xrt/ops/release_allocation":           "XrtReleaseAllocation",
	"/tensorflow/xrt/ops/release_all_allocations":      "XrtReleaseAllAllocations",
	"/tensorflow/xrt/ops/compact_allocations":          "XrtCompactAllocations",
	"/tensorflow/xrt/memory_manager/compaction":        "XrtCompaction",
	"/tensorflow/xrt/memory_manager/try_free_memory":   "XrtTryFreeMemory",
	"/tensorflow/xrt/executor/program_memory_evict":    "XrtExecutorEvict",
	"/tensorflow/xrt/ds_executor/program_memory_evict": "XrtExecutorEvict",
}

// RemoteMetricName maps a worker runtime metric to its short name. Unknown names are
// returned unchanged.
func RemoteMetricName(name string) string {
	if short, ok := remoteMetricNames[name]; ok {
		return short
	}
	return name
}

// GetMetrics collects the runtime metrics of every worker. With more than one worker
// the names carry a ".job.task" suffix.
func (c *Client) GetMetrics(ctx context.Context) (map[string]wire.Metric, error) {
	ctx, span := tracer.Start(ctx, "GetMetrics")
	defer span.End()

	workers := c.topo.Workers()
	metrics := make(map[string]wire.Metric)
	for _, w := range workers {
		s, err := c.execSessions.GetSession(ctx, c.topo.WorkersMap[w])
		if err != nil {
			return nil, err
		}
		var report wire.MetricsReport
		if err := s.Do(ctx, wire.ActionMetrics, wire.MetricsRequest{Regex: remoteMetricsRegex}, &report); err != nil {
			span.RecordError(err)
			return nil, err
		}
		for _, m := range report.Metrics {
			name := RemoteMetricName(m.Name)
			if len(workers) > 1 {
				name = fmt.Sprintf("%s.%s.%d", name, strings.ReplaceAll(w.Name, ".", "_"), w.Task)
			}
			m.Name = name
			metrics[name] = m
		}
	}
	return metrics, nil
}
