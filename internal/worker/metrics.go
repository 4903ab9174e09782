package worker

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-xrt/internal/wire"
)

// Metric names reported by the worker.
const (
	MetricPrefix      = "/tensorflow/xrt/"
	MetricAllocate    = MetricPrefix + "ops/allocate_from_tensor"
	MetricRead        = MetricPrefix + "ops/read_literal"
	MetricCompile     = MetricPrefix + "ops/compile"
	MetricExecute     = MetricPrefix + "ops/execute"
	MetricChained     = MetricPrefix + "ops/execute_chained"
	MetricSubTuple    = MetricPrefix + "ops/sub_tuple"
	MetricReleaseData = MetricPrefix + "ops/release_allocation"
	MetricReleaseComp = MetricPrefix + "ops/release_compilation"
	MetricBuffers     = MetricPrefix + "memory_manager/live_allocations"
	MetricPrograms    = MetricPrefix + "memory_manager/live_programs"
)

const maxSamples = 1024

var reportedPercentiles = []float64{0.5, 0.8, 0.9, 0.95, 0.99}

// sampler keeps a window of recent latency samples of one op.
type sampler struct {
	start       time.Time
	end         time.Time
	samples     []float64
	next        int
	total       int64
	accumulator float64
}

func (s *sampler) add(now time.Time, v float64) {
	if s.total == 0 {
		s.start = now
	}
	s.end = now
	s.total++
	s.accumulator += v
	if len(s.samples) < maxSamples {
		s.samples = append(s.samples, v)
		return
	}
	s.samples[s.next] = v
	s.next = (s.next + 1) % maxSamples
}

func (s *sampler) percentiles() *wire.Percentiles {
	sorted := append([]float64(nil), s.samples...)
	sort.Float64s(sorted)
	mean, stddev := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		stddev = 0
	}
	p := &wire.Percentiles{
		Unit:         wire.UnitTime,
		StartNs:      s.start.UnixNano(),
		EndNs:        s.end.UnixNano(),
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         mean,
		Stddev:       stddev,
		NumSamples:   int64(len(sorted)),
		TotalSamples: s.total,
		Accumulator:  s.accumulator,
	}
	for _, q := range reportedPercentiles {
		p.Points = append(p.Points, wire.Point{
			Percentile: q * 100,
			Value:      stat.Quantile(q, stat.Empirical, sorted, nil),
		})
	}
	return p
}

// recorder aggregates per-op latencies, in nanoseconds.
type recorder struct {
	mu       sync.Mutex
	samplers map[string]*sampler
}

func newRecorder() *recorder {
	return &recorder{samplers: make(map[string]*sampler)}
}

func (r *recorder) observe(name string, start time.Time) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.samplers[name]
	if !ok {
		s = &sampler{}
		r.samplers[name] = s
	}
	s.add(now, float64(now.Sub(start).Nanoseconds()))
}

func (r *recorder) count(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.samplers[name]; ok {
		return s.total
	}
	return 0
}

func (r *recorder) report(filter *regexp.Regexp, buffers, programs int) *wire.MetricsReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &wire.MetricsReport{}
	names := make([]string, 0, len(r.samplers))
	for name := range r.samplers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if filter != nil && !filter.MatchString(name) {
			continue
		}
		report.Metrics = append(report.Metrics, wire.Metric{Name: name, Percentiles: r.samplers[name].percentiles()})
	}
	gauges := []struct {
		name  string
		value int64
	}{{MetricBuffers, int64(buffers)}, {MetricPrograms, int64(programs)}}
	for _, g := range gauges {
		if filter != nil && !filter.MatchString(g.name) {
			continue
		}
		value := g.value
		report.Metrics = append(report.Metrics, wire.Metric{Name: g.name, Int64Value: &value})
	}
	return report
}
