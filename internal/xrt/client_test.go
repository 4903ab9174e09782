package xrt

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/device"
	"github.com/23skdu/longbow-xrt/internal/literal"
	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/worker"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

// newTestClient starts a client owning CPU:0, GPU:0 and GPU:1 behind one local
// worker.
func newTestClient(t *testing.T, mutate func(*config.Config)) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.DeviceCounts = map[string]int{device.KindGPU: 2}
	cfg.SessionPrewarm = 2
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NotNil(t, c.LocalService())
	return c
}

func testWorker(c *Client) *worker.Server {
	return c.LocalService().Worker()
}

func f32Source(t *testing.T, values []float32, dims ...int) TensorSource {
	t.Helper()
	l, err := literal.FromFloat32(dtypes.Float32, values, dims...)
	require.NoError(t, err)
	return TensorSource{Shape: l.Shape, Populate: l.Populate}
}

func transfer(t *testing.T, c *Client, d string, values ...[]float32) []*Data {
	t.Helper()
	sources := make([]TensorSource, len(values))
	for i, v := range values {
		sources[i] = f32Source(t, v, len(v))
	}
	data, err := c.TransferToServer(context.Background(), d, sources)
	require.NoError(t, err)
	return data
}

func readFloats(t *testing.T, c *Client, data ...*Data) [][]float32 {
	t.Helper()
	lits, err := c.TransferFromServer(context.Background(), data)
	require.NoError(t, err)
	out := make([][]float32, len(lits))
	for i, l := range lits {
		out[i], err = l.Float32s()
		require.NoError(t, err)
	}
	return out
}

func compileOne(t *testing.T, c *Client, d string, inst CompileInstance) *Computation {
	t.Helper()
	comps, err := c.Compile(context.Background(), d, nil, []CompileInstance{inst})
	require.NoError(t, err)
	require.Len(t, comps, 1)
	return comps[0]
}

func releaseEach(data ...*Data) {
	for _, d := range data {
		d.Release()
	}
}

func isInvariant(err error) bool {
	var inv *InvariantError
	return errors.As(err, &inv)
}

func TestNewResolvesLocalTopology(t *testing.T) {
	c := newTestClient(t, nil)

	assert.Equal(t, "GPU:0", c.DefaultDevice())
	assert.Equal(t, []string{"CPU:0", "GPU:0", "GPU:1"}, c.AllDevices())
	assert.Equal(t, c.AllDevices(), c.LocalDevices())
	assert.Equal(t, DefaultRngSeed, c.RngSeed())

	c.SetRngSeed(42)
	assert.Equal(t, uint64(42), c.RngSeed())
}

func TestNewWithoutTopologyFails(t *testing.T) {
	cfg := config.Default()
	_, err := New(context.Background(), cfg, Options{})
	require.Error(t, err)
	var cerr *ConfigurationError
	assert.True(t, errors.As(err, &cerr))
}

func TestHandleLifecycle(t *testing.T) {
	c := newTestClient(t, nil)
	w := testWorker(c)

	data := transfer(t, c, "GPU:0", []float32{1, 2}, []float32{3, 4})
	buffers, _ := w.Live()
	require.Equal(t, 2, buffers)

	shared := data[0].Retain()
	releaseEach(data...)
	c.Flush()
	buffers, _ = w.Live()
	assert.Equal(t, 1, buffers, "a retained reference keeps the handle alive")
	assert.True(t, shared.HasValue())

	shared.Release()
	c.Flush()
	buffers, _ = w.Live()
	assert.Equal(t, 0, buffers)
	assert.Equal(t, int64(2), w.Calls(worker.MetricReleaseData))

	// Releasing again is a no-op and issues no further RPC.
	shared.Release()
	c.Flush()
	assert.Equal(t, int64(2), w.Calls(worker.MetricReleaseData))
}

func TestPlaceholderHasNoHandle(t *testing.T) {
	c := newTestClient(t, nil)

	p, err := c.CreateDataPlaceholder("", shape.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	assert.Equal(t, "GPU:0", p.Device())
	assert.False(t, p.HasValue())
	assert.Equal(t, int64(0), p.Handle())

	_, err = c.TransferFromServer(context.Background(), []*Data{p})
	assert.True(t, isInvariant(err))
	assert.Zero(t, testWorker(c).Calls(worker.MetricRead))

	_, err = c.CreateDataPlaceholder("TPU:0", shape.Make(dtypes.Float32, 2))
	assert.True(t, isInvariant(err))
}

func TestGetMetrics(t *testing.T) {
	c := newTestClient(t, nil)
	data := transfer(t, c, "", []float32{1})
	defer releaseEach(data...)

	metrics, err := c.GetMetrics(context.Background())
	require.NoError(t, err)
	alloc, ok := metrics["XrtAllocateFromTensor"]
	require.True(t, ok)
	require.NotNil(t, alloc.Percentiles)
	assert.Equal(t, int64(1), alloc.Percentiles.TotalSamples)

	live, ok := metrics[worker.MetricBuffers]
	require.True(t, ok)
	require.NotNil(t, live.Int64Value)
	assert.Equal(t, int64(1), *live.Int64Value)
}

func TestRemoteMetricName(t *testing.T) {
	assert.Equal(t, "XrtCompile", RemoteMetricName("/tensorflow/xrt/ops/compile"))
	assert.Equal(t, "XrtExecutorEvict", RemoteMetricName("/tensorflow/xrt/ds_executor/program_memory_evict"))
	assert.Equal(t, "/tensorflow/xrt/custom", RemoteMetricName("/tensorflow/xrt/custom"))
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestClient(t, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
