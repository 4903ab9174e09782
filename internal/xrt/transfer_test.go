package xrt

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/worker"
)

func TestPartitionTransfer(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int64
		limit int64
		want  []int
	}{
		{"empty", nil, 100, []int{0}},
		{"fits", []int64{10, 20, 30}, 100, []int{0}},
		{"exact", []int64{50, 50}, 100, []int{0}},
		{"forty percent", []int64{40, 40, 40, 40, 40}, 100, []int{0, 2, 4}},
		{"oversized first", []int64{150, 10}, 100, []int{0, 1}},
		{"oversized middle", []int64{10, 150, 10}, 100, []int{0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PartitionTransfer(tt.sizes, tt.limit))
		})
	}
}

func TestPartitionTransferRespectsLimit(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		limit := int64(1 + r.IntN(1000))
		sizes := make([]int64, r.IntN(40))
		for i := range sizes {
			sizes[i] = int64(r.IntN(int(limit + limit/2 + 1)))
		}
		partitions := PartitionTransfer(sizes, limit)
		require.Equal(t, 0, partitions[0])
		for p, start := range partitions {
			end := len(sizes)
			if p+1 < len(partitions) {
				end = partitions[p+1]
				require.Less(t, start, end)
			}
			var sum int64
			for _, s := range sizes[start:end] {
				sum += s
			}
			if end-start > 1 {
				assert.LessOrEqual(t, sum, limit, "partition %d of %v", p, sizes)
			}
		}
	}
}

func TestTransferSinglePartition(t *testing.T) {
	c := newTestClient(t, nil)
	w := testWorker(c)

	sources := []TensorSource{
		f32Source(t, []float32{1, 2, 3, 4}, 2, 2),
		f32Source(t, []float32{5, 6, 7, 8}, 4),
		f32Source(t, []float32{9}, 1),
	}
	data, err := c.TransferToServer(context.Background(), "CPU:0", sources)
	require.NoError(t, err)
	defer releaseEach(data...)

	require.Len(t, data, 3)
	for i, d := range data {
		assert.Equal(t, "CPU:0", d.Device())
		assert.Equal(t, BufferData, d.Kind())
		assert.Equal(t, sources[i].Shape.Dimensions, d.Shape().Dimensions)
		assert.True(t, d.HasValue())
	}
	assert.Equal(t, int64(1), w.Calls(worker.MetricAllocate))

	values := readFloats(t, c, data...)
	assert.Equal(t, [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}, {9}}, values)
	assert.Equal(t, int64(1), w.Calls(worker.MetricRead))
}

func TestTransferPartitionedBatch(t *testing.T) {
	// Each tensor is 40 bytes, 40% of the ceiling.
	c := newTestClient(t, func(cfg *config.Config) { cfg.MaxTensorsPartition = 100 })
	w := testWorker(c)

	before := getMetricValue(transferPartitions)
	values := make([][]float32, 5)
	for i := range values {
		values[i] = make([]float32, 10)
		for j := range values[i] {
			values[i][j] = float32(i*10 + j)
		}
	}
	data := transfer(t, c, "GPU:1", values...)
	defer releaseEach(data...)

	require.Len(t, data, 5)
	assert.Equal(t, int64(3), w.Calls(worker.MetricAllocate))
	assert.Equal(t, float64(3), getMetricValue(transferPartitions)-before)

	got := readFloats(t, c, data...)
	assert.Equal(t, values, got)
	// Reads batch under the ceiling too: [0 1] [2 3] [4].
	assert.Equal(t, int64(3), w.Calls(worker.MetricRead))
}

// transferWithin fails the test when the transfers started by run do not finish in
// time.
func transferWithin(t *testing.T, timeout time.Duration, run func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- run() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatalf("transfers did not finish within %s", timeout)
	}
}

func TestTransferMorePartitionsThanIOThreads(t *testing.T) {
	// Every 16 byte tensor fills a partition of its own.
	c := newTestClient(t, func(cfg *config.Config) {
		cfg.MaxTensorsPartition = 16
		cfg.IOThreads = 2
	})
	w := testWorker(c)

	values := make([][]float32, 6)
	sources := make([]TensorSource, len(values))
	for i := range values {
		values[i] = []float32{float32(i), 1, 2, 3}
		sources[i] = f32Source(t, values[i], 4)
	}
	var data []*Data
	transferWithin(t, 10*time.Second, func() error {
		var err error
		data, err = c.TransferToServer(context.Background(), "CPU:0", sources)
		return err
	})
	defer releaseEach(data...)

	assert.Equal(t, int64(6), w.Calls(worker.MetricAllocate))
	assert.Equal(t, values, readFloats(t, c, data...))
}

func TestConcurrentPartitionedTransfers(t *testing.T) {
	c := newTestClient(t, func(cfg *config.Config) { cfg.MaxTensorsPartition = 16 })
	w := testWorker(c)

	const callers = 12
	sources := []TensorSource{
		f32Source(t, []float32{1, 2, 3, 4}, 4),
		f32Source(t, []float32{5, 6, 7, 8}, 4),
		f32Source(t, []float32{9, 10, 11, 12}, 4),
	}
	results := make([][]*Data, callers)
	transferWithin(t, 10*time.Second, func() error {
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = c.TransferToServer(context.Background(), "GPU:0", sources)
			}()
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	})

	assert.Equal(t, int64(3*callers), w.Calls(worker.MetricAllocate))
	for _, data := range results {
		require.Len(t, data, 3)
		assert.Equal(t, [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}}, readFloats(t, c, data...))
		releaseEach(data...)
	}
}

func TestTransferPerSourceDevice(t *testing.T) {
	c := newTestClient(t, nil)
	w := testWorker(c)

	a := f32Source(t, []float32{1}, 1)
	b := f32Source(t, []float32{2}, 1)
	b.Device = "GPU:1"
	data, err := c.TransferToServer(context.Background(), ":0", []TensorSource{a, b})
	require.NoError(t, err)
	defer releaseEach(data...)

	assert.Equal(t, "GPU:0", data[0].Device())
	assert.Equal(t, "GPU:1", data[1].Device())
	// Both devices live on the same worker: one allocation.
	assert.Equal(t, int64(1), w.Calls(worker.MetricAllocate))
	assert.Equal(t, [][]float32{{1}, {2}}, readFloats(t, c, data...))
}

func TestTransferOversizedTensor(t *testing.T) {
	c := newTestClient(t, func(cfg *config.Config) { cfg.MaxTensorsPartition = 100 })

	_, err := c.TransferToServer(context.Background(), "", []TensorSource{
		f32Source(t, []float32{1}, 1),
		f32Source(t, make([]float32, 30), 30),
	})
	require.Error(t, err)
	var limit *ProtocolLimitError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, 1, limit.Index)
	assert.Equal(t, int64(120), limit.Size)
	assert.Zero(t, testWorker(c).Calls(worker.MetricAllocate))
}

func TestTransferRejectsBadSources(t *testing.T) {
	c := newTestClient(t, nil)

	_, err := c.TransferToServer(context.Background(), "TPU:3", []TensorSource{f32Source(t, []float32{1}, 1)})
	assert.True(t, isInvariant(err))

	_, err = c.TransferToServer(context.Background(), "", []TensorSource{{Shape: shape.Make(dtypes.Float32, 1)}})
	assert.True(t, isInvariant(err))

	_, err = c.TransferToServer(context.Background(), "", []TensorSource{{
		Shape:    shape.MakeTuple(shape.Make(dtypes.Float32, 1)),
		Populate: func([]byte) error { return nil },
	}})
	assert.True(t, isInvariant(err))

	populateErr := errors.New("no data")
	_, err = c.TransferToServer(context.Background(), "", []TensorSource{{
		Shape:    shape.Make(dtypes.Float32, 1),
		Populate: func([]byte) error { return populateErr },
	}})
	assert.ErrorIs(t, err, populateErr)
	assert.Zero(t, testWorker(c).Calls(worker.MetricAllocate))
}

func TestTransferFromServerOversized(t *testing.T) {
	c := newTestClient(t, nil)
	data := transfer(t, c, "", make([]float32, 30))
	defer releaseEach(data...)

	c.cfg.MaxTensorsPartition = 100
	_, err := c.TransferFromServer(context.Background(), data)
	var limit *ProtocolLimitError
	assert.True(t, errors.As(err, &limit))
}
