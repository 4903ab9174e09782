package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/device"
	"github.com/23skdu/longbow-xrt/internal/wire"
	"github.com/23skdu/longbow-xrt/internal/xrt"
)

type mockMetricsSource struct {
	mock.Mock
}

func (m *mockMetricsSource) GetMetrics(ctx context.Context) (map[string]wire.Metric, error) {
	args := m.Called(ctx)
	metrics, _ := args.Get(0).(map[string]wire.Metric)
	return metrics, args.Error(1)
}

func int64p(v int64) *int64 { return &v }

func TestServer(t *testing.T) {
	srv := NewServer()

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()

		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})

	t.Run("Workers without client", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/workers", nil)
		rr := httptest.NewRecorder()

		srv.handleWorkers(rr, req)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("Workers report", func(t *testing.T) {
		src := &mockMetricsSource{}
		src.On("GetMetrics", mock.Anything).Return(map[string]wire.Metric{
			"XrtCompile": {Name: "XrtCompile", Int64Value: int64p(1234567)},
		}, nil).Once()
		srv.setSource(src)

		req, _ := http.NewRequest("GET", "/workers", nil)
		rr := httptest.NewRecorder()
		srv.handleWorkers(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "XrtCompile: 1,234,567\n", rr.Body.String())
		src.AssertExpectations(t)
	})

	t.Run("Workers failure", func(t *testing.T) {
		src := &mockMetricsSource{}
		src.On("GetMetrics", mock.Anything).Return(nil, errors.New("worker down")).Once()
		srv.setSource(src)

		req, _ := http.NewRequest("GET", "/workers", nil)
		rr := httptest.NewRecorder()
		srv.handleWorkers(rr, req)

		assert.Equal(t, http.StatusBadGateway, rr.Code)
		src.AssertExpectations(t)
	})
}

func TestWriteMetrics(t *testing.T) {
	var buf bytes.Buffer
	writeMetrics(&buf, map[string]wire.Metric{
		"b": {Name: "b", Percentiles: &wire.Percentiles{
			Unit:         wire.UnitTime,
			Mean:         1500,
			TotalSamples: 2000,
			Points:       []wire.Point{{Percentile: 50, Value: 1000}},
		}},
		"a": {Name: "a", Int64Value: int64p(7)},
	})
	assert.Equal(t, "a: 7\nb: samples=2,000 mean=1.5µs p50=1µs\n", buf.String())
}

func TestRunDemo(t *testing.T) {
	for _, split := range []bool{false, true} {
		cfg := config.Default()
		cfg.DeviceCounts = map[string]int{device.KindGPU: 1}
		cfg.SplitChainedExec = split
		client, err := xrt.New(context.Background(), cfg, xrt.Options{})
		require.NoError(t, err)

		res, err := runDemo(context.Background(), client, 100)
		require.NoError(t, err)
		assert.Equal(t, "GPU:0", res.device)
		assert.Equal(t, res.want, res.sum)

		metrics, err := client.GetMetrics(context.Background())
		require.NoError(t, err)
		assert.Contains(t, metrics, "XrtAllocateFromTensor")
		require.NoError(t, client.Close())
	}
}
