package main

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/23skdu/longbow-xrt/internal/wire"
	"github.com/23skdu/longbow-xrt/internal/xrt"
)

var requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "xrt_http_request_duration_seconds",
	Help:    "Time spent serving worker metrics reports",
	Buckets: prometheus.DefBuckets,
})

var tracer = otel.Tracer("xrt-server")

// MetricsSource fetches the worker runtime metrics.
type MetricsSource interface {
	GetMetrics(ctx context.Context) (map[string]wire.Metric, error)
}

// Server exposes process health and the worker runtime metrics over HTTP.
type Server struct {
	mu     sync.RWMutex
	source MetricsSource
}

func NewServer() *Server {
	return &Server{}
}

// SetClient attaches the client whose workers /workers reports on.
func (s *Server) SetClient(c *xrt.Client) {
	s.setSource(c)
}

func (s *Server) setSource(src MetricsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

func startServer(addr string, srv *Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/workers", srv.handleWorkers)
	mux.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleWorkers")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src == nil {
		http.Error(w, "No client running", http.StatusServiceUnavailable)
		return
	}

	metrics, err := src.GetMetrics(ctx)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Failed to fetch worker metrics")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	var buf bytes.Buffer
	writeMetrics(&buf, metrics)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
