package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/device"
	"github.com/23skdu/longbow-xrt/internal/mesh"
	"github.com/23skdu/longbow-xrt/internal/topology"
	"github.com/23skdu/longbow-xrt/internal/worker"
	"github.com/23skdu/longbow-xrt/internal/xrt"
)

var (
	serveAddr    = flag.String("serve", "", "Serve a worker on this address (e.g. localhost:40934) and block")
	meshAddr     = flag.String("mesh", "", "Serve the mesh service for the configured topology on this address and block")
	meshSize     = flag.Int("mesh-size", 1, "Number of clients a mesh rendezvous waits for")
	listenAddr   = flag.String("listen", "", "Address of the HTTP server exposing /metrics and /health (e.g. :8080)")
	gpus         = flag.Int("gpus", -1, "Override GPU_NUM_DEVICES")
	split        = flag.Bool("split", false, "Run chained executions op by op")
	maxPartition = flag.String("max-partition", "", "Override XRT_MAX_TENSORS_PARTITION (e.g. 1.8GB, 512MB)")
	size         = flag.Int("size", 1024, "Elements per tensor of the demo")
	duration     = flag.Duration("duration", 0, "Repeat the demo for the specified duration (e.g. 10s, 20m)")
	showMetrics  = flag.Bool("metrics", false, "Print the worker runtime metrics after the demo")
	enableOTel   = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile   = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	srv := NewServer()
	if *listenAddr != "" {
		go startServer(*listenAddr, srv)
	}

	// Worker mode
	if *serveAddr != "" {
		svc, err := worker.Serve(*serveAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start worker")
		}
		<-ctx.Done()
		_ = svc.Close()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Mesh mode
	if *meshAddr != "" {
		topo, err := topology.Resolve(ctx, cfg, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve topology")
		}
		svc, err := mesh.Serve(*meshAddr, topo.MeshConfig(*meshSize))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start mesh service")
		}
		<-ctx.Done()
		_ = svc.Close()
		return
	}

	client, err := xrt.New(ctx, cfg, xrt.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close client")
		}
	}()
	srv.SetClient(client)

	if *duration > 0 {
		soak(ctx, client, *duration)
	} else {
		res, err := runDemo(ctx, client, *size)
		if err != nil {
			log.Fatal().Err(err).Msg("Demo failed")
		}
		res.log()
	}

	if *showMetrics {
		metrics, err := client.GetMetrics(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to fetch worker metrics")
		}
		writeMetrics(os.Stdout, metrics)
	}
}

// loadConfig reads the environment and applies the flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if *gpus >= 0 {
		cfg.DeviceCounts[device.KindGPU] = *gpus
	}
	if *split {
		cfg.SplitChainedExec = true
	}
	if *maxPartition != "" {
		n, err := humanize.ParseBytes(*maxPartition)
		if err != nil {
			return nil, &config.Error{Msg: "invalid -max-partition", Err: err}
		}
		cfg.MaxTensorsPartition = int64(n)
	}
	return cfg, cfg.Validate()
}

func soak(ctx context.Context, client *xrt.Client, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")
	start := time.Now()
	end := start.Add(d)
	var iter int
	var moved int64
	for time.Now().Before(end) && ctx.Err() == nil {
		res, err := runDemo(ctx, client, *size)
		if err != nil {
			log.Fatal().Err(err).Int("iter", iter).Msg("Soak iteration failed")
		}
		moved += res.bytes
		iter++
		if iter%10 == 0 {
			elapsed := time.Since(start)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("bytes", moved).
				Float64("iter_per_sec", float64(iter)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}
	log.Info().Int("iterations", iter).Dur("total_time", time.Since(start)).Msg("Soak test complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("xrt"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
