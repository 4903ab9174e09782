// Package config loads the client configuration from the environment.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Defaults.
const (
	DefaultMaxTensorsPartition    int64 = 1800000000
	DefaultCompilationCacheSize         = 64
	DefaultSessionPrewarm               = 16
	DefaultMinReleaseThreads            = 8
	DefaultReleaseBreakerFailures       = 5
	DefaultReleaseBreakerCooldown       = 10 * time.Second
)

// Config is the full configuration surface of the client and its helper services.
type Config struct {
	// TPUConfig is the multi-host TPU cluster spec, "job;task;host:port|...".
	TPUConfig string
	// DeviceCounts holds <KIND>_NUM_DEVICES for the synthetic local worker.
	DeviceCounts map[string]int
	// DeviceMap and Workers are the explicit topology strings.
	DeviceMap string
	Workers   string

	MeshServiceAddress    string
	LocalWorker           string
	MultiProcessingDevice string
	ShardWorldSize        int

	CompilationCacheSize int
	// HandleReleaseThreads of 0 means max(number of devices, 8).
	HandleReleaseThreads int
	// After ReleaseBreakerFailures consecutive failed release RPCs to a device its
	// handles are dropped for ReleaseBreakerCooldown.
	ReleaseBreakerFailures int
	ReleaseBreakerCooldown time.Duration
	SplitChainedExec       bool
	MaxTensorsPartition    int64

	SlowCompileHLOFolder string
	// CompileTimeThreshold of 0 disables slow compile dumps.
	CompileTimeThreshold time.Duration

	IOThreads      int
	CPUThreads     int
	SessionPrewarm int
}

// Error reports an unusable configuration.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "configuration error: " + e.Msg + ": " + e.Err.Error()
	}
	return "configuration error: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a configuration Error.
func Errorf(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Default returns the configuration with every option at its default.
func Default() *Config {
	return &Config{
		DeviceCounts:           map[string]int{},
		CompilationCacheSize:   DefaultCompilationCacheSize,
		MaxTensorsPartition:    DefaultMaxTensorsPartition,
		ReleaseBreakerFailures: DefaultReleaseBreakerFailures,
		ReleaseBreakerCooldown: DefaultReleaseBreakerCooldown,
		IOThreads:              defaultIOThreads(),
		CPUThreads:             numCPU(),
		SessionPrewarm:         DefaultSessionPrewarm,
	}
}

// FromEnv reads the process environment.
func FromEnv() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup reads the configuration through lookup, which has the signature of
// os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	c := Default()
	r := reader{lookup: lookup}

	c.TPUConfig = r.str("XRT_TPU_CONFIG")
	for _, kind := range []string{"TPU", "GPU", "CPU"} {
		if n := r.integer(kind+"_NUM_DEVICES", -1); n >= 0 {
			c.DeviceCounts[kind] = n
		}
	}
	c.DeviceMap = r.str("XRT_DEVICE_MAP")
	c.Workers = r.str("XRT_WORKERS")
	c.MeshServiceAddress = r.str("XRT_MESH_SERVICE_ADDRESS")
	c.LocalWorker = r.str("XRT_LOCAL_WORKER")
	c.MultiProcessingDevice = r.str("XRT_MULTI_PROCESSING_DEVICE")
	c.ShardWorldSize = r.integer("XRT_SHARD_WORLD_SIZE", 0)

	c.CompilationCacheSize = r.integer("XLA_COMPILATION_CACHE_SIZE", c.CompilationCacheSize)
	c.HandleReleaseThreads = r.integer("XLA_HANDLE_RELEASE_THREADS", 0)
	c.ReleaseBreakerFailures = r.integer("XRT_RELEASE_BREAKER_FAILURES", c.ReleaseBreakerFailures)
	if d := r.seconds("XRT_RELEASE_BREAKER_COOLDOWN"); d > 0 {
		c.ReleaseBreakerCooldown = d
	}
	c.SplitChainedExec = r.integer("XRT_SPLIT_CHAINED_EXEC", 0) != 0
	c.MaxTensorsPartition = r.bytes("XRT_MAX_TENSORS_PARTITION", c.MaxTensorsPartition)
	c.SlowCompileHLOFolder = r.str("XLA_SLOW_COMPILE_HLO_FOLDER")
	c.CompileTimeThreshold = r.seconds("XLA_COMPILE_TIME_THRESHOLD")
	c.IOThreads = r.integer("XLA_IO_THREADS", c.IOThreads)
	c.CPUThreads = r.integer("XLA_CPU_THREADS", c.CPUThreads)
	c.SessionPrewarm = r.integer("XRT_SESSION_PREWARM", c.SessionPrewarm)

	if r.err != nil {
		return nil, r.err
	}
	return c, c.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.CompilationCacheSize < 1:
		return Errorf("XLA_COMPILATION_CACHE_SIZE must be positive, got %d", c.CompilationCacheSize)
	case c.MaxTensorsPartition < 1:
		return Errorf("XRT_MAX_TENSORS_PARTITION must be positive, got %d", c.MaxTensorsPartition)
	case c.HandleReleaseThreads < 0:
		return Errorf("XLA_HANDLE_RELEASE_THREADS must not be negative, got %d", c.HandleReleaseThreads)
	case c.ReleaseBreakerFailures < 1:
		return Errorf("XRT_RELEASE_BREAKER_FAILURES must be positive, got %d", c.ReleaseBreakerFailures)
	case c.IOThreads < 1 || c.CPUThreads < 1:
		return Errorf("thread pools need at least one thread, got io=%d cpu=%d", c.IOThreads, c.CPUThreads)
	case c.SessionPrewarm < 0:
		return Errorf("XRT_SESSION_PREWARM must not be negative, got %d", c.SessionPrewarm)
	}
	return nil
}

// ReleaseThreads resolves HandleReleaseThreads for a client owning numDevices devices.
func (c *Config) ReleaseThreads(numDevices int) int {
	if c.HandleReleaseThreads > 0 {
		return c.HandleReleaseThreads
	}
	return max(numDevices, DefaultMinReleaseThreads)
}

type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(name string) string {
	v, _ := r.lookup(name)
	return strings.TrimSpace(v)
}

func (r *reader) fail(name, value string, err error) {
	if r.err == nil {
		r.err = &Error{Msg: fmt.Sprintf("invalid %s=%q", name, value), Err: err}
	}
}

func (r *reader) integer(name string, def int) int {
	v := r.str(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, v, err)
		return def
	}
	return n
}

func (r *reader) bytes(name string, def int64) int64 {
	v := r.str(name)
	if v == "" {
		return def
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		r.fail(name, v, err)
		return def
	}
	if n > math.MaxInt64 {
		r.fail(name, v, fmt.Errorf("%d overflows int64", n))
		return def
	}
	return int64(n)
}

func (r *reader) seconds(name string) time.Duration {
	v := r.str(name)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		r.fail(name, v, err)
		return 0
	}
	if secs*float64(time.Second) > math.MaxInt64 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
