// Package xrt is the distributed computation client.
//
// A Client resolves the cluster topology, keeps sessions to every worker it talks
// to, and moves tensors and programs across them: TransferToServer and
// TransferFromServer stage host tensors in and out of device memory under the wire
// payload ceiling, Compile deduplicates programs per resource domain, and the
// Execute family runs them on one device, replicated, in parallel or as a chained
// DAG. Device values and programs are owned by release tokens that free their
// server handles in the background.
package xrt

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/23skdu/longbow-xrt/internal/cache"
	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/device"
	"github.com/23skdu/longbow-xrt/internal/handle"
	"github.com/23skdu/longbow-xrt/internal/mesh"
	"github.com/23skdu/longbow-xrt/internal/session"
	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/topology"
	"github.com/23skdu/longbow-xrt/internal/wire"
	"github.com/23skdu/longbow-xrt/internal/worker"
	"github.com/23skdu/longbow-xrt/internal/xsync"
)

// DefaultRngSeed seeds executions until SetRngSeed is called.
const DefaultRngSeed uint64 = 0x5a2d296e9

// Ops prewarmed on every session, per local device.
var prewarmedOps = []string{
	wire.OpCompile,
	wire.OpExecute,
	wire.OpExecuteChained,
	wire.OpRead,
	wire.OpReleaseAllocation,
	wire.OpReleaseCompilation,
	wire.OpSubTuple,
}

// Options tune a Client beyond its Config.
type Options struct {
	// Mesh resolves the topology when the configuration has none. When nil and a
	// mesh service address is configured, a mesh client is dialed.
	Mesh topology.MeshFetcher
	// Layouts picks device layouts. Defaults to row-major.
	Layouts shape.Layouts
	// DialOptions override the session connection options.
	DialOptions []grpc.DialOption
}

// Client is the computation client.
type Client struct {
	cfg     *config.Config
	topo    *topology.Options
	layouts shape.Layouts

	execSessions  *session.Cache
	allocSessions *session.Cache
	releaser      *handle.Releaser
	compiled      *cache.LRU[*Computation]

	pool   *xsync.Pool
	ioPool *xsync.Pool

	meshClient   *mesh.Client
	meshService  *mesh.Service
	localService *worker.Service

	rngSeed   atomic.Uint64
	dumpCount atomic.Int64
	closeOnce sync.Once
}

// New resolves the topology described by cfg and returns a ready client. It serves
// the local worker and the mesh service when the topology assigns them to this
// process.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		layouts: opts.Layouts,
		pool:    xsync.NewPool("general", cfg.CPUThreads),
		ioPool:  xsync.NewPool("io", cfg.IOThreads),
	}
	if c.layouts == nil {
		c.layouts = shape.DescendingLayouts
	}
	c.rngSeed.Store(DefaultRngSeed)

	fetcher := opts.Mesh
	if fetcher == nil && cfg.MeshServiceAddress != "" {
		mc, err := mesh.NewClient(cfg.MeshServiceAddress)
		if err != nil {
			return nil, err
		}
		c.meshClient, fetcher = mc, mc
	}

	topo, err := topology.Resolve(ctx, cfg, fetcher)
	if err != nil {
		c.shutdownServices()
		return nil, err
	}
	c.topo = topo

	if err := c.maybeCreateLocalService(); err != nil {
		c.shutdownServices()
		return nil, err
	}
	if err := c.maybeCreateMeshService(); err != nil {
		c.shutdownServices()
		return nil, err
	}

	c.execSessions = session.NewCache("execute", c.initSession, opts.DialOptions...)
	c.allocSessions = session.NewCache("alloc", nil, opts.DialOptions...)
	c.releaser = handle.NewReleaser(c.releaseHandles, cfg.ReleaseThreads(len(topo.Devices)))
	c.releaser.SetBreaker(cfg.ReleaseBreakerFailures, cfg.ReleaseBreakerCooldown)
	c.compiled = cache.NewLRU(cfg.CompilationCacheSize, func(_ cache.Key, comp *Computation) {
		compileCacheEvictions.Inc()
		comp.Release()
	})

	log.Info().
		Str("default_device", topo.DefaultDevice).
		Strs("local_devices", topo.LocalDevices()).
		Int("workers", len(topo.WorkersMap)).
		Msg("xrt client ready")
	return c, nil
}

func hasStaticTopology(cfg *config.Config) bool {
	return cfg.TPUConfig != "" || cfg.DeviceMap != "" || cfg.Workers != "" ||
		cfg.DeviceCounts[device.KindTPU] > 0 || cfg.DeviceCounts[device.KindGPU] > 0
}

func (c *Client) maybeCreateLocalService() error {
	w, addr, ok, err := c.topo.LocalService(c.cfg.LocalWorker)
	if err != nil || !ok {
		return err
	}
	svc, err := worker.Serve(addr)
	if err != nil {
		return errors.Wrapf(err, "starting local service %s", w)
	}
	c.localService = svc
	return nil
}

// maybeCreateMeshService serves the mesh from the process owning multiprocessing
// ordinal 0.
func (c *Client) maybeCreateMeshService() error {
	if c.cfg.MeshServiceAddress == "" || c.cfg.MultiProcessingDevice == "" || !hasStaticTopology(c.cfg) {
		return nil
	}
	id, err := device.ParseID(c.cfg.MultiProcessingDevice)
	if err != nil {
		return &config.Error{Msg: "invalid XRT_MULTI_PROCESSING_DEVICE", Err: err}
	}
	if id.Ordinal != 0 {
		return nil
	}
	svc, err := mesh.Serve(c.cfg.MeshServiceAddress, c.topo.MeshConfig(c.cfg.ShardWorldSize))
	if err != nil {
		return err
	}
	c.meshService = svc
	return nil
}

// initSession prewarms the nodes of every local device served by the session target.
func (c *Client) initSession(s *session.Session) error {
	devices := c.topo.LocalDevices()
	for _, d := range devices {
		if strings.HasPrefix(d, device.KindCPU+":") && len(devices) > 1 {
			continue
		}
		_, endpoint, err := c.topo.WorkerForDevice(d)
		if err != nil {
			return err
		}
		if endpoint != s.Target() {
			continue
		}
		physical, err := c.topo.PhysicalDevice(d)
		if err != nil {
			return err
		}
		for _, op := range prewarmedOps {
			s.Prewarm(session.NodeKey(op, d), &session.Node{Op: op, Device: physical}, c.cfg.SessionPrewarm)
		}
	}
	return nil
}

// node returns the prepared request node of op on device d.
func (c *Client) node(s *session.Session, op, d string, attrs func() ([]byte, error), params ...string) (*session.Node, error) {
	return s.Node(session.NodeKey(op, d, params...), func() (*session.Node, error) {
		physical, err := c.topo.PhysicalDevice(d)
		if err != nil {
			return nil, invariantf("%v", err)
		}
		n := &session.Node{Op: op, Device: physical}
		if attrs != nil {
			if n.Attrs, err = attrs(); err != nil {
				return nil, err
			}
		}
		return n, nil
	})
}

// target returns the endpoint serving logical device d.
func (c *Client) target(d string) (string, error) {
	_, endpoint, err := c.topo.WorkerForDevice(d)
	if err != nil {
		return "", invariantf("%v", err)
	}
	return endpoint, nil
}

// effective resolves d to a known logical device.
func (c *Client) effective(d string) (string, error) {
	eff := c.topo.EffectiveDevice(d)
	if _, ok := c.topo.GlobalDeviceMap[eff]; !ok {
		return "", invariantf("unable to find device: %q", d)
	}
	return eff, nil
}

func (c *Client) releaseHandles(ctx context.Context, kind handle.Kind, d string, handles []int64) error {
	op, action, metric := wire.OpReleaseAllocation, wire.ActionReleaseAllocation, opReleaseData
	if kind == handle.KindCompilation {
		op, action, metric = wire.OpReleaseCompilation, wire.ActionReleaseCompilation, opReleaseCompile
	}
	defer observe(metric, time.Now())

	target, err := c.target(d)
	if err != nil {
		return err
	}
	s, err := c.execSessions.GetSession(ctx, target)
	if err != nil {
		return err
	}
	n, err := c.node(s, op, d, nil)
	if err != nil {
		return err
	}
	return s.Do(ctx, action, wire.ReleaseRequest{Device: n.Device, Handles: handles}, nil)
}

func observe(op string, start time.Time) {
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Topology returns the resolved cluster options.
func (c *Client) Topology() *topology.Options { return c.topo }

// DefaultDevice is the device used when callers pass "".
func (c *Client) DefaultDevice() string { return c.topo.DefaultDevice }

// LocalDevices lists the devices owned by this process.
func (c *Client) LocalDevices() []string { return c.topo.LocalDevices() }

// AllDevices lists every device of the cluster.
func (c *Client) AllDevices() []string { return c.topo.AllDevices() }

// SetRngSeed sets the seed carried by subsequent executions.
func (c *Client) SetRngSeed(seed uint64) { c.rngSeed.Store(seed) }

// RngSeed is the seed carried by executions.
func (c *Client) RngSeed() uint64 { return c.rngSeed.Load() }

// CreateDataPlaceholder returns a shape-only value on d. It has no server handle
// and cannot be used as an argument.
func (c *Client) CreateDataPlaceholder(d string, s shape.Shape) (*Data, error) {
	eff, err := c.effective(d)
	if err != nil {
		return nil, err
	}
	return newData(BufferData, eff, s, nil), nil
}

// Flush waits until every handle dropped so far has been released.
func (c *Client) Flush() { c.releaser.Flush() }

// LocalService is the worker this process serves, if any.
func (c *Client) LocalService() *worker.Service { return c.localService }

// Close releases the compilation cache, frees every pending handle and shuts the
// sessions and services down. Values dropped afterwards are leaked.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.compiled.Purge()
		err = c.releaser.Close()
		if cerr := c.execSessions.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := c.allocSessions.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.shutdownServices()
	})
	return err
}

func (c *Client) shutdownServices() {
	if c.meshClient != nil {
		_ = c.meshClient.Close()
	}
	if c.meshService != nil {
		_ = c.meshService.Close()
	}
	if c.localService != nil {
		_ = c.localService.Close()
	}
}
