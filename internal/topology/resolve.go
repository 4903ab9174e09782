package topology

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/device"
	"github.com/23skdu/longbow-xrt/internal/wire"
)

// LocalServiceJob is the job name of the worker a client serves itself.
const LocalServiceJob = "localservice"

// TPUs per host of a TPU cluster spec.
const defaultTPUsPerHost = 8

// MeshFetcher fetches the cluster configuration from a mesh service.
type MeshFetcher interface {
	GetConfig(ctx context.Context) (*wire.MeshConfig, error)
}

// Resolve builds the cluster options from cfg, trying in order a TPU cluster spec,
// device counts, an explicit device/worker map and finally the mesh service. mesh
// may be nil. The local device subset and default device are populated and the
// result validated.
func Resolve(ctx context.Context, cfg *config.Config, mesh MeshFetcher) (*Options, error) {
	o := NewOptions()
	var source string
	switch {
	case cfg.TPUConfig != "":
		source = "tpu config"
		if err := o.parseTPUClusterConfig(cfg.TPUConfig, cfg.DeviceCounts); err != nil {
			return nil, err
		}
	case cfg.DeviceCounts[device.KindTPU] > 0 || cfg.DeviceCounts[device.KindGPU] > 0:
		source = "device counts"
		port, err := PickUnusedPort()
		if err != nil {
			return nil, &config.Error{Msg: "picking a local service port", Err: err}
		}
		o.addHostDevices(LocalServiceJob, 0, "localhost:"+strconv.Itoa(port), hostCounts(nil, cfg.DeviceCounts), map[string]int{})
	case cfg.DeviceMap != "" || cfg.Workers != "":
		source = "device map"
		if err := o.parseDeviceMap(cfg.DeviceMap, cfg.Workers); err != nil {
			return nil, err
		}
	case mesh != nil:
		source = "mesh service"
		if err := o.parseMeshConfig(ctx, mesh, cfg); err != nil {
			return nil, err
		}
	}
	if len(o.GlobalDeviceMap) == 0 {
		return nil, config.Errorf("missing XLA configuration: no device map could be resolved")
	}
	if err := o.PopulateLocalDevices(cfg.LocalWorker, cfg.MultiProcessingDevice); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if err := o.InitializeMesh(); err != nil {
		return nil, &config.Error{Msg: "initializing TPU mesh", Err: err}
	}
	log.Info().
		Str("source", source).
		Int("devices", len(o.GlobalDeviceMap)).
		Int("local_devices", len(o.Devices)).
		Int("workers", len(o.WorkersMap)).
		Str("default_device", o.DefaultDevice).
		Msg("resolved topology")
	return o, nil
}

// PickUnusedPort asks the kernel for a free TCP port.
func PickUnusedPort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// hostCounts returns the per-host device counts: one CPU, the given defaults, then
// the configured overrides.
func hostCounts(defaults, overrides map[string]int) map[string]int {
	counts := map[string]int{device.KindCPU: 1}
	for kind, n := range defaults {
		counts[kind] = n
	}
	for kind, n := range overrides {
		counts[kind] = n
	}
	return counts
}

// addHostDevices registers a worker and its devices. Ordinals are global per kind
// and continue across hosts through ordinals.
func (o *Options) addHostDevices(job string, task int, server string, counts map[string]int, ordinals map[string]int) {
	o.WorkersMap[device.Worker{Name: job, Task: task}] = Endpoint(server)
	for _, kind := range device.PreferredKinds {
		for j := range counts[kind] {
			name := device.ID{Kind: kind, Ordinal: ordinals[kind]}.String()
			o.GlobalDeviceMap[name] = device.MakePath(job, task, device.PhysicalType(kind), j)
			ordinals[kind]++
		}
	}
}

func (o *Options) parseTPUClusterConfig(spec string, overrides map[string]int) error {
	counts := hostCounts(map[string]int{device.KindTPU: defaultTPUsPerHost}, overrides)
	ordinals := map[string]int{}
	for _, host := range strings.Split(spec, "|") {
		parts := strings.Split(host, ";")
		if len(parts) != 3 {
			return config.Errorf("invalid XRT_TPU_CONFIG host spec %q, expected JOB;TASK;HOST:PORT", host)
		}
		task, err := strconv.Atoi(parts[1])
		if err != nil || task < 0 {
			return config.Errorf("invalid task in XRT_TPU_CONFIG host spec %q", host)
		}
		o.addHostDevices(parts[0], task, parts[2], counts, ordinals)
	}
	return nil
}

// parseDeviceMap reads "CPU:0;/job:localservice/replica:0/task:0/device:XLA_CPU:0|..."
// and "localservice:0;grpc://localhost:40934|...". A missing half defaults to a single
// CPU on a local service worker.
func (o *Options) parseDeviceMap(deviceMap, workers string) error {
	if deviceMap == "" {
		deviceMap = fmt.Sprintf("%s:0;%s", device.KindCPU, device.MakePath(LocalServiceJob, 0, device.PhysicalType(device.KindCPU), 0))
	}
	if workers == "" {
		port, err := PickUnusedPort()
		if err != nil {
			return &config.Error{Msg: "picking a local service port", Err: err}
		}
		workers = fmt.Sprintf("%s:0;grpc://localhost:%d", LocalServiceJob, port)
	}
	for _, entry := range strings.Split(deviceMap, "|") {
		logical, physical, ok := strings.Cut(entry, ";")
		if !ok || strings.Contains(physical, ";") {
			return config.Errorf("invalid XRT_DEVICE_MAP entry %q, expected DEVICE;PATH", entry)
		}
		o.GlobalDeviceMap[logical] = physical
	}
	for _, entry := range strings.Split(workers, "|") {
		name, target, ok := strings.Cut(entry, ";")
		if !ok || strings.Contains(target, ";") {
			return config.Errorf("invalid XRT_WORKERS entry %q, expected WORKER;ADDRESS", entry)
		}
		w, err := device.ParseWorker(name)
		if err != nil {
			return &config.Error{Msg: "invalid XRT_WORKERS entry", Err: err}
		}
		o.WorkersMap[w] = Endpoint(target)
	}
	return nil
}

func (o *Options) parseMeshConfig(ctx context.Context, mesh MeshFetcher, cfg *config.Config) error {
	if cfg.LocalWorker == "" {
		return config.Errorf("in a mesh client setup XRT_LOCAL_WORKER must be specified")
	}
	local, err := device.ParseWorker(cfg.LocalWorker)
	if err != nil {
		return &config.Error{Msg: "invalid XRT_LOCAL_WORKER", Err: err}
	}
	log.Info().Str("worker", local.String()).Str("mesh", cfg.MeshServiceAddress).Msg("fetching mesh configuration")
	mc, err := mesh.GetConfig(ctx)
	if err != nil {
		return &config.Error{Msg: "fetching mesh configuration", Err: err}
	}
	for _, mw := range mc.Workers {
		w := device.Worker{Name: mw.Name, Task: mw.Task}
		o.WorkersMap[w] = Endpoint(mw.Address)
		for _, md := range mw.Devices {
			id, err := device.ParseID(md.LocalName)
			if err != nil {
				return &config.Error{Msg: "invalid mesh device", Err: err}
			}
			o.GlobalDeviceMap[md.GlobalName] = device.MakePath(w.Name, w.Task, id.Kind, id.Ordinal)
		}
	}
	o.Topology = mc.Topology
	return nil
}

// PopulateLocalDevices restricts the owned devices to those of localWorker ("" for
// all) and, with multi-processing, to the device whose ordinal is mpDevice's. It then
// elects the default device: TPU over GPU over CPU, lowest ordinal.
func (o *Options) PopulateLocalDevices(localWorker, mpDevice string) error {
	worker := device.Worker{Task: -1}
	if localWorker != "" {
		w, err := device.ParseWorker(localWorker)
		if err != nil {
			return &config.Error{Msg: "invalid XRT_LOCAL_WORKER", Err: err}
		}
		worker = w
	}
	var mp *device.ID
	if mpDevice != "" {
		id, err := device.ParseID(mpDevice)
		if err != nil {
			return &config.Error{Msg: "invalid XRT_MULTI_PROCESSING_DEVICE", Err: err}
		}
		mp = &id
	}

	taskMins, err := o.taskDeviceMinOrdinals()
	if err != nil {
		return err
	}
	minOrdinals := map[string]int{}
	for global, physical := range o.GlobalDeviceMap {
		id, err := device.ParseID(global)
		if err != nil {
			return &config.Error{Msg: "bad global device map entry", Err: err}
		}
		if worker.Task >= 0 {
			p, err := device.ParsePath(physical)
			if err != nil {
				return &config.Error{Msg: "bad global device map entry for " + global, Err: err}
			}
			if !isLocalDevice(worker, p, mp, taskMins) {
				continue
			}
		}
		o.Devices[global] = struct{}{}
		if cur, ok := minOrdinals[id.Kind]; !ok || id.Ordinal < cur {
			minOrdinals[id.Kind] = id.Ordinal
		}
	}
	for _, kind := range device.PreferredKinds {
		if ordinal, ok := minOrdinals[kind]; ok {
			o.DefaultDevice = device.ID{Kind: kind, Ordinal: ordinal}.String()
			return nil
		}
	}
	return config.Errorf("no local device for worker %q", localWorker)
}

type taskKind struct {
	task int
	kind string
}

// taskDeviceMinOrdinals maps each (task, kind) to the lowest global ordinal assigned
// to it.
func (o *Options) taskDeviceMinOrdinals() (map[taskKind]int, error) {
	mins := map[taskKind]int{}
	for global, physical := range o.GlobalDeviceMap {
		id, err := device.ParseID(global)
		if err != nil {
			return nil, &config.Error{Msg: "bad global device map entry", Err: err}
		}
		p, err := device.ParsePath(physical)
		if err != nil {
			return nil, &config.Error{Msg: "bad global device map entry for " + global, Err: err}
		}
		key := taskKind{task: p.Task, kind: id.Kind}
		if cur, ok := mins[key]; !ok || id.Ordinal < cur {
			mins[key] = id.Ordinal
		}
	}
	return mins, nil
}

func isLocalDevice(worker device.Worker, p device.Path, mp *device.ID, taskMins map[taskKind]int) bool {
	if worker != p.Worker() {
		return false
	}
	if mp == nil {
		return true
	}
	base, ok := taskMins[taskKind{task: p.Task, kind: mp.Kind}]
	return ok && mp.Ordinal == base+p.ID
}

// LocalService returns the local service worker this process must serve and its
// listen address. ok is false when no worker of the localservice job has a grpc
// endpoint, or localWorker names a different one.
func (o *Options) LocalService(localWorker string) (w device.Worker, addr string, ok bool, err error) {
	want := device.Worker{Task: -1}
	if localWorker != "" {
		if want, err = device.ParseWorker(localWorker); err != nil {
			return device.Worker{}, "", false, &config.Error{Msg: "invalid XRT_LOCAL_WORKER", Err: err}
		}
	}
	for _, candidate := range o.Workers() {
		endpoint := o.WorkersMap[candidate]
		if candidate.Name != LocalServiceJob || !strings.HasPrefix(endpoint, "grpc://") {
			continue
		}
		if want.Task >= 0 && candidate != want {
			continue
		}
		if ok {
			return device.Worker{}, "", false, errors.Errorf("multiple workers match the local one: %q", localWorker)
		}
		w, addr, ok = candidate, strings.TrimPrefix(endpoint, "grpc://"), true
	}
	return w, addr, ok, nil
}
