// Package topology resolves which workers and devices make up the cluster and which
// of them this process owns.
package topology

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/device"
	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/session"
	"github.com/23skdu/longbow-xrt/internal/wire"
)

// Options is the resolved cluster view.
type Options struct {
	// GlobalDeviceMap maps logical devices ("TPU:3") to physical device paths.
	GlobalDeviceMap map[string]string
	// WorkersMap maps workers to their grpc:// endpoints.
	WorkersMap map[device.Worker]string
	// Devices is the set of logical devices owned by this process.
	Devices map[string]struct{}
	// DefaultDevice is the device used when callers do not name one.
	DefaultDevice string
	// Topology is the TPU mesh, if any TPU is configured.
	Topology *wire.Topology

	meshCoords map[string][]int
}

// NewOptions returns empty options.
func NewOptions() *Options {
	return &Options{
		GlobalDeviceMap: make(map[string]string),
		WorkersMap:      make(map[device.Worker]string),
		Devices:         make(map[string]struct{}),
	}
}

// Endpoint normalizes a worker address to carry the grpc:// scheme.
func Endpoint(server string) string {
	if strings.HasPrefix(server, session.GRPCPrefix) {
		return server
	}
	return session.GRPCPrefix + server
}

// Validate checks that the default and local devices exist and that every physical
// device belongs to a known worker.
func (o *Options) Validate() error {
	if len(o.GlobalDeviceMap) == 0 {
		return config.Errorf("empty global device map")
	}
	if _, ok := o.GlobalDeviceMap[o.DefaultDevice]; !ok {
		return config.Errorf("default device %q is not in the global device map", o.DefaultDevice)
	}
	for d := range o.Devices {
		if _, ok := o.GlobalDeviceMap[d]; !ok {
			return config.Errorf("local device %q is not in the global device map", d)
		}
	}
	for d, physical := range o.GlobalDeviceMap {
		if _, err := device.ParseID(d); err != nil {
			return &config.Error{Msg: "bad global device map entry", Err: err}
		}
		p, err := device.ParsePath(physical)
		if err != nil {
			return &config.Error{Msg: "bad global device map entry for " + d, Err: err}
		}
		if _, ok := o.WorkersMap[p.Worker()]; !ok {
			return config.Errorf("device %s (%s) belongs to unknown worker %s", d, physical, p.Worker())
		}
	}
	return nil
}

// LocalDevices lists the owned devices in a stable order.
func (o *Options) LocalDevices() []string {
	return sortedDevices(o.Devices)
}

// AllDevices lists every device of the cluster in a stable order.
func (o *Options) AllDevices() []string {
	set := make(map[string]struct{}, len(o.GlobalDeviceMap))
	for d := range o.GlobalDeviceMap {
		set[d] = struct{}{}
	}
	return sortedDevices(set)
}

// Workers lists the workers in a stable order.
func (o *Options) Workers() []device.Worker {
	workers := make([]device.Worker, 0, len(o.WorkersMap))
	for w := range o.WorkersMap {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Less(workers[j]) })
	return workers
}

func sortedDevices(set map[string]struct{}) []string {
	devices := make([]string, 0, len(set))
	for d := range set {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		a, aerr := device.ParseID(devices[i])
		b, berr := device.ParseID(devices[j])
		if aerr != nil || berr != nil || a.Kind != b.Kind {
			return devices[i] < devices[j]
		}
		return a.Ordinal < b.Ordinal
	})
	return devices
}

// EffectiveDevice expands "" to the default device and ":N" to the default kind
// with ordinal N.
func (o *Options) EffectiveDevice(d string) string {
	if d == "" {
		return o.DefaultDevice
	}
	if d[0] == ':' {
		kind, _, _ := strings.Cut(o.DefaultDevice, ":")
		return kind + d
	}
	return d
}

// PhysicalDevice returns the physical path of a logical device.
func (o *Options) PhysicalDevice(d string) (string, error) {
	eff := o.EffectiveDevice(d)
	physical, ok := o.GlobalDeviceMap[eff]
	if !ok {
		return "", errors.Errorf("unable to find device: %s", d)
	}
	return physical, nil
}

// WorkerForPhysicalDevice returns the worker and endpoint hosting a physical device.
func (o *Options) WorkerForPhysicalDevice(physical string) (device.Worker, string, error) {
	p, err := device.ParsePath(physical)
	if err != nil {
		return device.Worker{}, "", err
	}
	w := p.Worker()
	endpoint, ok := o.WorkersMap[w]
	if !ok {
		return device.Worker{}, "", errors.Errorf("no worker %s for device %s", w, physical)
	}
	return w, endpoint, nil
}

// WorkerForDevice returns the worker and endpoint hosting a logical device.
func (o *Options) WorkerForDevice(d string) (device.Worker, string, error) {
	physical, err := o.PhysicalDevice(d)
	if err != nil {
		return device.Worker{}, "", err
	}
	return o.WorkerForPhysicalDevice(physical)
}

// ResourceDomain scopes compiled program reuse: devices behind the same endpoint
// share compiled programs.
func (o *Options) ResourceDomain(d string) (string, error) {
	_, endpoint, err := o.WorkerForDevice(d)
	return endpoint, err
}

// Locality reports whether d is owned by this process.
func (o *Options) Locality(d string) device.Locality {
	if _, ok := o.Devices[o.EffectiveDevice(d)]; ok {
		return device.Local
	}
	return device.Remote
}

// MeshCoords returns the TPU mesh coordinates of a physical device.
func (o *Options) MeshCoords(physical string) ([]int, error) {
	coords, ok := o.meshCoords[physical]
	if !ok {
		return nil, errors.Errorf("missing mesh coordinates for device: %s", physical)
	}
	return coords, nil
}

// DeviceAssignment places one replica on each device. TPU replicas use mesh
// coordinates and GPU replicas {0, 0, 0, ordinal}. It returns nil for fewer than
// two devices.
func (o *Options) DeviceAssignment(devices []string) (*hlo.DeviceAssignment, error) {
	if len(devices) < 2 {
		return nil, nil
	}
	da := &hlo.DeviceAssignment{ComputationCount: 1, Coordinates: make([][]int, len(devices))}
	for i, d := range devices {
		id, err := device.ParseID(o.EffectiveDevice(d))
		if err != nil {
			return nil, err
		}
		switch id.Kind {
		case device.KindTPU:
			physical, err := o.PhysicalDevice(d)
			if err != nil {
				return nil, err
			}
			coords, err := o.MeshCoords(physical)
			if err != nil {
				return nil, err
			}
			da.Coordinates[i] = coords
		case device.KindGPU:
			da.Coordinates[i] = []int{0, 0, 0, id.Ordinal}
		default:
			return nil, errors.Errorf("unsupported replication device type: %s", id.Kind)
		}
	}
	return da, nil
}

// InitializeMesh derives the mesh coordinates of every TPU device from the topology.
// Without a topology one is synthesized with a {task, 0, 0, id} coordinate per
// device.
func (o *Options) InitializeMesh() error {
	o.meshCoords = make(map[string][]int)
	var tpus []device.Path
	for _, physical := range o.GlobalDeviceMap {
		p, err := device.ParsePath(physical)
		if err != nil {
			return err
		}
		if p.Type == device.KindTPU {
			tpus = append(tpus, p)
		}
	}
	if len(tpus) == 0 {
		return nil
	}
	if o.Topology == nil {
		o.Topology = synthesizeTopology(tpus)
	}
	t := o.Topology
	rank := len(t.MeshShape)
	for _, p := range tpus {
		if p.Task >= t.NumTasks || p.ID >= t.DevicesPerTask {
			return errors.Errorf("device %s is outside the %d x %d TPU topology", p, t.NumTasks, t.DevicesPerTask)
		}
		base := p.Task*t.DevicesPerTask*rank + p.ID*rank
		if base+rank > len(t.DeviceCoordinates) {
			return errors.Errorf("TPU topology has no coordinates for %s", p)
		}
		o.meshCoords[p.String()] = append([]int(nil), t.DeviceCoordinates[base:base+rank]...)
	}
	return nil
}

func synthesizeTopology(tpus []device.Path) *wire.Topology {
	t := &wire.Topology{}
	for _, p := range tpus {
		t.NumTasks = max(t.NumTasks, p.Task+1)
		t.DevicesPerTask = max(t.DevicesPerTask, p.ID+1)
	}
	t.MeshShape = []int{t.NumTasks, 1, 1, t.DevicesPerTask}
	for task := range t.NumTasks {
		for id := range t.DevicesPerTask {
			t.DeviceCoordinates = append(t.DeviceCoordinates, task, 0, 0, id)
		}
	}
	return t
}

// MeshConfig describes the options for the mesh service to hand out.
func (o *Options) MeshConfig(meshSize int) *wire.MeshConfig {
	devices := make(map[device.Worker][]wire.MeshDevice)
	for _, global := range o.AllDevices() {
		p, err := device.ParsePath(o.GlobalDeviceMap[global])
		if err != nil {
			continue
		}
		devices[p.Worker()] = append(devices[p.Worker()], wire.MeshDevice{
			LocalName:  device.ID{Kind: p.Type, Ordinal: p.ID}.String(),
			GlobalName: global,
		})
	}
	cfg := &wire.MeshConfig{Topology: o.Topology, MeshSize: max(meshSize, 1)}
	for _, w := range o.Workers() {
		cfg.Workers = append(cfg.Workers, wire.MeshWorker{
			Name:    w.Name,
			Task:    w.Task,
			Address: o.WorkersMap[w],
			Devices: devices[w],
		})
	}
	return cfg
}
