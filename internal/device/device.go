// Package device names the devices and workers of an XRT cluster.
//
// Logical devices are addressed as "KIND:ORDINAL" (e.g. "TPU:3") and map to exactly
// one physical device path ("/job:tpu_worker/replica:0/task:1/device:TPU:3"), which in
// turn belongs to one Worker ("tpu_worker:1").
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device kinds, in default-device preference order.
const (
	KindTPU = "TPU"
	KindGPU = "GPU"
	KindCPU = "CPU"
)

// PreferredKinds is the order used to elect a default device.
var PreferredKinds = []string{KindTPU, KindGPU, KindCPU}

// ID identifies a logical device.
type ID struct {
	Kind    string
	Ordinal int
}

// ParseID parses "KIND:ORDINAL".
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" {
		return ID{}, errors.Errorf("invalid device %q, expected KIND:ORDINAL", s)
	}
	ordinal, err := strconv.Atoi(parts[1])
	if err != nil || ordinal < 0 {
		return ID{}, errors.Errorf("invalid ordinal in device %q", s)
	}
	return ID{Kind: parts[0], Ordinal: ordinal}, nil
}

func (d ID) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}

// Worker identifies a remote process hosting devices.
type Worker struct {
	Name string
	Task int
}

// ParseWorker parses "NAME" or "NAME:TASK".
func ParseWorker(s string) (Worker, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return Worker{Name: parts[0]}, nil
	case len(parts) == 2 && parts[0] != "":
		task, err := strconv.Atoi(parts[1])
		if err != nil || task < 0 {
			return Worker{}, errors.Errorf("invalid task number in worker %q", s)
		}
		return Worker{Name: parts[0], Task: task}, nil
	}
	return Worker{}, errors.Errorf("invalid worker %q, expected NAME[:TASK]", s)
}

func (w Worker) String() string {
	return fmt.Sprintf("%s:%d", w.Name, w.Task)
}

// Less orders workers by name, then task.
func (w Worker) Less(o Worker) bool {
	if w.Name != o.Name {
		return w.Name < o.Name
	}
	return w.Task < o.Task
}

// Path is a fully qualified physical device name.
type Path struct {
	Job     string
	Replica int
	Task    int
	Type    string
	ID      int
}

// MakePath builds the canonical physical path string.
func MakePath(job string, task int, deviceType string, id int) string {
	return Path{Job: job, Task: task, Type: deviceType, ID: id}.String()
}

func (p Path) String() string {
	return fmt.Sprintf("/job:%s/replica:%d/task:%d/device:%s:%d", p.Job, p.Replica, p.Task, p.Type, p.ID)
}

// Worker returns the worker owning the device.
func (p Path) Worker() Worker {
	return Worker{Name: p.Job, Task: p.Task}
}

// Kind returns the logical kind for the physical device type (XLA_GPU -> GPU).
func (p Path) Kind() string {
	return strings.TrimPrefix(p.Type, "XLA_")
}

// ParsePath parses a physical device path. Job, task, type and id are mandatory.
func ParsePath(s string) (Path, error) {
	var p Path
	var hasJob, hasTask, hasDevice bool
	for _, part := range strings.Split(strings.TrimPrefix(s, "/"), "/") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return Path{}, errors.Errorf("invalid device path %q: bad component %q", s, part)
		}
		var err error
		switch key {
		case "job":
			p.Job, hasJob = value, value != ""
		case "replica":
			p.Replica, err = strconv.Atoi(value)
		case "task":
			p.Task, err = strconv.Atoi(value)
			hasTask = err == nil
		case "device":
			typ, id, found := strings.Cut(value, ":")
			if !found {
				return Path{}, errors.Errorf("invalid device path %q: missing device id", s)
			}
			p.Type = typ
			p.ID, err = strconv.Atoi(id)
			hasDevice = err == nil && typ != ""
		default:
			return Path{}, errors.Errorf("invalid device path %q: unknown component %q", s, key)
		}
		if err != nil {
			return Path{}, errors.Wrapf(err, "invalid device path %q", s)
		}
	}
	if !hasJob || !hasTask || !hasDevice {
		return Path{}, errors.Errorf("incomplete device path %q", s)
	}
	return p, nil
}

// PhysicalType returns the physical device type hosting a logical kind.
func PhysicalType(kind string) string {
	switch kind {
	case KindGPU, KindCPU:
		return "XLA_" + kind
	}
	return kind
}

// Locality says whether a device is served by this process or by a remote worker.
type Locality int

const (
	Local Locality = iota
	Remote
)

func (l Locality) String() string {
	switch l {
	case Local:
		return "LOCAL"
	case Remote:
		return "REMOTE"
	}
	return "UNKNOWN"
}
