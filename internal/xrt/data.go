package xrt

import (
	"fmt"

	"github.com/23skdu/longbow-xrt/internal/handle"
	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/shape"
)

// DataKind tells how a device value came to exist.
type DataKind int

const (
	// BufferData is a buffer allocated by a transfer or returned whole by an execution.
	BufferData DataKind = iota
	// TupleElementData is an element split out of a tuple result.
	TupleElementData
)

func (k DataKind) String() string {
	if k == TupleElementData {
		return "tuple-element"
	}
	return "buffer"
}

// Data is a value resident on one device. The server handle is owned by a shared
// release token: Retain shares it and Release drops this reference. Placeholders
// carry a shape and no handle.
type Data struct {
	kind   DataKind
	device string
	shape  shape.Shape
	token  *handle.Token
}

func newData(kind DataKind, device string, s shape.Shape, token *handle.Token) *Data {
	return &Data{kind: kind, device: device, shape: s, token: token}
}

// Kind of the value.
func (d *Data) Kind() DataKind { return d.kind }

// Device owning the value.
func (d *Data) Device() string { return d.device }

// Shape of the value on the device.
func (d *Data) Shape() shape.Shape { return d.shape }

// HasValue reports whether d holds a live server handle.
func (d *Data) HasValue() bool { return d.token != nil && d.token.Live() }

// Handle is the server handle, 0 for placeholders.
func (d *Data) Handle() int64 {
	if d.token == nil {
		return 0
	}
	return d.token.Handle()
}

// Retain returns another Data sharing the same server handle. Retaining a released
// value yields one without a handle.
func (d *Data) Retain() *Data {
	out := *d
	if d.token != nil {
		out.token = d.token.Retain()
	}
	return &out
}

// Release drops this reference. The handle is freed asynchronously once every
// reference is gone.
func (d *Data) Release() {
	if d.token != nil {
		d.token.Release()
		d.token = nil
	}
}

func (d *Data) String() string {
	return fmt.Sprintf("%s %s on %s (handle %d)", d.kind, d.shape, d.device, d.Handle())
}

// handleOn returns the server handle for use as an argument on device.
func (d *Data) handleOn(device string) (int64, error) {
	if d.token == nil {
		return 0, invariantf("placeholder %s on %s used as an argument", d.shape, d.device)
	}
	if d.device != device {
		return 0, invariantf("argument lives on %s, not on the executing device %s", d.device, device)
	}
	return d.token.Handle(), nil
}

// TensorSource describes a host tensor to transfer. Populate fills a buffer of exactly
// the device shape's byte size. Device, if set, overrides the transfer's device.
type TensorSource struct {
	Shape    shape.Shape
	Device   string
	Populate func(dst []byte) error
}

// CompileInstance is one program to compile. OutputShape, if set, forces the result
// shape of the lowered module.
type CompileInstance struct {
	Module      *hlo.Module
	OutputShape *shape.Shape
}

// Computation is a program compiled on a device.
type Computation struct {
	program *hlo.Program
	device  string
	devices []string
	domain  string
	handle  int64
	token   *handle.Token
}

// Name of the source module.
func (c *Computation) Name() string { return c.program.Module.Name }

// Program is the compiled source program.
func (c *Computation) Program() *hlo.Program { return c.program }

// ProgramShape is the signature of the compiled program.
func (c *Computation) ProgramShape() shape.ProgramShape { return c.program.Config.ProgramShape }

// Device the program was compiled on.
func (c *Computation) Device() string { return c.device }

// Devices the program runs on, one per replica.
func (c *Computation) Devices() []string { return c.devices }

// ResourceDomain the program is cached in.
func (c *Computation) ResourceDomain() string { return c.domain }

// Handle is the server compilation handle.
func (c *Computation) Handle() int64 { return c.handle }

// Retain returns another reference to the same compiled program.
func (c *Computation) Retain() *Computation {
	out := *c
	if c.token != nil {
		out.token = c.token.Retain()
	}
	return &out
}

// Release drops this reference.
func (c *Computation) Release() {
	if c.token != nil {
		c.token.Release()
		c.token = nil
	}
}

func (c *Computation) info() ComputationInfo {
	return ComputationInfo{Name: c.Name(), OutputShape: c.ProgramShape().Result}
}
