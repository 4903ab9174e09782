// Package hlo holds lowered programs and the configuration they are compiled with.
//
// A Module is produced by the lowering layer and is opaque to the client except for
// its signature. A Program pairs it with the replica configuration and is the unit
// that is serialized, hashed and shipped to workers.
package hlo

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/wire"
)

// Module is a lowered computation.
type Module struct {
	Name string `cbor:"1,keyasint"`
	// Entry names the kernel a worker runs for this module.
	Entry string             `cbor:"2,keyasint"`
	Shape shape.ProgramShape `cbor:"3,keyasint"`
	Body  []byte             `cbor:"4,keyasint,omitempty"`
}

// Text renders the module for slow compile dumps.
func (m *Module) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HloModule %s, entry_computation_layout={%s}\n\n", m.Name, m.Shape)
	fmt.Fprintf(&b, "ENTRY %%%s {\n", m.Entry)
	switch {
	case len(m.Body) == 0:
	case utf8.Valid(m.Body):
		for _, line := range strings.Split(strings.TrimRight(string(m.Body), "\n"), "\n") {
			b.WriteString("  " + line + "\n")
		}
	default:
		b.WriteString(hex.Dump(m.Body))
	}
	b.WriteString("}\n")
	return b.String()
}

// DeviceAssignment maps replicas to device coordinates. For TPUs the coordinates are
// mesh coordinates plus core; for GPUs they are {0, 0, 0, ordinal}.
type DeviceAssignment struct {
	ComputationCount int     `cbor:"1,keyasint"`
	Coordinates      [][]int `cbor:"2,keyasint"`
}

// Config is the compile-time configuration of a program.
type Config struct {
	NumReplicas        int                `cbor:"1,keyasint"`
	NumCoresPerReplica int                `cbor:"2,keyasint"`
	DeviceAssignment   *DeviceAssignment  `cbor:"3,keyasint,omitempty"`
	ProgramShape       shape.ProgramShape `cbor:"4,keyasint"`
}

// Program is a module plus its compile configuration.
type Program struct {
	Config Config  `cbor:"1,keyasint"`
	Module *Module `cbor:"2,keyasint"`
}

// NewProgram builds the program for m. A non-nil outputShape overrides the result
// shape the module declares.
func NewProgram(m *Module, replicas int, assignment *DeviceAssignment, outputShape *shape.Shape) *Program {
	ps := m.Shape
	if outputShape != nil {
		ps.Result = *outputShape
	}
	if replicas < 1 {
		replicas = 1
	}
	return &Program{
		Config: Config{
			NumReplicas:        replicas,
			NumCoresPerReplica: 1,
			DeviceAssignment:   assignment,
			ProgramShape:       ps,
		},
		Module: m,
	}
}

// Serialize encodes the program deterministically: equal programs yield equal bytes.
func (p *Program) Serialize() ([]byte, error) {
	if p.Module == nil {
		return nil, errors.New("program has no module")
	}
	return wire.Marshal(p)
}

// ParseProgram decodes a serialized program.
func ParseProgram(data []byte) (*Program, error) {
	var p Program
	if err := wire.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Module == nil {
		return nil, errors.New("program has no module")
	}
	return &p, nil
}
