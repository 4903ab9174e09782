package hlo

import (
	"strconv"

	"github.com/23skdu/longbow-xrt/internal/shape"
)

// Entry points of the kernels the reference worker implements.
const (
	EntryIdentity = "identity"
	EntryAdd      = "add"
	EntryTuple    = "tuple"
	EntrySum      = "sum"
)

// Identity returns its single parameter.
func Identity(s shape.Shape) *Module {
	return &Module{
		Name:  "identity." + s.String(),
		Entry: EntryIdentity,
		Shape: shape.ProgramShape{Parameters: []shape.Shape{s}, Result: s},
	}
}

// Add sums two arrays of shape s elementwise.
func Add(s shape.Shape) *Module {
	return &Module{
		Name:  "add." + s.String(),
		Entry: EntryAdd,
		Shape: shape.ProgramShape{Parameters: []shape.Shape{s, s}, Result: s},
	}
}

// Tuple packs its parameters into a tuple.
func Tuple(params ...shape.Shape) *Module {
	return &Module{
		Name:  "tuple." + strconv.Itoa(len(params)),
		Entry: EntryTuple,
		Shape: shape.ProgramShape{Parameters: params, Result: shape.MakeTuple(params...)},
	}
}

// Sum reduces an array of shape s to a scalar of the same element type.
func Sum(s shape.Shape) *Module {
	return &Module{
		Name:  "sum." + s.String(),
		Entry: EntrySum,
		Shape: shape.ProgramShape{Parameters: []shape.Shape{s}, Result: shape.Make(s.DType)},
	}
}
