package shape

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Layouts selects the physical layout of arrays for a device kind.
type Layouts interface {
	LayoutFor(dimensions []int, dtype dtypes.DType, kind string) Shape
}

// LayoutFunc adapts a function to Layouts.
type LayoutFunc func(dimensions []int, dtype dtypes.DType, kind string) Shape

func (f LayoutFunc) LayoutFor(dimensions []int, dtype dtypes.DType, kind string) Shape {
	return f(dimensions, dtype, kind)
}

// DescendingLayouts always picks the row-major layout.
var DescendingLayouts Layouts = LayoutFunc(func(dimensions []int, dtype dtypes.DType, _ string) Shape {
	return Make(dtype, dimensions...)
})

// CheckTransferable fails for element types that have no wire representation.
// Sub-byte and tuple element types cannot be staged in a host buffer.
func CheckTransferable(s Shape) error {
	if s.Tuple {
		return errors.Errorf("tuple shape %s cannot be transferred as a single tensor", s)
	}
	switch s.DType {
	case dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
		dtypes.Complex64, dtypes.Complex128:
		return nil
	}
	return errors.Errorf("unsupported element type %s in shape %s", s.DType, s)
}
