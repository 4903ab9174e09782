// Package shape describes the logical and physical shape of device values.
package shape

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape is either an array (DType + Dimensions + Layout) or a tuple of shapes.
//
// Layout is the minor-to-major dimension order, as XLA defines it.
type Shape struct {
	DType      dtypes.DType `cbor:"1,keyasint"`
	Dimensions []int        `cbor:"2,keyasint,omitempty"`
	Layout     []int        `cbor:"3,keyasint,omitempty"`
	Elements   []Shape      `cbor:"4,keyasint,omitempty"`
	Tuple      bool         `cbor:"5,keyasint,omitempty"`
}

// Make returns an array shape with the default descending layout.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	return Shape{
		DType:      dtype,
		Dimensions: slices.Clone(dimensions),
		Layout:     DescendingLayout(len(dimensions)),
	}
}

// MakeWithLayout returns an array shape with an explicit minor-to-major layout.
func MakeWithLayout(dtype dtypes.DType, dimensions, layout []int) (Shape, error) {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions), Layout: slices.Clone(layout)}
	if err := s.validateLayout(); err != nil {
		return Shape{}, err
	}
	return s, nil
}

// MakeTuple returns a tuple shape.
func MakeTuple(elements ...Shape) Shape {
	return Shape{Tuple: true, Elements: slices.Clone(elements)}
}

// DescendingLayout returns the row-major minor-to-major order {rank-1, ..., 0}.
func DescendingLayout(rank int) []int {
	layout := make([]int, rank)
	for i := range layout {
		layout[i] = rank - 1 - i
	}
	return layout
}

// IsTuple reports whether s is a tuple shape.
func (s Shape) IsTuple() bool { return s.Tuple }

// Rank of an array shape.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Size is the number of elements of an array shape.
func (s Shape) Size() int64 {
	size := int64(1)
	for _, d := range s.Dimensions {
		size *= int64(d)
	}
	return size
}

// ByteSize is the byte size of the elements of s; tuples sum their leaves.
func (s Shape) ByteSize() int64 {
	if s.Tuple {
		var total int64
		for _, e := range s.Elements {
			total += e.ByteSize()
		}
		return total
	}
	return s.Size() * int64(s.DType.Memory())
}

// TupleElementCount returns the number of tuple elements, 0 for arrays.
func (s Shape) TupleElementCount() int {
	if !s.Tuple {
		return 0
	}
	return len(s.Elements)
}

// TupleElement returns the i-th element of a tuple shape.
func (s Shape) TupleElement(i int) (Shape, error) {
	if !s.Tuple {
		return Shape{}, errors.Errorf("shape %s is not a tuple", s)
	}
	if i < 0 || i >= len(s.Elements) {
		return Shape{}, errors.Errorf("tuple index %d out of range for %s", i, s)
	}
	return s.Elements[i], nil
}

// PhysicalDimensions returns the dimensions in major-to-minor physical order, i.e. the
// dimensions of the descending-layout shape with the same physical layout.
func (s Shape) PhysicalDimensions() []int {
	if len(s.Layout) != len(s.Dimensions) {
		return slices.Clone(s.Dimensions)
	}
	dims := make([]int, len(s.Dimensions))
	for i := range s.Layout {
		dims[i] = s.Dimensions[s.Layout[len(s.Layout)-1-i]]
	}
	return dims
}

// Equal compares dtype, dimensions, layout and tuple structure.
func (s Shape) Equal(o Shape) bool {
	if s.Tuple != o.Tuple {
		return false
	}
	if s.Tuple {
		return slices.EqualFunc(s.Elements, o.Elements, Shape.Equal)
	}
	return s.DType == o.DType && slices.Equal(s.Dimensions, o.Dimensions) && slices.Equal(s.Layout, o.Layout)
}

func (s Shape) validateLayout() error {
	if len(s.Layout) != len(s.Dimensions) {
		return errors.Errorf("layout %v does not match rank %d", s.Layout, len(s.Dimensions))
	}
	seen := make([]bool, len(s.Layout))
	for _, d := range s.Layout {
		if d < 0 || d >= len(s.Layout) || seen[d] {
			return errors.Errorf("layout %v is not a permutation of [0, %d)", s.Layout, len(s.Layout))
		}
		seen[d] = true
	}
	return nil
}

// String renders shapes the way XLA prints them, e.g. "f32[2,2]{1,0}" or "(f32[4], s32[])".
func (s Shape) String() string {
	if s.Tuple {
		parts := make([]string, len(s.Elements))
		for i, e := range s.Elements {
			parts[i] = e.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
	str := TypeName(s.DType) + "[" + joinInts(s.Dimensions) + "]"
	if len(s.Layout) > 0 {
		str += "{" + joinInts(s.Layout) + "}"
	}
	return str
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// TypeName returns the short XLA name of a dtype.
func TypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Bool:
		return "pred"
	case dtypes.Int8:
		return "s8"
	case dtypes.Int16:
		return "s16"
	case dtypes.Int32:
		return "s32"
	case dtypes.Int64:
		return "s64"
	case dtypes.Uint8:
		return "u8"
	case dtypes.Uint16:
		return "u16"
	case dtypes.Uint32:
		return "u32"
	case dtypes.Uint64:
		return "u64"
	case dtypes.Float16:
		return "f16"
	case dtypes.BFloat16:
		return "bf16"
	case dtypes.Float32:
		return "f32"
	case dtypes.Float64:
		return "f64"
	case dtypes.Complex64:
		return "c64"
	case dtypes.Complex128:
		return "c128"
	}
	return strings.ToLower(dtype.String())
}

// ProgramShape is the signature of a compiled program.
type ProgramShape struct {
	Parameters []Shape `cbor:"1,keyasint,omitempty"`
	Result     Shape   `cbor:"2,keyasint"`
}

func (p ProgramShape) String() string {
	params := make([]string, len(p.Parameters))
	for i, s := range p.Parameters {
		params[i] = s.String()
	}
	return "(" + strings.Join(params, ", ") + ") -> " + p.Result.String()
}
