// Package literal holds host-side tensor values and the conversions between Go slices
// and the little-endian byte buffers devices consume.
package literal

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-xrt/internal/shape"
)

// Literal is a host value: an array buffer laid out in its shape's physical order, or a
// tuple of literals.
type Literal struct {
	Shape    shape.Shape `cbor:"1,keyasint"`
	Data     []byte      `cbor:"2,keyasint,omitempty"`
	Elements []*Literal  `cbor:"3,keyasint,omitempty"`
}

// New allocates a zeroed literal for s.
func New(s shape.Shape) *Literal {
	if s.IsTuple() {
		l := &Literal{Shape: s, Elements: make([]*Literal, len(s.Elements))}
		for i, e := range s.Elements {
			l.Elements[i] = New(e)
		}
		return l
	}
	return &Literal{Shape: s, Data: make([]byte, s.ByteSize())}
}

// Decode wraps a device byte buffer received for shape s.
func Decode(s shape.Shape, data []byte) (*Literal, error) {
	if s.IsTuple() {
		return nil, errors.Errorf("cannot decode tuple shape %s from a flat buffer", s)
	}
	if int64(len(data)) != s.ByteSize() {
		return nil, errors.Errorf("buffer of %d bytes does not match shape %s (%d bytes)", len(data), s, s.ByteSize())
	}
	return &Literal{Shape: s, Data: data}, nil
}

// MakeTuple builds a tuple literal from its elements.
func MakeTuple(elements ...*Literal) *Literal {
	shapes := make([]shape.Shape, len(elements))
	for i, e := range elements {
		shapes[i] = e.Shape
	}
	return &Literal{Shape: shape.MakeTuple(shapes...), Elements: elements}
}

// Populate copies the literal bytes into dst, which must be exactly the buffer size.
// It has the signature of a tensor source populate callback.
func (l *Literal) Populate(dst []byte) error {
	if l.Shape.IsTuple() {
		return errors.Errorf("cannot populate a buffer from tuple literal %s", l.Shape)
	}
	if len(dst) != len(l.Data) {
		return errors.Errorf("destination buffer has %d bytes, literal %s has %d", len(dst), l.Shape, len(l.Data))
	}
	copy(dst, l.Data)
	return nil
}

// FromFloat32 encodes values into an array of the given floating point dtype.
func FromFloat32(dtype dtypes.DType, values []float32, dims ...int) (*Literal, error) {
	s := shape.Make(dtype, dims...)
	if s.Size() != int64(len(values)) {
		return nil, errors.Errorf("%d values do not fill shape %s", len(values), s)
	}
	l := New(s)
	for i, v := range values {
		switch dtype {
		case dtypes.Float32:
			binary.LittleEndian.PutUint32(l.Data[i*4:], math.Float32bits(v))
		case dtypes.Float64:
			binary.LittleEndian.PutUint64(l.Data[i*8:], math.Float64bits(float64(v)))
		case dtypes.Float16:
			binary.LittleEndian.PutUint16(l.Data[i*2:], float16.Fromfloat32(v).Bits())
		case dtypes.BFloat16:
			binary.LittleEndian.PutUint16(l.Data[i*2:], bfloat16.FromFloat32(v).Bits())
		default:
			return nil, errors.Errorf("FromFloat32 does not support dtype %s", dtype)
		}
	}
	return l, nil
}

// FromInt64 encodes values into an array of the given integer dtype.
func FromInt64(dtype dtypes.DType, values []int64, dims ...int) (*Literal, error) {
	s := shape.Make(dtype, dims...)
	if s.Size() != int64(len(values)) {
		return nil, errors.Errorf("%d values do not fill shape %s", len(values), s)
	}
	l := New(s)
	for i, v := range values {
		switch dtype {
		case dtypes.Int8, dtypes.Uint8:
			l.Data[i] = byte(v)
		case dtypes.Int16, dtypes.Uint16:
			binary.LittleEndian.PutUint16(l.Data[i*2:], uint16(v))
		case dtypes.Int32, dtypes.Uint32:
			binary.LittleEndian.PutUint32(l.Data[i*4:], uint32(v))
		case dtypes.Int64, dtypes.Uint64:
			binary.LittleEndian.PutUint64(l.Data[i*8:], uint64(v))
		default:
			return nil, errors.Errorf("FromInt64 does not support dtype %s", dtype)
		}
	}
	return l, nil
}

// Float32s decodes a floating point array.
func (l *Literal) Float32s() ([]float32, error) {
	if l.Shape.IsTuple() {
		return nil, errors.Errorf("literal %s is a tuple", l.Shape)
	}
	out := make([]float32, l.Shape.Size())
	for i := range out {
		switch l.Shape.DType {
		case dtypes.Float32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(l.Data[i*4:]))
		case dtypes.Float64:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(l.Data[i*8:])))
		case dtypes.Float16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(l.Data[i*2:])).Float32()
		case dtypes.BFloat16:
			out[i] = bfloat16.FromBits(binary.LittleEndian.Uint16(l.Data[i*2:])).Float32()
		default:
			return nil, errors.Errorf("Float32s does not support dtype %s", l.Shape.DType)
		}
	}
	return out, nil
}

// Int64s decodes a signed integer array.
func (l *Literal) Int64s() ([]int64, error) {
	if l.Shape.IsTuple() {
		return nil, errors.Errorf("literal %s is a tuple", l.Shape)
	}
	out := make([]int64, l.Shape.Size())
	for i := range out {
		switch l.Shape.DType {
		case dtypes.Int8:
			out[i] = int64(int8(l.Data[i]))
		case dtypes.Int16:
			out[i] = int64(int16(binary.LittleEndian.Uint16(l.Data[i*2:])))
		case dtypes.Int32:
			out[i] = int64(int32(binary.LittleEndian.Uint32(l.Data[i*4:])))
		case dtypes.Int64:
			out[i] = int64(binary.LittleEndian.Uint64(l.Data[i*8:]))
		default:
			return nil, errors.Errorf("Int64s does not support dtype %s", l.Shape.DType)
		}
	}
	return out, nil
}

// SizeBytes is the total payload size, tuples included.
func (l *Literal) SizeBytes() int64 {
	if l.Shape.IsTuple() {
		var total int64
		for _, e := range l.Elements {
			total += e.SizeBytes()
		}
		return total
	}
	return int64(len(l.Data))
}
