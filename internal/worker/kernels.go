package worker

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/literal"
	"github.com/23skdu/longbow-xrt/internal/shape"
)

// Kernel computes a program result from its parameters.
type Kernel func(params []*literal.Literal, result shape.Shape) (*literal.Literal, error)

func defaultKernels() map[string]Kernel {
	return map[string]Kernel{
		hlo.EntryIdentity: identityKernel,
		hlo.EntryAdd:      addKernel,
		hlo.EntryTuple:    tupleKernel,
		hlo.EntrySum:      sumKernel,
	}
}

func identityKernel(params []*literal.Literal, _ shape.Shape) (*literal.Literal, error) {
	if len(params) != 1 {
		return nil, errors.Errorf("identity takes 1 parameter, got %d", len(params))
	}
	return params[0], nil
}

func tupleKernel(params []*literal.Literal, _ shape.Shape) (*literal.Literal, error) {
	return literal.MakeTuple(params...), nil
}

func isFloat(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

func addKernel(params []*literal.Literal, result shape.Shape) (*literal.Literal, error) {
	if len(params) != 2 {
		return nil, errors.Errorf("add takes 2 parameters, got %d", len(params))
	}
	a, b := params[0], params[1]
	if a.Shape.DType != b.Shape.DType || a.Shape.Size() != b.Shape.Size() {
		return nil, errors.Errorf("add operands %s and %s do not match", a.Shape, b.Shape)
	}
	if isFloat(result.DType) {
		x, err := a.Float32s()
		if err != nil {
			return nil, err
		}
		y, err := b.Float32s()
		if err != nil {
			return nil, err
		}
		blas32.Axpy(1, blas32.Vector{N: len(y), Data: y, Inc: 1}, blas32.Vector{N: len(x), Data: x, Inc: 1})
		return literal.FromFloat32(result.DType, x, result.Dimensions...)
	}
	x, err := a.Int64s()
	if err != nil {
		return nil, err
	}
	y, err := b.Int64s()
	if err != nil {
		return nil, err
	}
	for i := range x {
		x[i] += y[i]
	}
	return literal.FromInt64(result.DType, x, result.Dimensions...)
}

func sumKernel(params []*literal.Literal, result shape.Shape) (*literal.Literal, error) {
	if len(params) != 1 {
		return nil, errors.Errorf("sum takes 1 parameter, got %d", len(params))
	}
	if isFloat(result.DType) {
		x, err := params[0].Float32s()
		if err != nil {
			return nil, err
		}
		var total float32
		for _, v := range x {
			total += v
		}
		return literal.FromFloat32(result.DType, []float32{total})
	}
	x, err := params[0].Int64s()
	if err != nil {
		return nil, err
	}
	var total int64
	for _, v := range x {
		total += v
	}
	return literal.FromInt64(result.DType, []int64{total})
}
