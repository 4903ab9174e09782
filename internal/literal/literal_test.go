package literal

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-xrt/internal/shape"
)

func TestFloatRoundTrip(t *testing.T) {
	values := []float32{1, -2.5, 0.25, 1024}
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16} {
		l, err := FromFloat32(dtype, values, 2, 2)
		require.NoError(t, err, dtype)
		assert.Equal(t, shape.Make(dtype, 2, 2).ByteSize(), l.SizeBytes())
		got, err := l.Float32s()
		require.NoError(t, err)
		assert.Equal(t, values, got, dtype)
	}

	_, err := FromFloat32(dtypes.Float32, values, 3)
	assert.Error(t, err)
	_, err = FromFloat32(dtypes.Int32, values, 4)
	assert.Error(t, err)
}

func TestIntRoundTrip(t *testing.T) {
	values := []int64{-1, 0, 7, 1 << 20}
	for _, dtype := range []dtypes.DType{dtypes.Int32, dtypes.Int64} {
		l, err := FromInt64(dtype, values, 4)
		require.NoError(t, err)
		got, err := l.Int64s()
		require.NoError(t, err)
		assert.Equal(t, values, got)
	}
}

func TestPopulateAndDecode(t *testing.T) {
	l, err := FromFloat32(dtypes.Float32, []float32{1, 2, 3}, 3)
	require.NoError(t, err)

	dst := make([]byte, 12)
	require.NoError(t, l.Populate(dst))
	assert.Error(t, l.Populate(make([]byte, 4)))

	decoded, err := Decode(l.Shape, dst)
	require.NoError(t, err)
	assert.Equal(t, l.Data, decoded.Data)

	_, err = Decode(l.Shape, dst[:8])
	assert.Error(t, err)

	tuple := MakeTuple(l, New(shape.Make(dtypes.Int8, 2)))
	assert.True(t, tuple.Shape.IsTuple())
	assert.Equal(t, int64(14), tuple.SizeBytes())
	assert.Error(t, tuple.Populate(dst))
	_, err = Decode(tuple.Shape, dst)
	assert.Error(t, err)
}
