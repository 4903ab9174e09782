package wire

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-xrt/internal/shape"
)

func TestMarshalDeterministic(t *testing.T) {
	cfg := MeshConfig{
		Workers: []MeshWorker{{Name: "tpu_worker", Task: 1, Address: "grpc://h:1", Devices: []MeshDevice{{LocalName: "TPU:0", GlobalName: "TPU:8"}}}},
		Topology: &Topology{
			NumTasks:          2,
			DevicesPerTask:    1,
			MeshShape:         []int{2, 1, 1, 1},
			DeviceCoordinates: []int{0, 0, 0, 0, 1, 0, 0, 0},
		},
		MeshSize: 2,
	}
	a, err := Marshal(cfg)
	require.NoError(t, err)
	b, err := Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var out MeshConfig
	require.NoError(t, Unmarshal(a, &out))
	assert.Equal(t, cfg, out)

	assert.Error(t, Unmarshal([]byte{0xff}, &out))
}

func TestAllocateRequestShapes(t *testing.T) {
	s := shape.Make(dtypes.Float32, 2, 2)
	raw, err := Marshal(s)
	require.NoError(t, err)
	cpu := "/job:localservice/replica:0/task:0/device:XLA_CPU:0"
	req := AllocateRequest{Devices: []string{cpu, cpu}, Shapes: []cbor.RawMessage{raw, raw}}
	data, err := Marshal(req)
	require.NoError(t, err)

	var decoded AllocateRequest
	require.NoError(t, Unmarshal(data, &decoded))
	shapes, err := decoded.DecodeShapes()
	require.NoError(t, err)
	require.Len(t, shapes, 2)
	assert.True(t, shapes[1].Equal(s))
	assert.Equal(t, []string{cpu, cpu}, decoded.Devices)
}

func TestRecords(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := NewTensorRecord(mem, [][]byte{{1, 2}, {}, {3}})
	col, err := Column(rec, ColumnData)
	rec.Release()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1, 2}, {}, {3}}, col)

	lit, err := NewLiteralRecord(mem, [][]byte{{9}}, [][]byte{{7, 7}})
	require.NoError(t, err)
	shapes, err := Column(lit, ColumnShape)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{9}}, shapes)
	_, err = Column(lit, "missing")
	assert.Error(t, err)
	lit.Release()

	_, err = NewLiteralRecord(mem, [][]byte{{1}}, nil)
	assert.Error(t, err)
}

func TestUnmarshalLargeHandleBatch(t *testing.T) {
	in := HandlesResponse{Handles: make([]int64, 200000)}
	for i := range in.Handles {
		in.Handles[i] = int64(i)
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out HandlesResponse
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.Handles, out.Handles)
}
