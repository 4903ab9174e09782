// Package wire defines the worker RPC protocol.
//
// Every round trip is one Arrow Flight call:
//   - DoPut carries tensors to allocate on a device (one binary row per tensor) and
//     answers with the allocated handles in the PutResult metadata.
//   - DoGet reads device buffers back as one row per handle.
//   - DoAction carries everything else as CBOR encoded request bodies.
package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-xrt/internal/shape"
)

// Action types understood by workers and the mesh service.
const (
	ActionCompile            = "xrt.compile"
	ActionExecute            = "xrt.execute"
	ActionExecuteChained     = "xrt.execute_chained"
	ActionReleaseAllocation  = "xrt.release_allocation"
	ActionReleaseCompilation = "xrt.release_compilation"
	ActionSubTuple           = "xrt.sub_tuple"
	ActionMetrics            = "xrt.metrics"

	ActionMeshConfig     = "mesh.get_config"
	ActionMeshRendezvous = "mesh.rendezvous"
)

// Op names used to key cached request nodes and remote metrics.
const (
	OpAllocate           = "XrtAllocateFromTensor"
	OpRead               = "XrtReadLiteral"
	OpCompile            = "XrtCompile"
	OpExecute            = "XrtExecute"
	OpExecuteChained     = "XrtExecuteChained"
	OpReleaseAllocation  = "XrtReleaseAllocationHandle"
	OpReleaseCompilation = "XrtReleaseCompileHandle"
	OpSubTuple           = "XrtSubTuple"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

// Batched handle lists may run past the decoder's default of 131072 elements.
const maxArrayElements = 2147483647

func init() {
	var err error
	// Core deterministic encoding: identical values always produce identical bytes,
	// which the compilation cache relies on.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: maxArrayElements}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	return data, errors.Wrapf(err, "encoding %T", v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return errors.Wrapf(decMode.Unmarshal(data, v), "decoding %T", v)
}

// AllocateRequest is the DoPut descriptor command. Row i is allocated on Devices[i]
// with the encoded shape.Shape Shapes[i]; senders reuse encodings across calls.
type AllocateRequest struct {
	Devices []string          `cbor:"1,keyasint"`
	Shapes  []cbor.RawMessage `cbor:"2,keyasint"`
}

// DecodeShapes decodes the row shapes of an allocation.
func (r *AllocateRequest) DecodeShapes() ([]shape.Shape, error) {
	shapes := make([]shape.Shape, len(r.Shapes))
	for i, raw := range r.Shapes {
		if err := Unmarshal(raw, &shapes[i]); err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
	}
	return shapes, nil
}

// HandlesResponse lists server handles, in request order.
type HandlesResponse struct {
	Handles []int64 `cbor:"1,keyasint"`
}

// ReadItem names one buffer to read back.
type ReadItem struct {
	Device string `cbor:"1,keyasint"`
	Handle int64  `cbor:"2,keyasint"`
}

// ReadRequest is the DoGet ticket.
type ReadRequest struct {
	Items []ReadItem `cbor:"1,keyasint"`
}

// CompileRequest compiles serialized programs on a device.
type CompileRequest struct {
	Device   string   `cbor:"1,keyasint"`
	Programs [][]byte `cbor:"2,keyasint"`
}

// ExecuteConfig controls a single program execution.
type ExecuteConfig struct {
	CoreIndexInReplica       int    `cbor:"1,keyasint"`
	ReleaseInputHandles      bool   `cbor:"2,keyasint"`
	ReleaseCompilationHandle bool   `cbor:"3,keyasint"`
	ReturnExplodedTuple      bool   `cbor:"4,keyasint"`
	RngSeed                  uint64 `cbor:"5,keyasint"`
}

// ExecuteOp runs one compiled program on one device.
type ExecuteOp struct {
	Device      string        `cbor:"1,keyasint"`
	Computation int64         `cbor:"2,keyasint"`
	Config      ExecuteConfig `cbor:"3,keyasint"`
	Arguments   []int64       `cbor:"4,keyasint"`
}

// ExecuteRequest batches independent executions sharing one session.
type ExecuteRequest struct {
	Ops []ExecuteOp `cbor:"1,keyasint"`
}

// ExecuteResult holds the handles of one ExecuteOp. Exploded results carry one handle
// per tuple element; otherwise a single handle holds the whole result.
type ExecuteResult struct {
	Handles  []int64 `cbor:"1,keyasint"`
	Exploded bool    `cbor:"2,keyasint"`
}

// ExecuteResponse answers ExecuteRequest, one result per op.
type ExecuteResponse struct {
	Results []ExecuteResult `cbor:"1,keyasint"`
}

// ChainedInput references an earlier op. OutputIndex 0 is the whole result, i+1 its
// i-th tuple element.
type ChainedInput struct {
	OpIndex     int `cbor:"1,keyasint"`
	OutputIndex int `cbor:"2,keyasint"`
}

// ChainedOutput stores an op result into a result slot, with the same OutputIndex
// encoding as ChainedInput.
type ChainedOutput struct {
	ResultIndex int `cbor:"1,keyasint"`
	OutputIndex int `cbor:"2,keyasint"`
}

// ChainedOp is either a data handle or a computation applied to earlier ops.
type ChainedOp struct {
	DataHandle        *int64          `cbor:"1,keyasint,omitempty"`
	ComputationHandle *int64          `cbor:"2,keyasint,omitempty"`
	Inputs            []ChainedInput  `cbor:"3,keyasint,omitempty"`
	Outputs           []ChainedOutput `cbor:"4,keyasint,omitempty"`
}

// ChainedPlan is a topologically ordered DAG of ops.
type ChainedPlan struct {
	Ops []ChainedOp `cbor:"1,keyasint"`
}

// ChainedConfig controls a chained execution.
type ChainedConfig struct {
	CoreIndexInReplica int    `cbor:"1,keyasint"`
	RngSeed            uint64 `cbor:"2,keyasint"`
}

// ExecuteChainedRequest runs a plan on one device; the response is a HandlesResponse
// with one handle per result slot.
type ExecuteChainedRequest struct {
	Device string        `cbor:"1,keyasint"`
	Plan   ChainedPlan   `cbor:"2,keyasint"`
	Config ChainedConfig `cbor:"3,keyasint"`
}

// ReleaseRequest releases handles owned by one device.
type ReleaseRequest struct {
	Device  string  `cbor:"1,keyasint"`
	Handles []int64 `cbor:"2,keyasint"`
}

// SubTupleItem extracts element Index of tuple Handle.
type SubTupleItem struct {
	Handle int64 `cbor:"1,keyasint"`
	Index  int   `cbor:"2,keyasint"`
}

// SubTupleRequest answers with a HandlesResponse, one handle per item.
type SubTupleRequest struct {
	Device string         `cbor:"1,keyasint"`
	Items  []SubTupleItem `cbor:"2,keyasint"`
}

// MetricsRequest selects remote metrics by name pattern.
type MetricsRequest struct {
	Regex string `cbor:"1,keyasint"`
}

// Unit of measure of a percentile metric.
type Unit int

const (
	UnitNumber Unit = iota
	UnitTime
	UnitBytes
)

// Point is one percentile sample.
type Point struct {
	Percentile float64 `cbor:"1,keyasint"`
	Value      float64 `cbor:"2,keyasint"`
}

// Percentiles summarizes a sampled metric.
type Percentiles struct {
	Unit         Unit    `cbor:"1,keyasint"`
	StartNs      int64   `cbor:"2,keyasint"`
	EndNs        int64   `cbor:"3,keyasint"`
	Min          float64 `cbor:"4,keyasint"`
	Max          float64 `cbor:"5,keyasint"`
	Mean         float64 `cbor:"6,keyasint"`
	Stddev       float64 `cbor:"7,keyasint"`
	NumSamples   int64   `cbor:"8,keyasint"`
	TotalSamples int64   `cbor:"9,keyasint"`
	Accumulator  float64 `cbor:"10,keyasint"`
	Points       []Point `cbor:"11,keyasint"`
}

// Metric is either a counter value or a percentile summary.
type Metric struct {
	Name        string       `cbor:"1,keyasint"`
	Int64Value  *int64       `cbor:"2,keyasint,omitempty"`
	Percentiles *Percentiles `cbor:"3,keyasint,omitempty"`
}

// MetricsReport answers MetricsRequest.
type MetricsReport struct {
	Metrics []Metric `cbor:"1,keyasint"`
}
