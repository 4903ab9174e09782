package wire

import (
	"bytes"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

// Column names of tensor records.
const (
	ColumnData  = "data"
	ColumnShape = "shape"
)

// TensorSchema is the schema of DoPut records: one raw buffer per row.
var TensorSchema = arrow.NewSchema(
	[]arrow.Field{{Name: ColumnData, Type: arrow.BinaryTypes.Binary}},
	nil,
)

// LiteralSchema is the schema of DoGet records: the encoded shape and the buffer of
// each read handle. Tuple buffers hold the CBOR encoded literal.
var LiteralSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColumnShape, Type: arrow.BinaryTypes.Binary},
		{Name: ColumnData, Type: arrow.BinaryTypes.Binary},
	},
	nil,
)

// NewTensorRecord builds a record holding one buffer per row.
func NewTensorRecord(mem memory.Allocator, buffers [][]byte) arrow.RecordBatch {
	b := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer b.Release()
	b.AppendValues(buffers, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecordBatch(TensorSchema, []arrow.Array{col}, int64(len(buffers)))
}

// NewLiteralRecord builds a read response record.
func NewLiteralRecord(mem memory.Allocator, shapes, buffers [][]byte) (arrow.RecordBatch, error) {
	if len(shapes) != len(buffers) {
		return nil, errors.Errorf("%d shapes for %d buffers", len(shapes), len(buffers))
	}
	sb := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer sb.Release()
	sb.AppendValues(shapes, nil)
	db := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer db.Release()
	db.AppendValues(buffers, nil)

	cols := []arrow.Array{sb.NewArray(), db.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()
	return array.NewRecordBatch(LiteralSchema, cols, int64(len(buffers))), nil
}

// Column returns copies of the binary values of the named column. The copies outlive
// the record.
func Column(rec arrow.RecordBatch, name string) ([][]byte, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, errors.Errorf("record has no %q column", name)
	}
	col, ok := rec.Column(indices[0]).(*array.Binary)
	if !ok {
		return nil, errors.Errorf("column %q is %s, expected binary", name, rec.Column(indices[0]).DataType())
	}
	out := make([][]byte, col.Len())
	for i := range out {
		out[i] = bytes.Clone(col.Value(i))
		if out[i] == nil {
			out[i] = []byte{}
		}
	}
	return out, nil
}
