package worker

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/literal"
	"github.com/23skdu/longbow-xrt/internal/session"
	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/wire"
)

const cpu0 = "/job:localservice/replica:0/task:0/device:XLA_CPU:0"

func startWorker(t *testing.T) (*Service, *session.Session) {
	t.Helper()
	svc, err := Serve("localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	s, err := session.Dial("test", session.GRPCPrefix+svc.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return svc, s
}

func allocate(t *testing.T, s *session.Session, device string, values ...*literal.Literal) []int64 {
	t.Helper()
	req := wire.AllocateRequest{}
	buffers := make([][]byte, len(values))
	for i, v := range values {
		enc, err := wire.Marshal(v.Shape)
		require.NoError(t, err)
		req.Shapes = append(req.Shapes, cbor.RawMessage(enc))
		req.Devices = append(req.Devices, device)
		buffers[i] = v.Data
	}
	cmd, err := wire.Marshal(req)
	require.NoError(t, err)
	rec := wire.NewTensorRecord(memory.NewGoAllocator(), buffers)
	defer rec.Release()
	meta, err := s.Put(context.Background(), cmd, rec)
	require.NoError(t, err)
	var resp wire.HandlesResponse
	require.NoError(t, wire.Unmarshal(meta, &resp))
	return resp.Handles
}

func read(t *testing.T, s *session.Session, device string, handles ...int64) []*literal.Literal {
	t.Helper()
	req := wire.ReadRequest{}
	for _, h := range handles {
		req.Items = append(req.Items, wire.ReadItem{Device: device, Handle: h})
	}
	ticket, err := wire.Marshal(req)
	require.NoError(t, err)
	recs, err := s.Get(context.Background(), ticket)
	require.NoError(t, err)

	var out []*literal.Literal
	for _, rec := range recs {
		shapes, err := wire.Column(rec, wire.ColumnShape)
		require.NoError(t, err)
		data, err := wire.Column(rec, wire.ColumnData)
		require.NoError(t, err)
		for i := range shapes {
			var sh shape.Shape
			require.NoError(t, wire.Unmarshal(shapes[i], &sh))
			if sh.IsTuple() {
				var l literal.Literal
				require.NoError(t, wire.Unmarshal(data[i], &l))
				out = append(out, &l)
				continue
			}
			l, err := literal.Decode(sh, data[i])
			require.NoError(t, err)
			out = append(out, l)
		}
		rec.Release()
	}
	return out
}

func compile(t *testing.T, s *session.Session, device string, modules ...*hlo.Module) []int64 {
	t.Helper()
	req := wire.CompileRequest{Device: device}
	for _, m := range modules {
		data, err := hlo.NewProgram(m, 1, nil, nil).Serialize()
		require.NoError(t, err)
		req.Programs = append(req.Programs, data)
	}
	var resp wire.HandlesResponse
	require.NoError(t, s.Do(context.Background(), wire.ActionCompile, req, &resp))
	return resp.Handles
}

func floats(t *testing.T, l *literal.Literal) []float32 {
	t.Helper()
	v, err := l.Float32s()
	require.NoError(t, err)
	return v
}

func f32(t *testing.T, values ...float32) *literal.Literal {
	t.Helper()
	l, err := literal.FromFloat32(dtypes.Float32, values, len(values))
	require.NoError(t, err)
	return l
}

func TestAllocateAndRead(t *testing.T) {
	svc, s := startWorker(t)
	handles := allocate(t, s, cpu0, f32(t, 1, 2, 3), f32(t, 4))
	require.Len(t, handles, 2)
	assert.NotEqual(t, handles[0], handles[1])

	got := read(t, s, cpu0, handles[1], handles[0])
	require.Len(t, got, 2)
	assert.Equal(t, []float32{4}, floats(t, got[0]))
	assert.Equal(t, []float32{1, 2, 3}, floats(t, got[1]))

	buffers, _ := svc.Worker().Live()
	assert.Equal(t, 2, buffers)
	assert.Equal(t, int64(1), svc.Worker().Calls(MetricAllocate))
}

func TestCompileUnknownEntry(t *testing.T) {
	_, s := startWorker(t)
	m := hlo.Identity(shape.Make(dtypes.Float32, 3))
	m.Entry = "conv"
	data, err := hlo.NewProgram(m, 1, nil, nil).Serialize()
	require.NoError(t, err)
	err = s.Do(context.Background(), wire.ActionCompile, wire.CompileRequest{Device: cpu0, Programs: [][]byte{data}}, &wire.HandlesResponse{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no kernel")
}

func TestExecuteAndExplode(t *testing.T) {
	svc, s := startWorker(t)
	vec := shape.Make(dtypes.Float32, 2)
	args := allocate(t, s, cpu0, f32(t, 1, 2), f32(t, 10, 20))
	progs := compile(t, s, cpu0, hlo.Add(vec), hlo.Tuple(vec, vec))

	req := wire.ExecuteRequest{Ops: []wire.ExecuteOp{
		{Device: cpu0, Computation: progs[0], Arguments: args},
		{Device: cpu0, Computation: progs[1], Arguments: args, Config: wire.ExecuteConfig{ReturnExplodedTuple: true}},
	}}
	var resp wire.ExecuteResponse
	require.NoError(t, s.Do(context.Background(), wire.ActionExecute, req, &resp))
	require.Len(t, resp.Results, 2)
	require.Len(t, resp.Results[0].Handles, 1)
	assert.False(t, resp.Results[0].Exploded)
	require.Len(t, resp.Results[1].Handles, 2)
	assert.True(t, resp.Results[1].Exploded)

	got := read(t, s, cpu0, resp.Results[0].Handles[0], resp.Results[1].Handles[1])
	assert.Equal(t, []float32{11, 22}, floats(t, got[0]))
	assert.Equal(t, []float32{10, 20}, floats(t, got[1]))
	assert.Equal(t, int64(1), svc.Worker().Calls(MetricExecute))
}

func TestExecuteIsAllOrNothing(t *testing.T) {
	svc, s := startWorker(t)
	vec := shape.Make(dtypes.Float32, 2)
	args := allocate(t, s, cpu0, f32(t, 1, 2), f32(t, 1, 2, 3))
	progs := compile(t, s, cpu0, hlo.Identity(vec))

	before, _ := svc.Worker().Live()
	req := wire.ExecuteRequest{Ops: []wire.ExecuteOp{
		{Device: cpu0, Computation: progs[0], Arguments: args[:1]},
		{Device: cpu0, Computation: progs[0], Arguments: args[1:]},
	}}
	err := s.Do(context.Background(), wire.ActionExecute, req, &wire.ExecuteResponse{})
	require.Error(t, err)
	after, _ := svc.Worker().Live()
	assert.Equal(t, before, after)
}

func TestExecuteReleasesInputs(t *testing.T) {
	svc, s := startWorker(t)
	vec := shape.Make(dtypes.Float32, 1)
	args := allocate(t, s, cpu0, f32(t, 5))
	progs := compile(t, s, cpu0, hlo.Identity(vec))

	req := wire.ExecuteRequest{Ops: []wire.ExecuteOp{{
		Device:      cpu0,
		Computation: progs[0],
		Arguments:   args,
		Config:      wire.ExecuteConfig{ReleaseInputHandles: true, ReleaseCompilationHandle: true},
	}}}
	require.NoError(t, s.Do(context.Background(), wire.ActionExecute, req, &wire.ExecuteResponse{}))
	buffers, programs := svc.Worker().Live()
	assert.Equal(t, 1, buffers)
	assert.Equal(t, 0, programs)
}

func TestExecuteChained(t *testing.T) {
	_, s := startWorker(t)
	vec := shape.Make(dtypes.Float32, 2)
	data := allocate(t, s, cpu0, f32(t, 1, 2))
	progs := compile(t, s, cpu0, hlo.Add(vec), hlo.Tuple(vec, vec))

	// op0 = x; op1 = x + x; op2 = (op1, x); slot 0 = op2[0] + x, slot 1 = op2.
	x, add, tuple := data[0], progs[0], progs[1]
	plan := wire.ChainedPlan{Ops: []wire.ChainedOp{
		{DataHandle: &x},
		{ComputationHandle: &add, Inputs: []wire.ChainedInput{{OpIndex: 0}, {OpIndex: 0}}},
		{
			ComputationHandle: &tuple,
			Inputs:            []wire.ChainedInput{{OpIndex: 1}, {OpIndex: 0}},
			Outputs:           []wire.ChainedOutput{{ResultIndex: 1}},
		},
		{
			ComputationHandle: &add,
			Inputs:            []wire.ChainedInput{{OpIndex: 2, OutputIndex: 1}, {OpIndex: 0}},
			Outputs:           []wire.ChainedOutput{{ResultIndex: 0}},
		},
	}}
	var resp wire.HandlesResponse
	require.NoError(t, s.Do(context.Background(), wire.ActionExecuteChained, wire.ExecuteChainedRequest{Device: cpu0, Plan: plan}, &resp))
	require.Len(t, resp.Handles, 2)

	got := read(t, s, cpu0, resp.Handles...)
	assert.Equal(t, []float32{3, 6}, floats(t, got[0]))
	require.True(t, got[1].Shape.IsTuple())
	assert.Equal(t, []float32{2, 4}, floats(t, got[1].Elements[0]))

	bad := wire.ChainedPlan{Ops: []wire.ChainedOp{{ComputationHandle: &add, Inputs: []wire.ChainedInput{{OpIndex: 0}}}}}
	err := s.Do(context.Background(), wire.ActionExecuteChained, wire.ExecuteChainedRequest{Device: cpu0, Plan: bad}, &resp)
	assert.Error(t, err)
}

func TestSubTupleAndRelease(t *testing.T) {
	svc, s := startWorker(t)
	vec := shape.Make(dtypes.Float32, 1)
	args := allocate(t, s, cpu0, f32(t, 7), f32(t, 8))
	progs := compile(t, s, cpu0, hlo.Tuple(vec, vec))

	var exec wire.ExecuteResponse
	req := wire.ExecuteRequest{Ops: []wire.ExecuteOp{{Device: cpu0, Computation: progs[0], Arguments: args}}}
	require.NoError(t, s.Do(context.Background(), wire.ActionExecute, req, &exec))
	tuple := exec.Results[0].Handles[0]

	var sub wire.HandlesResponse
	items := []wire.SubTupleItem{{Handle: tuple, Index: 1}, {Handle: tuple, Index: 0}}
	require.NoError(t, s.Do(context.Background(), wire.ActionSubTuple, wire.SubTupleRequest{Device: cpu0, Items: items}, &sub))
	got := read(t, s, cpu0, sub.Handles...)
	assert.Equal(t, []float32{8}, floats(t, got[0]))
	assert.Equal(t, []float32{7}, floats(t, got[1]))

	release := wire.ReleaseRequest{Device: cpu0, Handles: append(args, tuple)}
	require.NoError(t, s.Do(context.Background(), wire.ActionReleaseAllocation, release, nil))
	buffers, _ := svc.Worker().Live()
	assert.Equal(t, 2, buffers)

	err := s.Do(context.Background(), wire.ActionReleaseAllocation, release, nil)
	require.Error(t, err)
	st, ok := status.FromError(errors.Cause(err))
	require.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
}

func TestMetricsReport(t *testing.T) {
	_, s := startWorker(t)
	allocate(t, s, cpu0, f32(t, 1))
	compile(t, s, cpu0, hlo.Identity(shape.Make(dtypes.Float32, 1)))

	var report wire.MetricsReport
	require.NoError(t, s.Do(context.Background(), wire.ActionMetrics, wire.MetricsRequest{Regex: "ops/|live_allocations"}, &report))
	byName := make(map[string]wire.Metric)
	for _, m := range report.Metrics {
		byName[m.Name] = m
	}
	require.Contains(t, byName, MetricAllocate)
	p := byName[MetricAllocate].Percentiles
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.TotalSamples)
	assert.Len(t, p.Points, len(reportedPercentiles))
	require.Contains(t, byName, MetricBuffers)
	assert.Equal(t, int64(1), *byName[MetricBuffers].Int64Value)
	assert.NotContains(t, byName, MetricPrograms)

	err := s.Do(context.Background(), wire.ActionMetrics, wire.MetricsRequest{Regex: "("}, &report)
	assert.Error(t, err)
}

func TestUnknownAction(t *testing.T) {
	_, s := startWorker(t)
	err := s.Do(context.Background(), "xrt.bogus", wire.MetricsRequest{}, nil)
	require.Error(t, err)
	st, ok := status.FromError(errors.Cause(err))
	require.True(t, ok)
	assert.Equal(t, codes.Unimplemented, st.Code())
}
