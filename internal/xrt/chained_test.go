package xrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/worker"
)

type chainedFixture struct {
	a, b       *Data
	add, tuple *Computation
}

func newChainedFixture(t *testing.T, c *Client) *chainedFixture {
	t.Helper()
	comps, err := c.Compile(context.Background(), "", nil, []CompileInstance{
		{Module: hlo.Add(vec2)},
		{Module: hlo.Tuple(vec2, vec2)},
	})
	require.NoError(t, err)
	data := transfer(t, c, "", []float32{1, 2}, []float32{10, 20})
	f := &chainedFixture{a: data[0], b: data[1], add: comps[0], tuple: comps[1]}
	t.Cleanup(func() {
		releaseEach(f.a, f.b)
		f.add.Release()
		f.tuple.Release()
	})
	return f
}

// plan computes s = a + b, p = (s, a), d = p.1 + p.0 and returns [s, d, p.1].
func (f *chainedFixture) plan(t *testing.T) *ChainedPlan {
	t.Helper()
	p, err := NewChainedPlan([]ChainedOp{
		{Data: f.a},
		{Data: f.b},
		{Computation: f.add, Inputs: []ChainedInput{{OpIndex: 0}, {OpIndex: 1}}, Outputs: []ChainedOutput{{ResultIndex: 0}}},
		{Computation: f.tuple, Inputs: []ChainedInput{{OpIndex: 2}, {OpIndex: 0}}, Outputs: []ChainedOutput{{ResultIndex: 2, OutputIndex: Element(1)}}},
		{
			Computation: f.add,
			Inputs:      []ChainedInput{{OpIndex: 3, OutputIndex: Element(1)}, {OpIndex: 3, OutputIndex: Element(0)}},
			Outputs:     []ChainedOutput{{ResultIndex: 1}},
		},
	})
	require.NoError(t, err)
	return p
}

func TestNewChainedPlanShapes(t *testing.T) {
	c := newTestClient(t, nil)
	f := newChainedFixture(t, c)

	p := f.plan(t)
	assert.Equal(t, 5, p.Len())
	require.Len(t, p.ResultShapes(), 3)
	for _, s := range p.ResultShapes() {
		assert.Equal(t, vec2, s)
	}
}

func TestNewChainedPlanRejectsBadGraphs(t *testing.T) {
	c := newTestClient(t, nil)
	f := newChainedFixture(t, c)

	tests := []struct {
		name string
		ops  []ChainedOp
	}{
		{"forward reference", []ChainedOp{
			{Computation: f.add, Inputs: []ChainedInput{{OpIndex: 1}, {OpIndex: 1}}},
			{Data: f.a},
		}},
		{"self reference", []ChainedOp{
			{Data: f.a},
			{Computation: f.add, Inputs: []ChainedInput{{OpIndex: 0}, {OpIndex: 1}}},
		}},
		{"negative reference", []ChainedOp{
			{Data: f.a},
			{Computation: f.add, Inputs: []ChainedInput{{OpIndex: 0}, {OpIndex: -1}}},
		}},
		{"empty op", []ChainedOp{{}}},
		{"value and computation", []ChainedOp{{Data: f.a, Computation: f.add}}},
		{"value with inputs", []ChainedOp{{Data: f.a, Inputs: []ChainedInput{{OpIndex: 0}}}}},
		{"wrong arity", []ChainedOp{
			{Data: f.a},
			{Computation: f.add, Inputs: []ChainedInput{{OpIndex: 0}}},
		}},
		{"element of an array", []ChainedOp{
			{Data: f.a, Outputs: []ChainedOutput{{ResultIndex: 0, OutputIndex: Element(0)}}},
		}},
		{"element out of range", []ChainedOp{
			{Data: f.a},
			{Computation: f.tuple, Inputs: []ChainedInput{{OpIndex: 0}, {OpIndex: 0}}, Outputs: []ChainedOutput{{ResultIndex: 0, OutputIndex: Element(2)}}},
		}},
		{"missing slot", []ChainedOp{
			{Data: f.a, Outputs: []ChainedOutput{{ResultIndex: 1}}},
		}},
		{"negative slot", []ChainedOp{
			{Data: f.a, Outputs: []ChainedOutput{{ResultIndex: -1}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChainedPlan(tt.ops)
			require.Error(t, err)
			assert.True(t, isInvariant(err))
		})
	}
	assert.Zero(t, testWorker(c).Calls(worker.MetricExecute))
	assert.Zero(t, testWorker(c).Calls(worker.MetricChained))
}

func runChained(t *testing.T, split bool) ([][]float32, *Client) {
	t.Helper()
	c := newTestClient(t, func(cfg *config.Config) { cfg.SplitChainedExec = split })
	f := newChainedFixture(t, c)

	results, err := c.ExecuteChained(context.Background(), f.plan(t), "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	values := readFloats(t, c, results...)
	releaseEach(results...)
	return values, c
}

func TestExecuteChainedRemote(t *testing.T) {
	values, c := runChained(t, false)
	w := testWorker(c)

	assert.Equal(t, [][]float32{{11, 22}, {12, 24}, {1, 2}}, values)
	assert.Equal(t, int64(1), w.Calls(worker.MetricChained))
	assert.Zero(t, w.Calls(worker.MetricExecute))

	c.Flush()
	buffers, _ := w.Live()
	assert.Equal(t, 2, buffers, "only the plan inputs remain")
}

func TestExecuteChainedSplit(t *testing.T) {
	values, c := runChained(t, true)
	w := testWorker(c)

	assert.Equal(t, [][]float32{{11, 22}, {12, 24}, {1, 2}}, values)
	assert.Zero(t, w.Calls(worker.MetricChained))
	assert.Equal(t, int64(3), w.Calls(worker.MetricExecute))

	c.Flush()
	buffers, _ := w.Live()
	assert.Equal(t, 2, buffers, "intermediates are released")
}

func TestExecuteChainedSplitWholeTuple(t *testing.T) {
	c := newTestClient(t, func(cfg *config.Config) { cfg.SplitChainedExec = true })
	f := newChainedFixture(t, c)

	p, err := NewChainedPlan([]ChainedOp{
		{Data: f.a},
		{Data: f.b},
		{
			Computation: f.tuple,
			Inputs:      []ChainedInput{{OpIndex: 0}, {OpIndex: 1}},
			Outputs:     []ChainedOutput{{ResultIndex: 0}, {ResultIndex: 1, OutputIndex: Element(1)}},
		},
	})
	require.NoError(t, err)
	results, err := c.ExecuteChained(context.Background(), p, "")
	require.NoError(t, err)
	defer releaseEach(results...)

	assert.True(t, results[0].Shape().IsTuple())
	assert.Equal(t, [][]float32{{10, 20}}, readFloats(t, c, results[1]))
	assert.Equal(t, int64(1), testWorker(c).Calls(worker.MetricSubTuple))
}

func TestExecuteChainedRejectsForeignValues(t *testing.T) {
	c := newTestClient(t, nil)
	f := newChainedFixture(t, c)

	p := f.plan(t)
	_, err := c.ExecuteChained(context.Background(), p, "GPU:1")
	assert.True(t, isInvariant(err))
	assert.Zero(t, testWorker(c).Calls(worker.MetricChained))
}
