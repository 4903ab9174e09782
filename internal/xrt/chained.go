package xrt

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-xrt/internal/handle"
	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/wire"
)

// ChainedInput feeds the output of an earlier op to a computation. OutputIndex selects
// a tuple element; nil passes the whole value.
type ChainedInput struct {
	OpIndex     int
	OutputIndex *int
}

// ChainedOutput stores the output of an op in result slot ResultIndex. OutputIndex
// selects a tuple element; nil stores the whole value.
type ChainedOutput struct {
	ResultIndex int
	OutputIndex *int
}

// ChainedOp is one node of a chained plan: either an existing device value or a
// computation applied to the outputs of earlier nodes.
type ChainedOp struct {
	Data        *Data
	Computation *Computation
	Inputs      []ChainedInput
	Outputs     []ChainedOutput
}

// Element returns a pointer to i, for ChainedInput and ChainedOutput indices.
func Element(i int) *int { return &i }

// ChainedPlan is a validated DAG. Every input references an earlier op, so the op
// order is a topological order.
type ChainedPlan struct {
	ops     []ChainedOp
	shapes  []shape.Shape
	results []shape.Shape
	uses    []int
}

func selectShape(s shape.Shape, index *int) (shape.Shape, error) {
	if index == nil {
		return s, nil
	}
	return s.TupleElement(*index)
}

// NewChainedPlan validates ops and computes the result slot shapes.
func NewChainedPlan(ops []ChainedOp) (*ChainedPlan, error) {
	p := &ChainedPlan{
		ops:    ops,
		shapes: make([]shape.Shape, len(ops)),
		uses:   make([]int, len(ops)),
	}
	slots := make(map[int]shape.Shape)
	numSlots := 0
	for i, op := range ops {
		switch {
		case op.Data != nil && op.Computation != nil:
			return nil, invariantf("chained op %d holds both a value and a computation", i)
		case op.Data != nil:
			if len(op.Inputs) > 0 {
				return nil, invariantf("chained op %d is a value and takes no inputs", i)
			}
			p.shapes[i] = op.Data.Shape()
		case op.Computation != nil:
			ps := op.Computation.ProgramShape()
			if len(op.Inputs) != len(ps.Parameters) {
				return nil, invariantf("chained op %d (%s) takes %d inputs, got %d", i, op.Computation.Name(), len(ps.Parameters), len(op.Inputs))
			}
			for j, in := range op.Inputs {
				if in.OpIndex < 0 || in.OpIndex >= i {
					return nil, invariantf("chained op %d input %d references op %d", i, j, in.OpIndex)
				}
				if _, err := selectShape(p.shapes[in.OpIndex], in.OutputIndex); err != nil {
					return nil, invariantf("chained op %d input %d: %v", i, j, err)
				}
				p.uses[in.OpIndex]++
			}
			p.shapes[i] = ps.Result
		default:
			return nil, invariantf("chained op %d holds neither a value nor a computation", i)
		}
		for _, out := range op.Outputs {
			if out.ResultIndex < 0 {
				return nil, invariantf("chained op %d has negative result slot %d", i, out.ResultIndex)
			}
			s, err := selectShape(p.shapes[i], out.OutputIndex)
			if err != nil {
				return nil, invariantf("chained op %d output: %v", i, err)
			}
			slots[out.ResultIndex] = s
			numSlots = max(numSlots, out.ResultIndex+1)
		}
	}
	p.results = make([]shape.Shape, numSlots)
	for i := range p.results {
		s, ok := slots[i]
		if !ok {
			return nil, invariantf("result slot %d is not produced by any chained op", i)
		}
		p.results[i] = s
	}
	return p, nil
}

// ResultShapes are the shapes of the plan results, by slot.
func (p *ChainedPlan) ResultShapes() []shape.Shape { return p.results }

// Len is the number of ops.
func (p *ChainedPlan) Len() int { return len(p.ops) }

// ExecuteChained runs plan on device d and returns one value per result slot. The
// plan runs server side with a single RPC, or op by op when split chained execution
// is configured.
func (c *Client) ExecuteChained(ctx context.Context, plan *ChainedPlan, d string) ([]*Data, error) {
	ctx, span := tracer.Start(ctx, "ExecuteChained", trace.WithAttributes(
		attribute.String("device", d),
		attribute.Int("ops", plan.Len()),
		attribute.Bool("split", c.cfg.SplitChainedExec),
	))
	defer span.End()
	defer observe(opExecuteChained, time.Now())

	eff, err := c.effective(d)
	if err != nil {
		return nil, err
	}
	var results []*Data
	if c.cfg.SplitChainedExec {
		results, err = c.executeChainedSplit(ctx, plan, eff)
	} else {
		results, err = c.executeChainedRemote(ctx, plan, eff)
	}
	if err != nil {
		span.RecordError(err)
	}
	return results, err
}

// outputIndex encodes an element selection for the wire: 0 is the whole value and
// i+1 is element i.
func outputIndex(index *int) int {
	if index == nil {
		return 0
	}
	return *index + 1
}

func (c *Client) executeChainedRemote(ctx context.Context, plan *ChainedPlan, d string) ([]*Data, error) {
	domain, err := c.topo.ResourceDomain(d)
	if err != nil {
		return nil, invariantf("%v", err)
	}
	var infos []ComputationInfo
	req := wire.ExecuteChainedRequest{Config: wire.ChainedConfig{RngSeed: c.RngSeed()}}
	for i, op := range plan.ops {
		var wop wire.ChainedOp
		if op.Data != nil {
			h, err := op.Data.handleOn(d)
			if err != nil {
				return nil, err
			}
			wop.DataHandle = &h
		} else {
			comp := op.Computation
			if comp.token == nil || comp.domain != domain {
				return nil, invariantf("chained op %d: %s is not compiled for %s", i, comp.Name(), d)
			}
			h := comp.handle
			wop.ComputationHandle = &h
			infos = append(infos, comp.info())
			for _, in := range op.Inputs {
				wop.Inputs = append(wop.Inputs, wire.ChainedInput{OpIndex: in.OpIndex, OutputIndex: outputIndex(in.OutputIndex)})
			}
		}
		for _, out := range op.Outputs {
			wop.Outputs = append(wop.Outputs, wire.ChainedOutput{ResultIndex: out.ResultIndex, OutputIndex: outputIndex(out.OutputIndex)})
		}
		req.Plan.Ops = append(req.Plan.Ops, wop)
	}

	s, err := c.execSessions.GetSession(ctx, domain)
	if err != nil {
		return nil, err
	}
	defer s.Reset()
	n, err := c.node(s, wire.OpExecuteChained, d, nil)
	if err != nil {
		return nil, err
	}
	req.Device = n.Device
	executions.WithLabelValues(opExecuteChained).Add(float64(len(infos)))

	var resp wire.HandlesResponse
	if err := s.Do(ctx, wire.ActionExecuteChained, req, &resp); err != nil {
		return nil, errors.WithStack(&ExecutionError{Target: s.Target(), Computations: infos, Err: err})
	}
	if len(resp.Handles) != len(plan.results) {
		return nil, errors.Errorf("chained execution on %s returned %d handles for %d results", d, len(resp.Handles), len(plan.results))
	}
	results := make([]*Data, len(resp.Handles))
	for i, h := range resp.Handles {
		results[i] = newData(BufferData, d, plan.results[i], c.releaser.NewToken(handle.KindData, d, h))
	}
	dataHandles.WithLabelValues("execute_chained").Add(float64(len(results)))
	return results, nil
}

// opValue holds the outputs of one op in split mode: the whole value, its tuple
// elements, or both.
type opValue struct {
	whole    *Data
	elements []*Data
}

func (v *opValue) get(index *int) *Data {
	if index == nil {
		return v.whole
	}
	return v.elements[*index]
}

func (v *opValue) release() {
	if v.whole != nil {
		v.whole.Release()
	}
	releaseAll(v.elements)
	v.whole, v.elements = nil, nil
}

// needs reports whether later consumers of op i use its whole value and whether they
// use its tuple elements.
func (p *ChainedPlan) needs(i int) (whole, elements bool) {
	refer := func(index *int) {
		if index == nil {
			whole = true
		} else {
			elements = true
		}
	}
	for _, out := range p.ops[i].Outputs {
		refer(out.OutputIndex)
	}
	for _, op := range p.ops[i+1:] {
		for _, in := range op.Inputs {
			if in.OpIndex == i {
				refer(in.OutputIndex)
			}
		}
	}
	return whole, elements
}

// executeChainedSplit runs every computation op as its own execution. An op's values
// are dropped as soon as its last consumer ran.
func (c *Client) executeChainedSplit(ctx context.Context, plan *ChainedPlan, d string) ([]*Data, error) {
	values := make([]*opValue, len(plan.ops))
	remaining := append([]int(nil), plan.uses...)
	results := make([]*Data, len(plan.results))
	fail := func(err error) ([]*Data, error) {
		for _, v := range values {
			if v != nil {
				v.release()
			}
		}
		releaseAll(results)
		return nil, err
	}

	for i, op := range plan.ops {
		if op.Data != nil {
			if _, err := op.Data.handleOn(d); err != nil {
				return fail(err)
			}
			values[i] = &opValue{whole: op.Data.Retain()}
			if _, elements := plan.needs(i); elements {
				parts, err := c.subTuples(ctx, []tuplePart{{value: op.Data, indices: allIndices(op.Data.shape)}})
				if err != nil {
					return fail(err)
				}
				values[i].elements = parts[0]
			}
		} else {
			v, err := c.runChainedOp(ctx, plan, i, values, d)
			if err != nil {
				return fail(err)
			}
			values[i] = v
		}

		for _, out := range op.Outputs {
			if prev := results[out.ResultIndex]; prev != nil {
				prev.Release()
			}
			results[out.ResultIndex] = values[i].get(out.OutputIndex).Retain()
		}
		for _, in := range op.Inputs {
			remaining[in.OpIndex]--
			if remaining[in.OpIndex] == 0 {
				values[in.OpIndex].release()
			}
		}
		if remaining[i] == 0 {
			values[i].release()
		}
	}
	return results, nil
}

func allIndices(s shape.Shape) []int {
	indices := make([]int, s.TupleElementCount())
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// runChainedOp executes computation op i. Tuple results are exploded unless a
// consumer needs the whole tuple, in which case the needed elements are split off
// the whole value.
func (c *Client) runChainedOp(ctx context.Context, plan *ChainedPlan, i int, values []*opValue, d string) (*opValue, error) {
	op := plan.ops[i]
	args := make([]*Data, len(op.Inputs))
	for j, in := range op.Inputs {
		args[j] = values[in.OpIndex].get(in.OutputIndex)
	}
	whole, elements := plan.needs(i)
	isTuple := plan.shapes[i].IsTuple()
	explode := isTuple && !whole

	out, err := c.run(ctx, opExecuteChained, []execution{{comp: op.Computation, args: args, device: d}}, ExecuteOptions{ExplodeTuple: explode})
	if err != nil {
		return nil, err
	}
	v := &opValue{}
	if explode {
		v.elements = out[0]
		return v, nil
	}
	v.whole = out[0][0]
	if isTuple && elements {
		parts, err := c.subTuples(ctx, []tuplePart{{value: v.whole, indices: allIndices(plan.shapes[i])}})
		if err != nil {
			v.release()
			return nil, err
		}
		v.elements = parts[0]
	}
	return v, nil
}
