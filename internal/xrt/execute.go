package xrt

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-xrt/internal/handle"
	"github.com/23skdu/longbow-xrt/internal/session"
	"github.com/23skdu/longbow-xrt/internal/wire"
	"github.com/23skdu/longbow-xrt/internal/xsync"
)

// ExecuteOptions tune an execution.
type ExecuteOptions struct {
	// ExplodeTuple returns one Data per element of a tuple result instead of the
	// tuple itself.
	ExplodeTuple bool
}

// DefaultExecuteOptions explode tuple results.
func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{ExplodeTuple: true}
}

// execution is one computation run on one device.
type execution struct {
	comp   *Computation
	args   []*Data
	device string
}

type execGroup struct {
	session *session.Session
	req     wire.ExecuteRequest
	infos   []ComputationInfo
	indices []int
}

// ExecuteComputation runs comp on device d.
func (c *Client) ExecuteComputation(ctx context.Context, comp *Computation, args []*Data, d string, opts ExecuteOptions) ([]*Data, error) {
	if comp == nil {
		return nil, invariantf("no computation to execute")
	}
	ctx, span := tracer.Start(ctx, "ExecuteComputation", trace.WithAttributes(
		attribute.String("computation", comp.Name()),
		attribute.String("device", d),
	))
	defer span.End()
	defer observe(opExecute, time.Now())

	results, err := c.run(ctx, opExecute, []execution{{comp: comp, args: args, device: d}}, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return results[0], nil
}

// ExecuteReplicated runs comp once per device, replica i on devices[i] with
// arguments[i]. Replicas on the same worker share one RPC. Results are per replica.
//
// A computation lives on the worker it was compiled on, so every device must share
// its resource domain; other devices are rejected with an InvariantError. To run
// on several workers at once, compile once per worker and use ExecuteParallel.
func (c *Client) ExecuteReplicated(ctx context.Context, comp *Computation, arguments [][]*Data, devices []string, opts ExecuteOptions) ([][]*Data, error) {
	if comp == nil {
		return nil, invariantf("no computation to execute")
	}
	ctx, span := tracer.Start(ctx, "ExecuteReplicated", trace.WithAttributes(
		attribute.String("computation", comp.Name()),
		attribute.Int("replicas", len(devices)),
	))
	defer span.End()
	defer observe(opExecuteReplicated, time.Now())

	if len(arguments) != len(devices) {
		return nil, invariantf("%d argument lists for %d replica devices", len(arguments), len(devices))
	}
	execs := make([]execution, len(devices))
	for i, d := range devices {
		execs[i] = execution{comp: comp, args: arguments[i], device: d}
	}
	results, err := c.run(ctx, opExecuteReplicated, execs, opts)
	if err != nil {
		span.RecordError(err)
	}
	return results, err
}

// ExecuteParallel runs computations[i] on devices[i] with arguments[i]. Results are
// in input order. Executions are sent as one RPC per worker session, concurrently.
//
// A failed RPC only fails the executions of its own session. The results of the
// sessions that succeeded are still returned, with nil entries for the failed
// executions, alongside the ExecutionError of every failed session. The caller owns
// those results.
func (c *Client) ExecuteParallel(ctx context.Context, computations []*Computation, arguments [][]*Data, devices []string, opts ExecuteOptions) ([][]*Data, error) {
	ctx, span := tracer.Start(ctx, "ExecuteParallel", trace.WithAttributes(attribute.Int("computations", len(computations))))
	defer span.End()
	defer observe(opExecuteParallel, time.Now())

	if len(arguments) != len(computations) || len(devices) != len(computations) {
		return nil, invariantf("%d computations with %d argument lists and %d devices",
			len(computations), len(arguments), len(devices))
	}
	execs := make([]execution, len(computations))
	for i, comp := range computations {
		execs[i] = execution{comp: comp, args: arguments[i], device: devices[i]}
	}
	results, err := c.run(ctx, opExecuteParallel, execs, opts)
	if err != nil {
		span.RecordError(err)
	}
	return results, err
}

// run groups the executions by worker session, issues one execute RPC per session on
// the I/O pool and returns the results in input order. Every argument is checked
// before any RPC is sent. A failed session leaves nil results for its executions
// and does not affect the others.
func (c *Client) run(ctx context.Context, op string, execs []execution, opts ExecuteOptions) ([][]*Data, error) {
	sessions := c.execSessions.NewMap()
	defer sessions.Release()

	devices := make([]string, len(execs))
	groups := make(map[*session.Session]*execGroup)
	var order []*execGroup
	for i, e := range execs {
		if e.comp == nil || e.comp.token == nil {
			return nil, invariantf("execution %d has no live computation", i)
		}
		eff, err := c.effective(e.device)
		if err != nil {
			return nil, err
		}
		domain, err := c.topo.ResourceDomain(eff)
		if err != nil {
			return nil, invariantf("%v", err)
		}
		if domain != e.comp.domain {
			return nil, invariantf("%s was compiled for %s and cannot run on %s", e.comp.Name(), e.comp.device, eff)
		}
		params := e.comp.ProgramShape().Parameters
		if len(e.args) != len(params) {
			return nil, invariantf("%s takes %d arguments, got %d", e.comp.Name(), len(params), len(e.args))
		}
		handles := make([]int64, len(e.args))
		for j, a := range e.args {
			if handles[j], err = a.handleOn(eff); err != nil {
				return nil, err
			}
		}
		devices[i] = eff

		s, err := sessions.Get(ctx, domain)
		if err != nil {
			return nil, err
		}
		g, ok := groups[s]
		if !ok {
			g = &execGroup{session: s}
			groups[s] = g
			order = append(order, g)
		}
		n, err := c.node(s, wire.OpExecute, eff, nil)
		if err != nil {
			return nil, err
		}
		g.req.Ops = append(g.req.Ops, wire.ExecuteOp{
			Device:      n.Device,
			Computation: e.comp.handle,
			Arguments:   handles,
			Config: wire.ExecuteConfig{
				ReturnExplodedTuple: opts.ExplodeTuple,
				RngSeed:             c.RngSeed(),
			},
		})
		g.infos = append(g.infos, e.comp.info())
		g.indices = append(g.indices, i)
	}
	executions.WithLabelValues(op).Add(float64(len(execs)))

	results := make([][]*Data, len(execs))
	errs := make([]error, len(order))
	mw := xsync.NewMultiWait(len(order))
	for gi, g := range order {
		c.ioPool.Go(mw, func() error {
			out, err := c.runGroup(ctx, g, execs, devices)
			if err != nil {
				errs[gi] = err
				return nil
			}
			for j, i := range g.indices {
				results[i] = out[j]
			}
			return nil
		})
	}
	if err := mw.Wait(); err != nil {
		for _, out := range results {
			releaseAll(out)
		}
		return nil, err
	}
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	switch len(failed) {
	case 0:
		return results, nil
	case 1:
		return results, failed[0]
	default:
		return results, stderrors.Join(failed...)
	}
}

// runGroup issues the execute RPC of one session and wraps its results, one slice
// per execution of the group.
func (c *Client) runGroup(ctx context.Context, g *execGroup, execs []execution, devices []string) ([][]*Data, error) {
	var resp wire.ExecuteResponse
	if err := g.session.Do(ctx, wire.ActionExecute, g.req, &resp); err != nil {
		return nil, errors.WithStack(&ExecutionError{Target: g.session.Target(), Computations: g.infos, Err: err})
	}
	if len(resp.Results) != len(g.indices) {
		return nil, errors.WithStack(&ExecutionError{
			Target:       g.session.Target(),
			Computations: g.infos,
			Err:          errors.Errorf("got %d results for %d executions", len(resp.Results), len(g.indices)),
		})
	}
	out := make([][]*Data, len(g.indices))
	for j, r := range resp.Results {
		i := g.indices[j]
		data, err := c.resultData(execs[i].comp, devices[i], r)
		if err != nil {
			for _, d := range out {
				releaseAll(d)
			}
			return nil, errors.WithStack(&ExecutionError{Target: g.session.Target(), Computations: g.infos, Err: err})
		}
		out[j] = data
	}
	return out, nil
}

// resultData wraps the handles of one execution result.
func (c *Client) resultData(comp *Computation, d string, r wire.ExecuteResult) ([]*Data, error) {
	result := comp.ProgramShape().Result
	if !r.Exploded {
		if len(r.Handles) != 1 {
			return nil, errors.Errorf("%s returned %d handles for a whole result", comp.Name(), len(r.Handles))
		}
		dataHandles.WithLabelValues("execute").Inc()
		return []*Data{newData(BufferData, d, result, c.releaser.NewToken(handle.KindData, d, r.Handles[0]))}, nil
	}
	if len(r.Handles) != result.TupleElementCount() {
		return nil, errors.Errorf("%s returned %d elements for %s", comp.Name(), len(r.Handles), result)
	}
	out := make([]*Data, len(r.Handles))
	for i, h := range r.Handles {
		s, err := result.TupleElement(i)
		if err != nil {
			return nil, err
		}
		out[i] = newData(TupleElementData, d, s, c.releaser.NewToken(handle.KindData, d, h))
	}
	dataHandles.WithLabelValues("execute").Add(float64(len(out)))
	return out, nil
}
