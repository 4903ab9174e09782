package xrt

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-xrt/internal/handle"
	"github.com/23skdu/longbow-xrt/internal/session"
	"github.com/23skdu/longbow-xrt/internal/wire"
	"github.com/23skdu/longbow-xrt/internal/xsync"
)

// DeconstructTuple splits every tuple into one value per element. The tuples stay
// valid. Results are in input order.
func (c *Client) DeconstructTuple(ctx context.Context, tuples []*Data) ([][]*Data, error) {
	ctx, span := tracer.Start(ctx, "DeconstructTuple", trace.WithAttributes(attribute.Int("tuples", len(tuples))))
	defer span.End()
	defer observe(opDeconstructTuple, time.Now())

	parts := make([]tuplePart, len(tuples))
	for i, t := range tuples {
		parts[i] = tuplePart{value: t}
		for j := range t.shape.TupleElementCount() {
			parts[i].indices = append(parts[i].indices, j)
		}
	}
	out, err := c.subTuples(ctx, parts)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// tuplePart selects elements of a tuple value.
type tuplePart struct {
	value   *Data
	indices []int
}

type subTupleKey struct {
	session *session.Session
	device  string
}

type subTupleGroup struct {
	session *session.Session
	device  string
	req     wire.SubTupleRequest
	slots   [][2]int
}

// subTuples extracts the selected elements with one sub_tuple RPC per session and
// device.
func (c *Client) subTuples(ctx context.Context, parts []tuplePart) ([][]*Data, error) {
	sessions := c.execSessions.NewMap()
	defer sessions.Release()

	groups := make(map[subTupleKey]*subTupleGroup)
	var order []*subTupleGroup
	results := make([][]*Data, len(parts))
	for i, p := range parts {
		t := p.value
		if !t.shape.IsTuple() {
			return nil, invariantf("value %d (%s) is not a tuple", i, t.shape)
		}
		if !t.HasValue() {
			return nil, invariantf("tuple %d on %s has no device handle", i, t.device)
		}
		results[i] = make([]*Data, len(p.indices))
		if len(p.indices) == 0 {
			continue
		}
		target, err := c.target(t.device)
		if err != nil {
			return nil, err
		}
		s, err := sessions.Get(ctx, target)
		if err != nil {
			return nil, err
		}
		key := subTupleKey{session: s, device: t.device}
		g, ok := groups[key]
		if !ok {
			n, err := c.node(s, wire.OpSubTuple, t.device, nil)
			if err != nil {
				return nil, err
			}
			g = &subTupleGroup{session: s, device: t.device, req: wire.SubTupleRequest{Device: n.Device}}
			groups[key] = g
			order = append(order, g)
		}
		for j, index := range p.indices {
			if index < 0 || index >= t.shape.TupleElementCount() {
				return nil, invariantf("tuple index %d out of range for %s", index, t.shape)
			}
			g.req.Items = append(g.req.Items, wire.SubTupleItem{Handle: t.Handle(), Index: index})
			g.slots = append(g.slots, [2]int{i, j})
		}
	}

	mw := xsync.NewMultiWait(len(order))
	for _, g := range order {
		c.ioPool.Go(mw, func() error {
			var resp wire.HandlesResponse
			if err := g.session.Do(ctx, wire.ActionSubTuple, g.req, &resp); err != nil {
				return err
			}
			if len(resp.Handles) != len(g.slots) {
				return errors.Errorf("sub_tuple on %s returned %d handles for %d elements", g.session.Target(), len(resp.Handles), len(g.slots))
			}
			for k, h := range resp.Handles {
				i, j := g.slots[k][0], g.slots[k][1]
				s := parts[i].value.shape.Elements[parts[i].indices[j]]
				results[i][j] = newData(TupleElementData, g.device, s, c.releaser.NewToken(handle.KindData, g.device, h))
			}
			dataHandles.WithLabelValues("sub_tuple").Add(float64(len(resp.Handles)))
			return nil
		})
	}
	if err := mw.Wait(); err != nil {
		for _, out := range results {
			releaseAll(out)
		}
		return nil, err
	}
	return results, nil
}
