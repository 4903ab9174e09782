package xrt

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-xrt/internal/device"
	"github.com/23skdu/longbow-xrt/internal/handle"
	"github.com/23skdu/longbow-xrt/internal/literal"
	"github.com/23skdu/longbow-xrt/internal/session"
	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/wire"
	"github.com/23skdu/longbow-xrt/internal/xsync"
)

// PartitionTransfer splits a batch of payload sizes into partitions of at most
// limit bytes and returns the start index of each. A size above limit on its own
// gets a partition of its own.
func PartitionTransfer(sizes []int64, limit int64) []int {
	var partitions []int
	var current int64
	for i, size := range sizes {
		if current+size > limit {
			if len(partitions) == 0 && i > 0 {
				partitions = append(partitions, 0)
			}
			partitions = append(partitions, i)
			current = 0
		}
		current += size
	}
	if len(partitions) == 0 {
		partitions = append(partitions, 0)
	}
	return partitions
}

type transferItem struct {
	index  int
	device string
	shape  shape.Shape
	source TensorSource
}

func (c *Client) prepareTransfer(d string, sources []TensorSource) ([]transferItem, error) {
	items := make([]transferItem, len(sources))
	for i, src := range sources {
		dev := d
		if src.Device != "" {
			dev = src.Device
		}
		eff, err := c.effective(dev)
		if err != nil {
			return nil, err
		}
		if err := shape.CheckTransferable(src.Shape); err != nil {
			return nil, invariantf("tensor %d: %v", i, err)
		}
		if src.Populate == nil {
			return nil, invariantf("tensor %d has no populate function", i)
		}
		id, err := device.ParseID(eff)
		if err != nil {
			return nil, invariantf("%v", err)
		}
		s := c.layouts.LayoutFor(src.Shape.Dimensions, src.Shape.DType, id.Kind)
		if size := s.ByteSize(); size > c.cfg.MaxTensorsPartition {
			return nil, errors.WithStack(&ProtocolLimitError{Index: i, Size: size, Limit: c.cfg.MaxTensorsPartition})
		}
		items[i] = transferItem{index: i, device: eff, shape: s, source: src}
	}
	return items, nil
}

// TransferToServer allocates one device buffer per source, on the source device or
// on d. Batches above the payload ceiling are split into partitions sent
// concurrently. Results are in source order.
func (c *Client) TransferToServer(ctx context.Context, d string, sources []TensorSource) ([]*Data, error) {
	ctx, span := tracer.Start(ctx, "TransferToServer", trace.WithAttributes(
		attribute.String("device", d),
		attribute.Int("tensors", len(sources)),
	))
	defer span.End()
	defer observe(opTransferToServer, time.Now())

	items, err := c.prepareTransfer(d, sources)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	sizes := make([]int64, len(items))
	for i, it := range items {
		sizes[i] = it.shape.ByteSize()
	}
	partitions := PartitionTransfer(sizes, c.cfg.MaxTensorsPartition)
	span.SetAttributes(attribute.Int("partitions", len(partitions)))
	if len(partitions) == 1 {
		results, err := c.transferPartition(ctx, items)
		if err != nil {
			span.RecordError(err)
		}
		return results, err
	}
	transferPartitions.Add(float64(len(partitions)))

	// Partition tasks block on I/O pool work and run outside of it.
	results := make([]*Data, len(items))
	var eg errgroup.Group
	eg.SetLimit(c.cfg.IOThreads)
	for i, base := range partitions {
		end := len(items)
		if i+1 < len(partitions) {
			end = partitions[i+1]
		}
		eg.Go(func() error {
			out, err := c.transferPartition(ctx, items[base:end])
			if err != nil {
				return err
			}
			copy(results[base:end], out)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		releaseAll(results)
		span.RecordError(err)
		return nil, err
	}
	return results, nil
}

type allocWork struct {
	session *session.Session
	req     wire.AllocateRequest
	buffers [][]byte
	indices []int
}

// transferPartition stages the partition buffers on the general pool, then sends one
// allocation per session on the I/O pool.
func (c *Client) transferPartition(ctx context.Context, items []transferItem) ([]*Data, error) {
	buffers := make([][]byte, len(items))
	mw := xsync.NewMultiWait(len(items))
	for i, it := range items {
		c.pool.Go(mw, func() error {
			buf := make([]byte, it.shape.ByteSize())
			if err := it.source.Populate(buf); err != nil {
				return errors.Wrapf(err, "populating tensor %d", it.index)
			}
			buffers[i] = buf
			return nil
		})
	}
	if err := mw.Wait(); err != nil {
		return nil, err
	}

	sessions := c.allocSessions.NewMap()
	defer sessions.Release()
	works := make(map[*session.Session]*allocWork)
	var order []*allocWork
	var total int64
	for i, it := range items {
		target, err := c.target(it.device)
		if err != nil {
			return nil, err
		}
		s, err := sessions.Get(ctx, target)
		if err != nil {
			return nil, err
		}
		w, ok := works[s]
		if !ok {
			w = &allocWork{session: s}
			works[s] = w
			order = append(order, w)
		}
		n, err := c.node(s, wire.OpAllocate, it.device, func() ([]byte, error) {
			return wire.Marshal(it.shape)
		}, it.shape.String())
		if err != nil {
			return nil, err
		}
		w.req.Devices = append(w.req.Devices, n.Device)
		w.req.Shapes = append(w.req.Shapes, cbor.RawMessage(n.Attrs))
		w.buffers = append(w.buffers, buffers[i])
		w.indices = append(w.indices, i)
		total += int64(len(buffers[i]))
	}
	transferredBytes.WithLabelValues("outbound").Observe(float64(total))

	results := make([]*Data, len(items))
	mw.Reset(len(order))
	for _, w := range order {
		c.ioPool.Go(mw, func() error {
			handles, err := allocate(ctx, w)
			if err != nil {
				return err
			}
			for j, h := range handles {
				it := items[w.indices[j]]
				results[w.indices[j]] = newData(BufferData, it.device, it.shape, c.releaser.NewToken(handle.KindData, it.device, h))
			}
			dataHandles.WithLabelValues("transfer").Add(float64(len(handles)))
			return nil
		})
	}
	if err := mw.Wait(); err != nil {
		releaseAll(results)
		return nil, err
	}
	return results, nil
}

func allocate(ctx context.Context, w *allocWork) ([]int64, error) {
	cmd, err := wire.Marshal(w.req)
	if err != nil {
		return nil, err
	}
	rec := wire.NewTensorRecord(memory.DefaultAllocator, w.buffers)
	defer rec.Release()
	meta, err := w.session.Put(ctx, cmd, rec)
	if err != nil {
		return nil, err
	}
	var resp wire.HandlesResponse
	if err := wire.Unmarshal(meta, &resp); err != nil {
		return nil, err
	}
	if len(resp.Handles) != len(w.indices) {
		return nil, errors.Errorf("allocation on %s returned %d handles for %d tensors", w.session.Target(), len(resp.Handles), len(w.indices))
	}
	return resp.Handles, nil
}

type readWork struct {
	session *session.Session
	req     wire.ReadRequest
	indices []int
}

// TransferFromServer reads device values back to the host, in argument order.
// Reads are batched under the payload ceiling with one read per batch and session.
func (c *Client) TransferFromServer(ctx context.Context, data []*Data) ([]*literal.Literal, error) {
	ctx, span := tracer.Start(ctx, "TransferFromServer", trace.WithAttributes(attribute.Int("handles", len(data))))
	defer span.End()
	defer observe(opTransferFromServer, time.Now())

	limit := c.cfg.MaxTensorsPartition
	sessions := c.execSessions.NewMap()
	defer sessions.Release()

	var batches [][]*readWork
	var works map[*session.Session]*readWork
	var current int64
	for i, d := range data {
		if !d.HasValue() {
			return nil, invariantf("value %d (%s on %s) has no device handle", i, d.shape, d.device)
		}
		size := d.shape.ByteSize()
		if size > limit {
			return nil, errors.WithStack(&ProtocolLimitError{Index: i, Size: size, Limit: limit})
		}
		if works == nil || current+size >= limit {
			works = make(map[*session.Session]*readWork)
			batches = append(batches, nil)
			current = 0
		}
		current += size

		target, err := c.target(d.device)
		if err != nil {
			return nil, err
		}
		s, err := sessions.Get(ctx, target)
		if err != nil {
			return nil, err
		}
		w, ok := works[s]
		if !ok {
			w = &readWork{session: s}
			works[s] = w
			batches[len(batches)-1] = append(batches[len(batches)-1], w)
		}
		n, err := c.node(s, wire.OpRead, d.device, nil)
		if err != nil {
			return nil, err
		}
		w.req.Items = append(w.req.Items, wire.ReadItem{Device: n.Device, Handle: d.Handle()})
		w.indices = append(w.indices, i)
	}
	span.SetAttributes(attribute.Int("batches", len(batches)))

	results := make([]*literal.Literal, len(data))
	var total int64
	for _, batch := range batches {
		for _, w := range batch {
			values, err := read(ctx, w)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			for j, v := range values {
				results[w.indices[j]] = v
				total += v.SizeBytes()
			}
		}
	}
	transferredBytes.WithLabelValues("inbound").Observe(float64(total))
	return results, nil
}

func read(ctx context.Context, w *readWork) ([]*literal.Literal, error) {
	ticket, err := wire.Marshal(w.req)
	if err != nil {
		return nil, err
	}
	recs, err := w.session.Get(ctx, ticket)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	var values []*literal.Literal
	for _, rec := range recs {
		shapes, err := wire.Column(rec, wire.ColumnShape)
		if err != nil {
			return nil, err
		}
		buffers, err := wire.Column(rec, wire.ColumnData)
		if err != nil {
			return nil, err
		}
		for i := range shapes {
			var s shape.Shape
			if err := wire.Unmarshal(shapes[i], &s); err != nil {
				return nil, err
			}
			if s.IsTuple() {
				var l literal.Literal
				if err := wire.Unmarshal(buffers[i], &l); err != nil {
					return nil, err
				}
				values = append(values, &l)
				continue
			}
			l, err := literal.Decode(s, buffers[i])
			if err != nil {
				return nil, err
			}
			values = append(values, l)
		}
	}
	if len(values) != len(w.indices) {
		return nil, errors.Errorf("read from %s returned %d values for %d handles", w.session.Target(), len(values), len(w.indices))
	}
	return values, nil
}

func releaseAll(data []*Data) {
	for _, d := range data {
		if d != nil {
			d.Release()
		}
	}
}
