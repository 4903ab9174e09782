// Package worker is an in-memory implementation of the worker protocol.
//
// It keeps device buffers as host literals and runs programs through a small kernel
// registry keyed by module entry name. It backs the local service a client starts
// for itself and every integration test of the client.
package worker

import (
	"io"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/literal"
	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/wire"
)

// Server implements the worker Flight service.
type Server struct {
	flight.BaseFlightServer
	alloc   memory.Allocator
	store   *store
	metrics *recorder

	mu      sync.RWMutex
	kernels map[string]Kernel
}

// NewServer returns a worker with the builtin kernels.
func NewServer() *Server {
	return &Server{
		alloc:   memory.NewGoAllocator(),
		store:   newStore(),
		metrics: newRecorder(),
		kernels: defaultKernels(),
	}
}

// RegisterKernel adds or replaces the kernel run for modules with the given entry.
func (s *Server) RegisterKernel(entry string, k Kernel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernels[entry] = k
}

func (s *Server) kernel(entry string) (Kernel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kernels[entry]
	return k, ok
}

// Calls returns how many times the op behind metric was served.
func (s *Server) Calls(metric string) int64 {
	return s.metrics.count(metric)
}

// Live returns the number of live buffers and programs.
func (s *Server) Live() (buffers, programs int) {
	return s.store.live()
}

func invalid(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

func decode(body []byte, v any) error {
	if err := wire.Unmarshal(body, v); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	defer s.metrics.observe(MetricAllocate, time.Now())

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD {
		return invalid("allocation needs a command descriptor")
	}
	var req wire.AllocateRequest
	if err := decode(desc.Cmd, &req); err != nil {
		return err
	}
	shapes, err := req.DecodeShapes()
	if err != nil {
		return invalid("%v", err)
	}

	var buffers [][]byte
	for reader.Next() {
		col, err := wire.Column(reader.Record(), wire.ColumnData)
		if err != nil {
			return invalid("%v", err)
		}
		buffers = append(buffers, col...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if len(buffers) != len(shapes) || len(req.Devices) != len(shapes) {
		return invalid("%d buffers for %d shapes on %d devices", len(buffers), len(shapes), len(req.Devices))
	}

	values := make([]*literal.Literal, len(buffers))
	for i, buf := range buffers {
		if values[i], err = literal.Decode(shapes[i], buf); err != nil {
			return invalid("tensor %d: %v", i, err)
		}
	}
	handles := make([]int64, len(values))
	for i, v := range values {
		handles[i] = s.store.putBuffers(req.Devices[i], []*literal.Literal{v})[0]
	}
	log.Debug().Int("tensors", len(handles)).Msg("allocated")

	meta, err := wire.Marshal(wire.HandlesResponse{Handles: handles})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

func (s *Server) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	defer s.metrics.observe(MetricRead, time.Now())

	var req wire.ReadRequest
	if err := decode(ticket.Ticket, &req); err != nil {
		return err
	}
	shapes := make([][]byte, len(req.Items))
	buffers := make([][]byte, len(req.Items))
	for i, item := range req.Items {
		v, err := s.store.buffer(item.Device, item.Handle)
		if err != nil {
			return err
		}
		if shapes[i], err = wire.Marshal(v.Shape); err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if !v.Shape.IsTuple() {
			buffers[i] = v.Data
		} else if buffers[i], err = wire.Marshal(v); err != nil {
			return status.Error(codes.Internal, err.Error())
		}
	}

	rec, err := wire.NewLiteralRecord(s.alloc, shapes, buffers)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer rec.Release()
	w := flight.NewRecordWriter(stream, ipc.WithSchema(wire.LiteralSchema), ipc.WithAllocator(s.alloc))
	defer w.Close()
	return w.Write(rec)
}

func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	var resp any
	var err error
	switch action.Type {
	case wire.ActionCompile:
		resp, err = s.compile(action.Body)
	case wire.ActionExecute:
		resp, err = s.execute(action.Body)
	case wire.ActionExecuteChained:
		resp, err = s.executeChained(action.Body)
	case wire.ActionSubTuple:
		resp, err = s.subTuple(action.Body)
	case wire.ActionReleaseAllocation:
		err = s.release(action.Body, MetricReleaseData, s.store.releaseBuffers)
	case wire.ActionReleaseCompilation:
		err = s.release(action.Body, MetricReleaseComp, s.store.releasePrograms)
	case wire.ActionMetrics:
		resp, err = s.metricsReport(action.Body)
	default:
		return status.Errorf(codes.Unimplemented, "unknown action %q", action.Type)
	}
	if err != nil {
		log.Debug().Err(err).Str("action", action.Type).Msg("action failed")
		return err
	}
	if resp == nil {
		return nil
	}
	body, err := wire.Marshal(resp)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *Server) compile(body []byte) (any, error) {
	defer s.metrics.observe(MetricCompile, time.Now())
	var req wire.CompileRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	programs := make([]*hlo.Program, len(req.Programs))
	for i, data := range req.Programs {
		p, err := hlo.ParseProgram(data)
		if err != nil {
			return nil, invalid("program %d: %v", i, err)
		}
		if _, ok := s.kernel(p.Module.Entry); !ok {
			return nil, invalid("program %d (%s): no kernel for entry %q", i, p.Module.Name, p.Module.Entry)
		}
		programs[i] = p
	}
	return wire.HandlesResponse{Handles: s.store.putPrograms(req.Device, programs)}, nil
}

// run executes p. Parameters must match the program signature, layouts aside.
func (s *Server) run(p *hlo.Program, args []*literal.Literal) (*literal.Literal, error) {
	ps := p.Config.ProgramShape
	if len(args) != len(ps.Parameters) {
		return nil, invalid("%s takes %d arguments, got %d", p.Module.Name, len(ps.Parameters), len(args))
	}
	for i, a := range args {
		if !sameLogicalShape(a.Shape, ps.Parameters[i]) {
			return nil, invalid("%s argument %d has shape %s, expected %s", p.Module.Name, i, a.Shape, ps.Parameters[i])
		}
	}
	k, ok := s.kernel(p.Module.Entry)
	if !ok {
		return nil, invalid("no kernel for entry %q", p.Module.Entry)
	}
	out, err := k(args, ps.Result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%s: %v", p.Module.Name, err)
	}
	return out, nil
}

func sameLogicalShape(a, b shape.Shape) bool {
	if a.IsTuple() != b.IsTuple() {
		return false
	}
	if a.IsTuple() {
		if len(a.Elements) != len(b.Elements) {
			return false
		}
		for i := range a.Elements {
			if !sameLogicalShape(a.Elements[i], b.Elements[i]) {
				return false
			}
		}
		return true
	}
	if a.DType != b.DType || len(a.Dimensions) != len(b.Dimensions) {
		return false
	}
	for i := range a.Dimensions {
		if a.Dimensions[i] != b.Dimensions[i] {
			return false
		}
	}
	return true
}

func (s *Server) execute(body []byte) (any, error) {
	defer s.metrics.observe(MetricExecute, time.Now())
	var req wire.ExecuteRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	// Every op runs before any result is stored: a failure leaves no trace.
	outputs := make([][]*literal.Literal, len(req.Ops))
	exploded := make([]bool, len(req.Ops))
	for i, op := range req.Ops {
		p, err := s.store.program(op.Computation)
		if err != nil {
			return nil, err
		}
		args := make([]*literal.Literal, len(op.Arguments))
		for j, h := range op.Arguments {
			if args[j], err = s.store.buffer(op.Device, h); err != nil {
				return nil, err
			}
		}
		out, err := s.run(p, args)
		if err != nil {
			return nil, err
		}
		if op.Config.ReturnExplodedTuple && out.Shape.IsTuple() {
			outputs[i], exploded[i] = out.Elements, true
		} else {
			outputs[i] = []*literal.Literal{out}
		}
	}

	resp := wire.ExecuteResponse{Results: make([]wire.ExecuteResult, len(req.Ops))}
	for i, op := range req.Ops {
		resp.Results[i] = wire.ExecuteResult{Handles: s.store.putBuffers(op.Device, outputs[i]), Exploded: exploded[i]}
		if op.Config.ReleaseInputHandles {
			_ = s.store.releaseBuffers(op.Arguments)
		}
		if op.Config.ReleaseCompilationHandle {
			_ = s.store.releasePrograms([]int64{op.Computation})
		}
	}
	return resp, nil
}

// pick selects the whole value (index 0) or tuple element index-1.
func pick(v *literal.Literal, index int) (*literal.Literal, error) {
	if index == 0 {
		return v, nil
	}
	if !v.Shape.IsTuple() || index-1 >= len(v.Elements) || index < 0 {
		return nil, invalid("output index %d out of range for %s", index-1, v.Shape)
	}
	return v.Elements[index-1], nil
}

func (s *Server) executeChained(body []byte) (any, error) {
	defer s.metrics.observe(MetricChained, time.Now())
	var req wire.ExecuteChainedRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	values := make([]*literal.Literal, len(req.Plan.Ops))
	slots := make(map[int]*literal.Literal)
	numSlots := 0
	for i, op := range req.Plan.Ops {
		var err error
		switch {
		case op.DataHandle != nil:
			values[i], err = s.store.buffer(req.Device, *op.DataHandle)
		case op.ComputationHandle != nil:
			var p *hlo.Program
			if p, err = s.store.program(*op.ComputationHandle); err != nil {
				return nil, err
			}
			args := make([]*literal.Literal, len(op.Inputs))
			for j, in := range op.Inputs {
				if in.OpIndex < 0 || in.OpIndex >= i {
					return nil, invalid("op %d input %d references op %d", i, j, in.OpIndex)
				}
				if args[j], err = pick(values[in.OpIndex], in.OutputIndex); err != nil {
					return nil, err
				}
			}
			values[i], err = s.run(p, args)
		default:
			return nil, invalid("op %d has neither a data nor a computation handle", i)
		}
		if err != nil {
			return nil, err
		}
		for _, out := range op.Outputs {
			v, err := pick(values[i], out.OutputIndex)
			if err != nil {
				return nil, err
			}
			slots[out.ResultIndex] = v
			numSlots = max(numSlots, out.ResultIndex+1)
		}
	}

	results := make([]*literal.Literal, numSlots)
	for i := range results {
		v, ok := slots[i]
		if !ok {
			return nil, invalid("result slot %d is not produced by the plan", i)
		}
		results[i] = v
	}
	return wire.HandlesResponse{Handles: s.store.putBuffers(req.Device, results)}, nil
}

func (s *Server) subTuple(body []byte) (any, error) {
	defer s.metrics.observe(MetricSubTuple, time.Now())
	var req wire.SubTupleRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	elements := make([]*literal.Literal, len(req.Items))
	for i, item := range req.Items {
		v, err := s.store.buffer(req.Device, item.Handle)
		if err != nil {
			return nil, err
		}
		if elements[i], err = pick(v, item.Index+1); err != nil {
			return nil, err
		}
	}
	return wire.HandlesResponse{Handles: s.store.putBuffers(req.Device, elements)}, nil
}

func (s *Server) release(body []byte, metric string, free func([]int64) error) error {
	defer s.metrics.observe(metric, time.Now())
	var req wire.ReleaseRequest
	if err := decode(body, &req); err != nil {
		return err
	}
	return free(req.Handles)
}

func (s *Server) metricsReport(body []byte) (any, error) {
	var req wire.MetricsRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	var filter *regexp.Regexp
	if req.Regex != "" {
		var err error
		if filter, err = regexp.Compile(req.Regex); err != nil {
			return nil, invalid("bad metrics regex: %v", err)
		}
	}
	buffers, programs := s.store.live()
	return s.metrics.report(filter, buffers, programs), nil
}

// Service is a running worker.
type Service struct {
	server flight.Server
	worker *Server
}

// Serve starts a worker bound to address.
func Serve(address string) (*Service, error) {
	w := NewServer()
	server := flight.NewServerWithMiddleware(nil,
		grpc.MaxRecvMsgSize(math.MaxInt32),
		grpc.MaxSendMsgSize(math.MaxInt32),
	)
	server.RegisterFlightService(w)
	if err := server.Init(address); err != nil {
		return nil, errors.Wrapf(err, "binding worker to %s", address)
	}
	go func() {
		if err := server.Serve(); err != nil {
			log.Error().Err(err).Msg("worker stopped")
		}
	}()
	log.Info().Str("address", server.Addr().String()).Msg("worker started")
	return &Service{server: server, worker: w}, nil
}

// Addr is the bound address.
func (s *Service) Addr() string { return s.server.Addr().String() }

// Worker is the served worker.
func (s *Service) Worker() *Server { return s.worker }

// Close stops the worker.
func (s *Service) Close() error {
	s.server.Shutdown()
	return nil
}
