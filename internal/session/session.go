// Package session manages the RPC sessions the client keeps open to workers.
//
// A Session is one gRPC connection speaking the Arrow Flight worker protocol, plus a
// cache of prepared request nodes. Sessions are owned by a Cache and shared by every
// call that targets the same worker endpoint.
package session

import (
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-xrt/internal/wire"
)

// GRPCPrefix is the scheme worker endpoints are written with.
const GRPCPrefix = "grpc://"

// Address strips the grpc:// scheme from target.
func Address(target string) string {
	return strings.TrimPrefix(target, GRPCPrefix)
}

// DialOptions are the options every session connection uses. Tensor payloads are
// bounded by client-side partitioning, not by gRPC.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
		),
	}
}

// Session is an RPC channel to one worker target.
type Session struct {
	pool   string
	target string
	conn   *grpc.ClientConn
	client flight.Client

	mu    sync.Mutex
	nodes map[string]*NodeCache

	runs atomic.Int64
}

// Dial connects a session to target. The connection is established lazily.
func Dial(pool, target string, opts ...grpc.DialOption) (*Session, error) {
	if len(opts) == 0 {
		opts = DialOptions()
	}
	conn, err := grpc.NewClient(Address(target), opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", target)
	}
	return &Session{
		pool:   pool,
		target: target,
		conn:   conn,
		client: flight.NewClientFromConn(conn, nil),
		nodes:  make(map[string]*NodeCache),
	}, nil
}

// Target is the endpoint the session talks to.
func (s *Session) Target() string { return s.target }

// Runs counts the RPC round trips issued through the session.
func (s *Session) Runs() int64 { return s.runs.Load() }

// Close closes the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Do runs one action. req is CBOR encoded as the action body and the first result, if
// resp is not nil, is decoded into resp.
func (s *Session) Do(ctx context.Context, action string, req, resp any) error {
	body, err := wire.Marshal(req)
	if err != nil {
		return err
	}
	s.count(action)
	stream, err := s.client.DoAction(ctx, &flight.Action{Type: action, Body: body})
	if err != nil {
		return errors.Wrapf(err, "%s on %s", action, s.target)
	}
	var first *flight.Result
	for {
		r, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "%s on %s", action, s.target)
		}
		if first == nil {
			first = r
		}
	}
	if resp == nil {
		return nil
	}
	if first == nil {
		return errors.Errorf("%s on %s returned no result", action, s.target)
	}
	return wire.Unmarshal(first.Body, resp)
}

// Put streams rec to the worker under the descriptor command cmd and returns the
// metadata of the worker's answer.
func (s *Session) Put(ctx context.Context, cmd []byte, rec arrow.RecordBatch) ([]byte, error) {
	s.count(wire.OpAllocate)
	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "opening put stream to %s", s.target)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "writing %d rows to %s", rec.NumRows(), s.target)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, "closing put stream to %s", s.target)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errors.Wrapf(err, "closing put stream to %s", s.target)
	}

	var meta []byte
	for {
		r, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "put to %s", s.target)
		}
		if meta == nil {
			meta = r.AppMetadata
		}
	}
	if meta == nil {
		return nil, errors.Errorf("put to %s returned no result", s.target)
	}
	return meta, nil
}

// Get reads the records served for ticket. Callers release the records.
func (s *Session) Get(ctx context.Context, ticket []byte) ([]arrow.RecordBatch, error) {
	s.count(wire.OpRead)
	stream, err := s.client.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		return nil, errors.Wrapf(err, "get from %s", s.target)
	}
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, errors.Wrapf(err, "get from %s", s.target)
	}
	defer r.Release()

	var recs []arrow.RecordBatch
	for r.Next() {
		rec := r.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, errors.Wrapf(err, "get from %s", s.target)
	}
	return recs, nil
}

func (s *Session) count(op string) {
	s.runs.Add(1)
	rpcsTotal.WithLabelValues(s.pool, op).Inc()
	log.Debug().Str("pool", s.pool).Str("target", s.target).Str("op", op).Msg("session run")
}
