package session

import (
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-xrt/internal/wire"
)

type echoServer struct {
	flight.BaseFlightServer
}

func (s *echoServer) DoAction(a *flight.Action, stream flight.FlightService_DoActionServer) error {
	if a.Type == "fail" {
		return status.Error(codes.Internal, "boom")
	}
	return stream.Send(&flight.Result{Body: a.Body})
}

func (s *echoServer) DoPut(stream flight.FlightService_DoPutServer) error {
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer r.Release()
	desc := r.LatestFlightDescriptor()
	var rows int64
	for r.Next() {
		rows += r.Record().NumRows()
	}
	return stream.Send(&flight.PutResult{AppMetadata: append(desc.Cmd, byte(rows))})
}

func (s *echoServer) DoGet(t *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	w := flight.NewRecordWriter(stream, ipc.WithSchema(wire.TensorSchema))
	defer w.Close()
	rec := wire.NewTensorRecord(memory.NewGoAllocator(), [][]byte{t.Ticket, []byte("x")})
	defer rec.Release()
	return w.Write(rec)
}

func startEcho(t *testing.T) string {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(&echoServer{})
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return GRPCPrefix + server.Addr().String()
}

func TestSessionRoundTrips(t *testing.T) {
	target := startEcho(t)
	s, err := Dial("test", target)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	var resp wire.HandlesResponse
	require.NoError(t, s.Do(ctx, wire.ActionCompile, wire.HandlesResponse{Handles: []int64{4, 2}}, &resp))
	assert.Equal(t, []int64{4, 2}, resp.Handles)

	err = s.Do(ctx, "fail", wire.MetricsRequest{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	rec := wire.NewTensorRecord(memory.NewGoAllocator(), [][]byte{{1}, {2, 3}, {}})
	defer rec.Release()
	meta, err := s.Put(ctx, []byte("cmd"), rec)
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'm', 'd', 3}, meta)

	recs, err := s.Get(ctx, []byte("ticket"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	col, err := wire.Column(recs[0], wire.ColumnData)
	recs[0].Release()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("ticket"), []byte("x")}, col)

	assert.Equal(t, int64(4), s.Runs())
}

func TestCacheOneSessionPerTarget(t *testing.T) {
	target := startEcho(t)
	inits := 0
	c := NewCache("execute", func(s *Session) error {
		inits++
		s.Prewarm(NodeKey(wire.OpExecute, "/job:w/replica:0/task:0/device:XLA_CPU:0"), &Node{Op: wire.OpExecute}, 4)
		return nil
	})
	defer c.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.GetSession(ctx, target)
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, inits)
	assert.Equal(t, []string{target}, c.Targets())
	assert.Equal(t, 4, sessions[0].NodeCount())

	m := c.NewMap()
	a, err := m.Get(ctx, target)
	require.NoError(t, err)
	b, err := m.Get(ctx, target)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, m.Len())
	m.Release()

	require.NoError(t, c.Close())
	_, err = c.GetSession(ctx, target)
	assert.Error(t, err)
}

func TestNodeCacheReset(t *testing.T) {
	s, err := Dial("alloc", "grpc://localhost:1")
	require.NoError(t, err)
	defer s.Close()

	key := NodeKey(wire.OpExecute, "dev")
	s.Prewarm(key, &Node{Op: wire.OpExecute, Device: "dev"}, 2)

	builds := 0
	build := func() (*Node, error) {
		builds++
		return &Node{Op: wire.OpExecute, Device: "dev"}, nil
	}
	for range 3 {
		_, err := s.Node(key, build)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, builds)
	assert.Equal(t, 3, s.NodeCount())

	allocKey := NodeKey(wire.OpAllocate, "dev", "f32[2]{0}")
	_, err = s.Node(allocKey, build)
	require.NoError(t, err)
	assert.Equal(t, 4, s.NodeCount())

	s.Reset()
	assert.Equal(t, 2, s.NodeCount())
	_, err = s.Node(key, build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}
