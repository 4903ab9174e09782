package mesh

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-xrt/internal/wire"
)

type barrier struct {
	clients  map[int]string
	payloads [][]byte
	done     chan struct{}
}

// barriers holds the open rendezvous by tag. A barrier completes when size distinct
// ordinals joined; the tag can then be reused.
type barriers struct {
	size int

	mu   sync.Mutex
	open map[string]*barrier
}

func newBarriers(size int) *barriers {
	return &barriers{size: size, open: make(map[string]*barrier)}
}

func (b *barriers) join(ctx context.Context, req wire.RendezvousRequest) ([][]byte, error) {
	if req.Ordinal < 0 || req.Ordinal >= b.size {
		return nil, status.Errorf(codes.InvalidArgument, "ordinal %d outside mesh of size %d", req.Ordinal, b.size)
	}

	b.mu.Lock()
	br, ok := b.open[req.Tag]
	if !ok {
		br = &barrier{clients: make(map[int]string), payloads: make([][]byte, b.size), done: make(chan struct{})}
		b.open[req.Tag] = br
	}
	if id, taken := br.clients[req.Ordinal]; taken && id != req.ClientID {
		b.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "ordinal %d already joined rendezvous %q", req.Ordinal, req.Tag)
	}
	br.clients[req.Ordinal] = req.ClientID
	br.payloads[req.Ordinal] = req.Payload
	if len(br.clients) == b.size {
		delete(b.open, req.Tag)
		close(br.done)
	}
	b.mu.Unlock()

	select {
	case <-br.done:
		return br.payloads, nil
	case <-ctx.Done():
		if b.leave(req, br) {
			return br.payloads, nil
		}
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// leave withdraws a participant that gave up waiting. It reports whether the
// barrier completed first, in which case the participant stays counted.
func (b *barriers) leave(req wire.RendezvousRequest, br *barrier) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-br.done:
		return true
	default:
	}
	if br.clients[req.Ordinal] == req.ClientID {
		delete(br.clients, req.Ordinal)
		br.payloads[req.Ordinal] = nil
	}
	if len(br.clients) == 0 && b.open[req.Tag] == br {
		delete(b.open, req.Tag)
	}
	return false
}
