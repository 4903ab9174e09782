package worker

import (
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/literal"
)

type allocation struct {
	device string
	value  *literal.Literal
}

type compiled struct {
	device  string
	program *hlo.Program
}

// store owns the buffers and programs of the worker. Handles are never reused.
type store struct {
	mu       sync.Mutex
	next     int64
	buffers  map[int64]allocation
	programs map[int64]compiled
}

func newStore() *store {
	return &store{
		next:     1,
		buffers:  make(map[int64]allocation),
		programs: make(map[int64]compiled),
	}
}

func (s *store) putBuffers(device string, values []*literal.Literal) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]int64, len(values))
	for i, v := range values {
		handles[i] = s.next
		s.buffers[s.next] = allocation{device: device, value: v}
		s.next++
	}
	return handles
}

func (s *store) putPrograms(device string, programs []*hlo.Program) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]int64, len(programs))
	for i, p := range programs {
		handles[i] = s.next
		s.programs[s.next] = compiled{device: device, program: p}
		s.next++
	}
	return handles
}

func (s *store) buffer(device string, h int64) (*literal.Literal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.buffers[h]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "allocation handle %d not found", h)
	}
	if device != "" && a.device != device {
		return nil, status.Errorf(codes.InvalidArgument, "allocation handle %d lives on %s, not %s", h, a.device, device)
	}
	return a.value, nil
}

// program looks up a compiled program. Programs are shared by every device of the
// worker, so any of them may run it.
func (s *store) program(h int64) (*hlo.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.programs[h]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "compilation handle %d not found", h)
	}
	return c.program, nil
}

// releaseBuffers frees the known handles and reports the first unknown one.
func (s *store) releaseBuffers(handles []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, h := range handles {
		if _, ok := s.buffers[h]; !ok {
			if err == nil {
				err = status.Errorf(codes.NotFound, "allocation handle %d not found", h)
			}
			continue
		}
		delete(s.buffers, h)
	}
	return err
}

func (s *store) releasePrograms(handles []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, h := range handles {
		if _, ok := s.programs[h]; !ok {
			if err == nil {
				err = status.Errorf(codes.NotFound, "compilation handle %d not found", h)
			}
			continue
		}
		delete(s.programs, h)
	}
	return err
}

func (s *store) live() (buffers, programs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers), len(s.programs)
}
