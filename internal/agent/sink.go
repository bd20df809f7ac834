package agent

import (
	"context"
	"sync"
)

// sink is a closable event channel that tolerates sends from callbacks
// racing with close.
type sink struct {
	ctx context.Context
	ch  chan Event

	mu     sync.Mutex
	closed bool
}

func newSink(ctx context.Context, size int) *sink {
	return &sink{ctx: ctx, ch: make(chan Event, size)}
}

// send delivers ev unless the sink is closed or ctx is done.
func (s *sink) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
