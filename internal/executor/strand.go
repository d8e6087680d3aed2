package executor

import (
	"sync"

	"go.uber.org/zap"
)

// Strand runs posted tasks one at a time in FIFO order.
type Strand struct {
	pool   *Pool
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewStrand creates a strand on pool. A nil pool selects Default.
func NewStrand(pool *Pool, logger *zap.Logger) *Strand {
	if pool == nil {
		pool = Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strand{pool: pool, logger: logger}
}

// Post queues fn behind every task posted before it.
func (s *Strand) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.pool.Submit(s.run)
}

// Idle reports whether no task is queued or running.
func (s *Strand) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && len(s.queue) == 0
}

func (s *Strand) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.queue = nil
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.call(fn)
	}
}

// call runs one task; a panicking task is logged and does not wedge the strand.
func (s *Strand) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("strand task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
