// Package executor provides serial task queues ("strands") on a shared worker pool.
//
// All state of a connection is mutated by tasks posted to its strand, so no
// two of those tasks ever run at the same time, while strands of different
// connections run in parallel on the pool.
package executor

import (
	"errors"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Executor runs posted functions. Post never runs fn inline.
type Executor interface {
	Post(fn func())
}

// Pool is a bounded goroutine pool. Submissions that would block fall back
// to a fresh goroutine.
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger
}

// NewPool creates a pool with the given capacity. A size <= 0 selects
// 256 workers per CPU.
func NewPool(size int, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0) * 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("executor")
	p, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r any) {
			logger.Error("task panicked", zap.Any("panic", r))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, logger: logger}, nil
}

// Submit runs fn on a pooled worker.
func (p *Pool) Submit(fn func()) {
	if err := p.pool.Submit(fn); err != nil {
		if !errors.Is(err, ants.ErrPoolOverload) {
			p.logger.Warn("pool submit failed", zap.Error(err))
		}
		go fn()
	}
}

// Running returns the number of busy workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release stops the pool's workers.
func (p *Pool) Release() {
	p.pool.Release()
}

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// Default returns the process-wide pool, creating it on first use.
func Default() *Pool {
	defaultOnce.Do(func() {
		p, err := NewPool(0, nil)
		if err != nil {
			panic("executor: default pool: " + err.Error())
		}
		defaultPool = p
	})
	return defaultPool
}
