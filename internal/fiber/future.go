package fiber

import (
	"context"
	"sync"

	"github.com/Aishwarya3011/gapr-sub001/internal/executor"
)

type shared[T any] struct {
	mu   sync.Mutex
	done chan struct{}
	set  bool
	v    T
	err  error
	cbs  []func()
}

// Promise is the producing side of a Future.
type Promise[T any] struct {
	s *shared[T]
}

// Future is the result of an asynchronous computation.
type Future[T any] struct {
	s *shared[T]
}

// NewPromise returns an unset promise.
func NewPromise[T any]() Promise[T] {
	return Promise[T]{s: &shared[T]{done: make(chan struct{})}}
}

// Future returns the consuming side.
func (p Promise[T]) Future() *Future[T] {
	return &Future[T]{s: p.s}
}

// Set stores the result. Only the first call has an effect; it reports
// whether this call stored the result.
func (p Promise[T]) Set(v T, err error) bool {
	s := p.s
	s.mu.Lock()
	if s.set {
		s.mu.Unlock()
		return false
	}
	s.set = true
	s.v, s.err = v, err
	cbs := s.cbs
	s.cbs = nil
	close(s.done)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
	return true
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.s.done
}

// Ready reports whether the result is available.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.s.done:
		return true
	default:
		return false
	}
}

// Get blocks until the result is available or ctx ends. An expired ctx
// abandons the wait but not the computation.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.s.done:
		return f.s.v, f.s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the result without waiting; ok is false while unset.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	if !f.Ready() {
		return v, nil, false
	}
	return f.s.v, f.s.err, true
}

// OnComplete posts cb to ex once the result is available.
func (f *Future[T]) OnComplete(ex executor.Executor, cb func(T, error)) {
	s := f.s
	deliver := func() {
		ex.Post(func() { cb(s.v, s.err) })
	}
	s.mu.Lock()
	if !s.set {
		s.cbs = append(s.cbs, deliver)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	deliver()
}
