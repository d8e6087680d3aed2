// Package callback holds single-shot completion handlers.
//
// A Once wraps a completion function whose signature is fixed at compile
// time by its type parameter. Whichever of Complete or Fail runs first
// invokes the function; later calls are no-ops, so an operation that is
// both failed by Close and completed by its I/O goroutine reports once.
package callback

import "sync/atomic"

// Func is a completion handler delivering a value and an error.
type Func[T any] func(T, error)

// Once is a completion handler that fires at most once.
type Once[T any] struct {
	fn    Func[T]
	fired atomic.Bool
}

// New wraps fn. A nil fn yields a Once that discards its result.
func New[T any](fn Func[T]) *Once[T] {
	return &Once[T]{fn: fn}
}

// Complete delivers v and err. It reports whether this call fired the handler.
func (o *Once[T]) Complete(v T, err error) bool {
	if o == nil || !o.fired.CompareAndSwap(false, true) {
		return false
	}
	if o.fn != nil {
		o.fn(v, err)
	}
	return true
}

// Fail delivers the zero value and err.
func (o *Once[T]) Fail(err error) bool {
	var zero T
	return o.Complete(zero, err)
}

// Fired reports whether the handler has run.
func (o *Once[T]) Fired() bool {
	return o.fired.Load()
}

// Void is the argument type for handlers that only report an error.
type Void = struct{}

// Err adapts an error-only handler.
func Err(fn func(error)) *Once[Void] {
	if fn == nil {
		return New[Void](nil)
	}
	return New(func(_ Void, err error) { fn(err) })
}
