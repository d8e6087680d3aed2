// Package fiber runs callback-driven operations in direct style.
//
// A fiber is a goroutine that only executes while it holds its executor:
// Spawn posts a task that hands the fiber control and waits until the fiber
// suspends or returns. Await starts an asynchronous operation, gives control
// back to the executor, and is resumed by a task posted to the same executor
// when the operation's completion fires, whatever goroutine that happens on.
//
//	fut := fiber.Spawn(conn.Executor(), func(f *fiber.Fiber) (string, error) {
//		fiber.AwaitErr(f.Yield(), func(done func(error)) {
//			conn.SendRequest(msg, done)
//		})
//		in := fiber.Await(f.Yield(), conn.ReceiveReply)
//		return in.Header.Tag(), nil
//	})
package fiber

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Aishwarya3011/gapr-sub001/internal/executor"
)

// ErrResumedTwice is the panic value when an awaited operation completes
// more than once.
var ErrResumedTwice = errors.New("fiber: resumed twice")

// ErrPanicked wraps a panic raised by a fiber body.
var ErrPanicked = errors.New("fiber: body panicked")

// Fiber is the handle passed to a fiber body.
type Fiber struct {
	ex     executor.Executor
	resume chan struct{}
	park   chan struct{}
}

// unwind carries an awaited error out of the fiber body.
type unwind struct {
	err error
}

// Spawn starts fn as a fiber on ex and returns its eventual result.
func Spawn[T any](ex executor.Executor, fn func(f *Fiber) (T, error)) *Future[T] {
	p := NewPromise[T]()
	f := &Fiber{
		ex:     ex,
		resume: make(chan struct{}),
		park:   make(chan struct{}),
	}
	go func() {
		<-f.resume
		v, err := run(f, fn)
		p.Set(v, err)
		f.park <- struct{}{}
	}()
	ex.Post(f.step)
	return p.Future()
}

func run[T any](f *Fiber, fn func(*Fiber) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			if u, ok := r.(unwind); ok {
				err = u.err
				return
			}
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return fn(f)
}

// step runs on the executor: it hands control to the fiber and waits for it
// to give control back.
func (f *Fiber) step() {
	f.resume <- struct{}{}
	<-f.park
}

func (f *Fiber) suspend() {
	f.park <- struct{}{}
	<-f.resume
}

// Executor returns the executor the fiber runs on.
func (f *Fiber) Executor() executor.Executor {
	return f.ex
}

// Yield is passed to Await in place of a completion callback.
type Yield struct {
	f  *Fiber
	ec *error
}

// Yield returns a token that surfaces errors by unwinding the fiber body;
// the error becomes the fiber's result.
func (f *Fiber) Yield() Yield {
	return Yield{f: f}
}

// YieldErr returns a token that stores errors in *ec instead of unwinding.
// *ec is cleared when the operation succeeds.
func (f *Fiber) YieldErr(ec *error) Yield {
	return Yield{f: f, ec: ec}
}

// Await starts an operation and suspends until its completion fires.
func Await[T any](y Yield, start func(done func(T, error))) T {
	f := y.f
	var (
		v     T
		err   error
		fired atomic.Bool
	)
	start(func(rv T, rerr error) {
		if !fired.CompareAndSwap(false, true) {
			panic(ErrResumedTwice)
		}
		v, err = rv, rerr
		f.ex.Post(f.step)
	})
	f.suspend()
	if y.ec != nil {
		*y.ec = err
	}
	if err != nil {
		if y.ec == nil {
			panic(unwind{err: err})
		}
		var zero T
		return zero
	}
	return v
}

// AwaitErr is Await for operations that only report an error.
func AwaitErr(y Yield, start func(done func(error))) {
	Await(y, func(done func(struct{}, error)) {
		start(func(err error) { done(struct{}{}, err) })
	})
}

// AwaitFuture suspends until fut is ready.
func AwaitFuture[T any](y Yield, fut *Future[T]) T {
	return Await(y, func(done func(T, error)) {
		fut.OnComplete(inline{}, done)
	})
}

// inline runs posted functions immediately; AwaitFuture's completion
// re-posts to the fiber's executor itself.
type inline struct{}

func (inline) Post(fn func()) { fn() }
