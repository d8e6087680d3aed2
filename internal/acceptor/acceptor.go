// Package acceptor turns bound addresses into a stream of accepted sockets.
//
// Addresses are queued with Bind and opened by Listen, which resolves
// hostnames and listens on every address they map to. Accept callbacks are
// served in FIFO order from whichever listener produces a peer first;
// listeners keep accepting while callbacks wait, and peers accepted with
// nobody waiting are buffered for the next Accept.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Aishwarya3011/gapr-sub001/internal/callback"
	"github.com/Aishwarya3011/gapr-sub001/internal/executor"
)

// Errors reported by the acceptor.
var (
	ErrNotFound = errors.New("acceptor: not found")
	ErrAborted  = errors.New("acceptor: operation aborted")
)

// DefaultBacklog is the listen backlog used when Listen is given 0.
const DefaultBacklog = 128

const (
	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = time.Second
)

// Resolver maps a hostname to addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type target struct {
	host string
	port uint16
}

type listener struct {
	ln    net.Listener
	delay time.Duration // accept retry backoff
}

// Acceptor owns a set of listeners.
type Acceptor struct {
	ex       executor.Executor
	logger   *zap.Logger
	resolver Resolver
	lookups  singleflight.Group

	mu        sync.Mutex
	binds     []target
	listeners []*listener
	idle      []int
	waiting   []*callback.Once[net.Conn]
	ready     []net.Conn
	closed    bool
}

// Option configures an Acceptor.
type Option func(*Acceptor)

// WithExecutor sets where callbacks run. The default is a private strand
// on the shared pool.
func WithExecutor(ex executor.Executor) Option {
	return func(a *Acceptor) { a.ex = ex }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Acceptor) { a.logger = l }
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(a *Acceptor) { a.resolver = r }
}

// New creates an acceptor with no addresses.
func New(opts ...Option) *Acceptor {
	a := &Acceptor{resolver: net.DefaultResolver, logger: zap.NewNop()}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.Named("acceptor")
	if a.ex == nil {
		a.ex = executor.NewStrand(nil, a.logger)
	}
	return a
}

// Bind queues host:port for the next Listen. host may be a numeric address
// or a name; an empty host binds the IPv4 wildcard.
func (a *Acceptor) Bind(host string, port uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAborted
	}
	if host == "" {
		host = "0.0.0.0"
	}
	a.binds = append(a.binds, target{host: host, port: port})
	return nil
}

// Listen opens every queued address. It succeeds if at least one listener
// started; otherwise it fails with ErrNotFound, wrapping the last cause.
func (a *Acceptor) Listen(ctx context.Context, backlog int, cb func(error)) {
	done := callback.Err(cb)
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	a.mu.Lock()
	binds := a.binds
	a.binds = nil
	closed := a.closed
	a.mu.Unlock()
	if closed {
		a.ex.Post(func() { done.Fail(ErrAborted) })
		return
	}

	go func() {
		err := a.listen(ctx, binds, backlog)
		a.ex.Post(func() { done.Fail(err) })
	}()
}

func (a *Acceptor) listen(ctx context.Context, binds []target, backlog int) error {
	if len(binds) == 0 {
		return ErrNotFound
	}
	var (
		started int
		lastErr error
	)
	for _, t := range binds {
		addrs, err := a.resolve(ctx, t.host)
		if err != nil {
			a.logger.Warn("resolve failed", zap.String("host", t.host), zap.Error(err))
			lastErr = err
			continue
		}
		for _, ip := range addrs {
			ap := netip.AddrPortFrom(ip, t.port)
			ln, err := listenTCP(ap, backlog)
			if err != nil {
				a.logger.Warn("listen failed", zap.Stringer("addr", ap), zap.Error(err))
				lastErr = err
				continue
			}
			if !a.add(ln) {
				return ErrAborted
			}
			a.logger.Info("listening", zap.Stringer("addr", ln.Addr()))
			started++
		}
	}
	if started > 0 {
		return nil
	}
	if lastErr == nil {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %w", ErrNotFound, lastErr)
}

// resolve maps host to addresses, sharing one lookup between concurrent
// listens of the same name.
func (a *Acceptor) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}
	v, err, _ := a.lookups.Do(host, func() (any, error) {
		return a.resolver.LookupNetIP(ctx, "ip", host)
	})
	if err != nil {
		return nil, err
	}
	addrs := v.([]netip.Addr)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs, nil
}

func (a *Acceptor) add(ln net.Listener) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		_ = ln.Close()
		return false
	}
	a.listeners = append(a.listeners, &listener{ln: ln})
	a.idle = append(a.idle, len(a.listeners)-1)
	if len(a.waiting) > 0 {
		a.startLocked()
	}
	return true
}

// Addrs returns the addresses being listened on.
func (a *Acceptor) Addrs() []net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]net.Addr, 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, l.ln.Addr())
	}
	return out
}

// Accept delivers the next peer to cb. cb never runs inside Accept.
func (a *Acceptor) Accept(cb func(net.Conn, error)) {
	done := callback.New(cb)
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		a.ex.Post(func() { done.Fail(ErrAborted) })
	case len(a.ready) > 0:
		peer := a.ready[0]
		a.ready = a.ready[1:]
		a.ex.Post(func() { done.Complete(peer, nil) })
	case len(a.listeners) == 0:
		a.ex.Post(func() { done.Fail(ErrNotFound) })
	default:
		a.waiting = append(a.waiting, done)
		a.startLocked()
	}
}

// startLocked starts an accept on every idle listener.
func (a *Acceptor) startLocked() {
	for _, i := range a.idle {
		go a.acceptOne(i, a.listeners[i])
	}
	a.idle = a.idle[:0]
}

func (a *Acceptor) acceptOne(i int, l *listener) {
	peer, err := l.ln.Accept()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		if peer != nil {
			_ = peer.Close()
		}
		return
	}
	if err != nil {
		a.logger.Warn("accept failed", zap.Stringer("addr", l.ln.Addr()), zap.Error(err))
		if errors.Is(err, net.ErrClosed) {
			return
		}
		l.delay = min(max(2*l.delay, minRetryDelay), maxRetryDelay)
		time.AfterFunc(l.delay, func() { a.retry(i) })
		return
	}
	l.delay = 0
	a.idle = append(a.idle, i)
	if len(a.waiting) > 0 {
		done := a.waiting[0]
		a.waiting = a.waiting[1:]
		a.ex.Post(func() { done.Complete(peer, nil) })
	} else {
		a.ready = append(a.ready, peer)
	}
	if len(a.waiting) > 0 {
		a.startLocked()
	}
}

func (a *Acceptor) retry(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.idle = append(a.idle, i)
	if len(a.waiting) > 0 {
		a.startLocked()
	}
}

// Close fails waiting callbacks with ErrAborted, closes buffered peers and
// every listener. It returns the first listener close error.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	waiting, ready, listeners := a.waiting, a.ready, a.listeners
	a.waiting, a.ready, a.listeners, a.idle, a.binds = nil, nil, nil, nil, nil
	a.mu.Unlock()

	for _, done := range waiting {
		a.ex.Post(func() { done.Fail(ErrAborted) })
	}
	for _, peer := range ready {
		_ = peer.Close()
	}
	var first error
	for _, l := range listeners {
		if err := l.ln.Close(); err != nil {
			a.logger.Error("close failed", zap.Stringer("addr", l.ln.Addr()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
