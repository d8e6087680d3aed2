// Package transport implements the gapr connection: one TLS stream carrying
// a sequence of request/reply exchanges, each with optional streamed bodies.
//
// Every Conn owns a strand. Public methods post to it and return at once;
// completions run later on the same strand, never inside the caller. Socket
// reads and writes run on their own goroutines and post their results back,
// so all connection state is only ever touched by strand tasks.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/callback"
	"github.com/Aishwarya3011/gapr-sub001/internal/clock"
	"github.com/Aishwarya3011/gapr-sub001/internal/exchange"
	"github.com/Aishwarya3011/gapr-sub001/internal/executor"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/internal/liveness"
)

// DefaultKeepalive is the idle write interval.
const DefaultKeepalive = 96 * time.Second

// Options configures a connection.
type Options struct {
	// TLS is cloned for the handshake. NextProtos is replaced by Proto.
	TLS *tls.Config
	// Proto is the ALPN identifier to negotiate; frame.ProtoSimple if empty.
	Proto string
	// Keepalive is the idle write interval; DefaultKeepalive if zero,
	// disabled if negative.
	Keepalive time.Duration

	Pool   *executor.Pool
	Clock  clock.Clock
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Proto == "" {
		o.Proto = frame.ProtoSimple
	}
	if o.Keepalive == 0 {
		o.Keepalive = DefaultKeepalive
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Incoming describes a received message header.
type Incoming struct {
	Header  frame.HeaderIn
	Kind    frame.Kind
	Variant uint16
	// Size is the inline body length or the announced stream size (0 if
	// unknown).
	Size uint64
}

// HasBody reports whether ReadBody must be used to consume a body.
func (in Incoming) HasBody() bool {
	return in.Kind == frame.KindHeaderWithBody || in.Kind == frame.KindHeaderWithStream
}

// Conn is a gapr connection.
type Conn struct {
	ex     *executor.Strand
	opts   Options
	logger *zap.Logger
	server bool

	ctx    context.Context
	cancel context.CancelFunc

	live     liveness.Counter
	done     chan struct{}
	doneOnce sync.Once

	sockMu sync.Mutex // guards raw for Close
	raw    net.Conn
	tc     *tls.Conn
	codec  frame.Codec
	rd, wr HalfState
	busy   bool // connect or handshake in flight

	serverName string

	xch         exchange.State
	recv        *recvOp
	delayedRecv exchange.Slot[*recvOp]
	delayedReq  exchange.Slot[*sendOp]
	stash       *frame.Frame
	body        *readOp
	discarding  bool
	reading     bool
	processing  bool
	rdErr       error

	queue        []*sendOp
	writing      bool
	wstream      bool // the current outgoing message announced a stream
	stalled      bool
	bodyOp       *sendOp
	abortPending bool
	shutdown     *callback.Once[callback.Void]

	timer  clock.Timer
	notify func(frame.HeaderIn)
}

func newConn(opts Options, server bool) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		opts:   opts,
		logger: opts.Logger.Named("conn"),
		server: server,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.ex = executor.NewStrand(opts.Pool, c.logger)
	c.live.Init()
	return c
}

// NewClient returns an unconnected client endpoint.
func NewClient(opts Options) *Conn {
	return newConn(opts, false)
}

// NewServer takes ownership of a freshly accepted socket. The TLS handshake
// has not happened yet; call Handshake.
func NewServer(raw net.Conn, opts Options) *Conn {
	c := newConn(opts, true)
	c.attach(raw)
	c.rd, c.wr = PreHandshake, PreHandshake
	return c
}

// Wrap adopts a TLS stream whose handshake already completed, selecting the
// framing from the negotiated protocol.
func Wrap(tc *tls.Conn, server bool, opts Options) (*Conn, error) {
	proto := tc.ConnectionState().NegotiatedProtocol
	if opts.Proto == "" {
		opts.Proto = proto
	}
	codec, err := frame.New(proto, !server)
	if err != nil {
		return nil, ErrNoProtocolOption
	}
	c := newConn(opts, server)
	c.attach(tc)
	c.tc = tc
	c.rd, c.wr = PreHandshake, PreHandshake
	c.ex.Post(func() { c.open(codec) })
	return c, nil
}

// attach installs the socket. It reports false, closing raw, if the
// connection was closed meanwhile.
func (c *Conn) attach(raw net.Conn) bool {
	c.sockMu.Lock()
	c.raw = raw
	c.sockMu.Unlock()
	c.logger = c.logger.With(zap.Stringer("remote", raw.RemoteAddr()))
	if !c.live.Open() {
		_ = raw.Close()
		return false
	}
	return true
}

// Executor returns the connection's strand. Fibers driving this connection
// should run on it.
func (c *Conn) Executor() executor.Executor { return c.ex }

// Done is closed once the connection is closed and no operation holds it.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Proto returns the negotiated framing, or "" before the handshake.
// It may be called from any goroutine once the handshake completed.
func (c *Conn) Proto() string {
	if c.tc == nil {
		return ""
	}
	return c.tc.ConnectionState().NegotiatedProtocol
}

// SetNotifyHandler installs the handler for notifications. It runs on the
// connection's strand.
func (c *Conn) SetNotifyHandler(fn func(frame.HeaderIn)) {
	c.ex.Post(func() { c.notify = fn })
}

// Close tears the connection down. Parked and queued operations fail with
// ErrAborted; operations with I/O in flight fail with their I/O error.
// It is safe to call from any goroutine, more than once.
func (c *Conn) Close() error {
	wasOpen, released := c.live.Close()
	if !wasOpen {
		return nil
	}
	c.cancel()
	var err error
	if raw := c.rawConn(); raw != nil {
		err = raw.Close()
	}
	c.ex.Post(func() {
		c.rd, c.wr = Error, Error
		c.failAll(ErrAborted)
		c.stopKeepalive()
	})
	if released {
		c.finalize()
	}
	return err
}

func (c *Conn) rawConn() net.Conn {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.raw
}

// fail closes the connection from the strand after a fatal error.
func (c *Conn) fail(err error) {
	c.logger.Debug("connection failed", zap.Error(err))
	c.rd, c.wr = Error, Error
	wasOpen, released := c.live.Close()
	if wasOpen {
		c.cancel()
		if raw := c.rawConn(); raw != nil {
			_ = raw.Close()
		}
	}
	c.failAll(err)
	c.stopKeepalive()
	if released {
		c.finalize()
	}
}

// failAll fails every operation not waiting on I/O.
func (c *Conn) failAll(err error) {
	if c.recv != nil {
		c.recv.done.Fail(err)
		c.recv = nil
	}
	if op, ok := c.delayedRecv.Take(); ok {
		op.done.Fail(err)
	}
	if op, ok := c.delayedReq.Take(); ok {
		op.done.Fail(err)
	}
	if c.body != nil {
		c.body.done.Fail(err)
		c.body = nil
	}
	for _, op := range c.queue {
		op.done.Fail(err)
	}
	c.queue = nil
	c.bodyOp = nil
	if c.shutdown != nil && !c.writing {
		c.shutdown.Fail(err)
		c.shutdown = nil
	}
}

// end releases a liveness slot taken for I/O. It reports false when the
// connection has been closed meanwhile and the completion must not touch
// connection state beyond failing its own operation.
func (c *Conn) end(cat liveness.Category) bool {
	if c.live.End(cat) {
		c.finalize()
		return false
	}
	return c.live.Open()
}

func (c *Conn) finalize() {
	c.doneOnce.Do(func() { close(c.done) })
}
