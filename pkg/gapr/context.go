package gapr

import (
	"context"
	"errors"
	"io"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/fiber"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/internal/transport"
)

// Body variants.
const (
	VariantPlain  uint16 = 0
	VariantBrotli uint16 = 1
)

// Context errors.
var (
	ErrAlreadyReplied = errors.New("gapr: reply already sent")
	ErrNotStreaming   = errors.New("gapr: no reply stream open")
)

// Context is one request being answered. Its methods block the session
// fiber while the connection works and must only be called from the
// handler that received it.
type Context struct {
	ctx     context.Context
	f       *fiber.Fiber
	conn    *transport.Conn
	sess    *Session
	in      transport.Incoming
	command string
	route   string
	logger  *zap.Logger

	bodyDone  bool
	read      int64
	status    string
	streaming bool
	written   int64
	err       error // first connection failure; the session ends with it
	values    map[string]any
}

func newContext(ctx context.Context, f *fiber.Fiber, conn *transport.Conn, sess *Session, in transport.Incoming, logger *zap.Logger) *Context {
	return &Context{
		ctx:      ctx,
		f:        f,
		conn:     conn,
		sess:     sess,
		in:       in,
		command:  CommandName(in.Header.Tag()),
		logger:   logger,
		bodyDone: !in.HasBody(),
	}
}

// Context returns the request's context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// Logger returns the connection logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Session returns the connection's login state.
func (c *Context) Session() *Session { return c.sess }

// Tag returns the request tag as sent.
func (c *Context) Tag() string { return c.in.Header.Tag() }

// Command returns the normalized tag used for dispatch.
func (c *Context) Command() string { return c.command }

// Route returns the command a Mux matched, or "unknown".
func (c *Context) Route() string {
	if c.route == "" {
		return "unknown"
	}
	return c.route
}

// Args returns the request arguments.
func (c *Context) Args() string { return c.in.Header.Args() }

// HasBody reports whether the request carries a body.
func (c *Context) HasBody() bool { return c.in.HasBody() }

// Variant returns the request body encoding.
func (c *Context) Variant() uint16 { return c.in.Variant }

// Size returns the inline body length or the announced stream size.
func (c *Context) Size() uint64 { return c.in.Size }

// Status returns the reply status, or "" before a reply was sent.
func (c *Context) Status() string { return c.status }

// Replied reports whether a reply header was sent.
func (c *Context) Replied() bool { return c.status != "" }

// BytesRead returns the request body bytes consumed so far.
func (c *Context) BytesRead() int64 { return c.read }

// Written returns the reply body bytes sent so far.
func (c *Context) Written() int64 { return c.written }

// Set stores a value on the context.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Get retrieves a value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// ReadBody reads raw request body bytes. It returns io.EOF, possibly with
// n > 0, once the body ended.
func (c *Context) ReadBody(buf []byte) (int, error) {
	if c.bodyDone {
		return 0, io.EOF
	}
	n, err := readBody(c.f, c.conn, buf)
	c.read += int64(n)
	if err != nil {
		c.bodyDone = true
		if !errors.Is(err, io.EOF) {
			c.fail(err)
		}
	}
	return n, err
}

// Read implements io.Reader over the raw request body.
func (c *Context) Read(p []byte) (int, error) {
	n, err := c.ReadBody(p)
	if n > 0 && errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

// Body returns the request body decoded according to its variant.
func (c *Context) Body() io.Reader {
	if c.in.Variant == VariantBrotli {
		return brotli.NewReader(c)
	}
	return c
}

func (c *Context) discardBody() error {
	if c.bodyDone {
		return nil
	}
	var buf [frame.MaxChunk]byte
	for {
		_, err := c.ReadBody(buf[:])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Context) fail(err error) {
	if c.err == nil && !errors.Is(err, transport.ErrBodyAborted) && !errors.Is(err, transport.ErrAbortRequested) {
		c.err = err
	}
}

func (c *Context) send(status string, msg *frame.Message) error {
	if c.status != "" {
		return ErrAlreadyReplied
	}
	var err error
	fiber.AwaitErr(c.f.YieldErr(&err), func(done func(error)) {
		c.conn.SendReply(msg, done)
	})
	if err != nil {
		c.fail(err)
		return err
	}
	c.status = status
	return nil
}

// Notify pushes an unsolicited header to the client. It does not count as
// the reply and may be sent before or after it.
func (c *Context) Notify(tag string, args ...any) error {
	hdr, err := frame.NewHeader(tag, args...)
	if err != nil {
		return err
	}
	fiber.AwaitErr(c.f.YieldErr(&err), func(done func(error)) {
		c.conn.Notify(hdr, done)
	})
	if err != nil {
		c.fail(err)
	}
	return err
}

// Reply sends a reply without body.
func (c *Context) Reply(status string, args ...any) error {
	hdr, err := frame.NewHeader(status, args...)
	if err != nil {
		return err
	}
	return c.send(status, frame.HeaderOnly(hdr))
}

// OK replies OK with args.
func (c *Context) OK(args ...any) error {
	return c.Reply(StatusOK, args...)
}

// No replies NO with a reason.
func (c *Context) No(reason string) error {
	return c.Reply(StatusNo, reason)
}

// Error replies ERR with a reason.
func (c *Context) Error(reason string) error {
	return c.Reply(StatusErr, reason)
}

// ReplyBody sends a reply carrying body. Bodies too large to travel with
// the header are streamed.
func (c *Context) ReplyBody(variant uint16, body []byte, status string, args ...any) error {
	hdr, err := frame.NewHeader(status, args...)
	if err != nil {
		return err
	}
	if len(body) <= frame.MaxInlineBody {
		if err := c.send(status, frame.WithBody(hdr, variant, body)); err != nil {
			return err
		}
		c.written += int64(len(body))
		return nil
	}
	if err := c.send(status, frame.WithStream(hdr, variant, uint64(len(body)))); err != nil {
		return err
	}
	c.streaming = true
	if _, err := c.Write(body); err != nil {
		return err
	}
	return c.Close()
}

// ReplyStream sends a reply header announcing a streamed body. sizeHint is
// 0 if unknown. Follow with Write and Close, or Abort.
func (c *Context) ReplyStream(variant uint16, sizeHint uint64, status string, args ...any) error {
	hdr, err := frame.NewHeader(status, args...)
	if err != nil {
		return err
	}
	if err := c.send(status, frame.WithStream(hdr, variant, sizeHint)); err != nil {
		return err
	}
	c.streaming = true
	return nil
}

// Write sends reply body bytes. It fails with transport.ErrAbortRequested
// when the peer asked the stream to stop; the stream is then over.
func (c *Context) Write(p []byte) (int, error) {
	if !c.streaming {
		return 0, ErrNotStreaming
	}
	n, err := writeBody(c.f, c.conn, p, false)
	c.written += int64(n)
	if err != nil {
		c.streaming = false
		c.fail(err)
		return n, err
	}
	return len(p), nil
}

// Close ends the reply stream.
func (c *Context) Close() error {
	if !c.streaming {
		return ErrNotStreaming
	}
	c.streaming = false
	var err error
	fiber.Await(c.f.YieldErr(&err), func(done func(int, error)) {
		c.conn.WriteBody(nil, true, done)
	})
	if err != nil {
		c.fail(err)
	}
	return err
}

// Abort abandons the reply stream; the peer's read fails.
func (c *Context) Abort() error {
	if !c.streaming {
		return ErrNotStreaming
	}
	c.streaming = false
	var err error
	fiber.AwaitErr(c.f.YieldErr(&err), c.conn.AbortBody)
	if err != nil {
		c.fail(err)
	}
	return err
}

// finish completes the exchange after the handler returned: an open
// stream is ended, a missing reply is supplied and the rest of the
// request body is consumed. It returns the failure that should end the
// session, if any.
func (c *Context) finish(herr error) error {
	if c.streaming {
		if herr != nil {
			_ = c.Abort()
		} else {
			_ = c.Close()
		}
	}
	if c.status == "" && c.err == nil {
		_ = c.Error("No reply.")
	}
	if c.err == nil {
		_ = c.discardBody()
	}
	return c.err
}
