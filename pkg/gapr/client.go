package gapr

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/fiber"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/internal/transport"
)

// ClientOptions configures Dial.
type ClientOptions struct {
	TLS *tls.Config
	// Proto is the framing to negotiate; frame.ProtoSimple if empty.
	Proto     string
	Keepalive time.Duration
	Logger    *zap.Logger
	// TracerProvider overrides the global provider.
	TracerProvider trace.TracerProvider
}

// Reply is a received reply. Body holds the decoded body, if any.
type Reply struct {
	Status  string
	Args    string
	Variant uint16
	Body    []byte
}

// OK reports whether the status is OK.
func (r *Reply) OK() bool { return r.Status == StatusOK }

// Err returns nil for OK replies and a *ReplyError otherwise.
func (r *Reply) Err() error {
	if r.OK() {
		return nil
	}
	return NewReplyError(r.Status, r.Args)
}

// Client runs exchanges over one connection, one at a time.
type Client struct {
	conn   *transport.Conn
	logger *zap.Logger
	tracer trace.Tracer
	sem    chan struct{}
}

// Dial connects to addr and completes the handshake.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn := transport.NewClient(transport.Options{
		TLS:       opts.TLS,
		Proto:     opts.Proto,
		Keepalive: opts.Keepalive,
		Logger:    logger,
	})
	fut := fiber.Spawn(conn.Executor(), func(f *fiber.Fiber) (frame.HeaderIn, error) {
		fiber.AwaitErr(f.Yield(), func(done func(error)) {
			conn.Connect(ctx, addr, done)
		})
		return fiber.Await(f.Yield(), conn.Handshake), nil
	})
	if _, err := fut.Get(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer("gapr/client")
	} else {
		tracer = otel.Tracer("gapr/client")
	}
	return &Client{
		conn:   conn,
		logger: logger.Named("client").With(zap.String("addr", addr)),
		tracer: tracer,
		sem:    make(chan struct{}, 1),
	}, nil
}

// Proto returns the negotiated framing.
func (c *Client) Proto() string { return c.conn.Proto() }

// OnNotify installs a handler for server notifications.
func (c *Client) OnNotify(fn func(tag, args string)) {
	c.conn.SetNotifyHandler(func(h frame.HeaderIn) { fn(h.Tag(), h.Args()) })
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Shutdown sends close_notify once queued writes are out; replies can
// still be read.
func (c *Client) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	c.conn.Shutdown(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exchange runs fn as a fiber on the connection strand under a span. An
// exchange cannot be left halfway, so if ctx ends first the connection is
// closed.
func (c *Client) exchange(ctx context.Context, tag string, fn func(f *fiber.Fiber) (*Reply, error)) (*Reply, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	ctx, span := c.tracer.Start(ctx, CommandName(tag), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	start := time.Now()

	fut := fiber.Spawn(c.conn.Executor(), fn)
	reply, err := fut.Get(ctx)
	if err != nil && ctx.Err() != nil {
		_ = c.conn.Close()
		<-fut.Done()
	}

	status := "none"
	if reply != nil {
		status = reply.Status
		span.SetAttributes(attribute.String("gapr.status", reply.Status), attribute.Int("gapr.reply_size", len(reply.Body)))
	}
	clientExchanges.WithLabelValues(CommandName(tag), status).Inc()
	clientDuration.WithLabelValues(CommandName(tag)).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case reply.Status == StatusErr:
		span.SetStatus(codes.Error, "ERR reply")
	default:
		span.SetStatus(codes.Ok, "")
	}
	return reply, err
}

func (c *Client) sendRequest(f *fiber.Fiber, msg *frame.Message) {
	fiber.AwaitErr(f.Yield(), func(done func(error)) {
		c.conn.SendRequest(msg, done)
	})
}

// receive waits for the reply header and reads its body into w, if any.
func (c *Client) receive(ctx context.Context, f *fiber.Fiber, w io.Writer) (*Reply, int64, error) {
	in := fiber.Await(f.Yield(), c.conn.ReceiveReply)
	reply := &Reply{Status: in.Header.Tag(), Args: in.Header.Args(), Variant: in.Variant}
	if !in.HasBody() {
		return reply, 0, nil
	}
	if reply.OK() && w != nil {
		n, err := c.copyBody(ctx, f, in.Variant, w)
		return reply, n, err
	}
	var buf bytes.Buffer
	_, err := c.copyBody(ctx, f, in.Variant, &buf)
	reply.Body = buf.Bytes()
	return reply, int64(buf.Len()), err
}

// copyBody decodes the body being received into w, checking ctx between
// chunks.
func (c *Client) copyBody(ctx context.Context, f *fiber.Fiber, variant uint16, w io.Writer) (int64, error) {
	r := &bodyReader{ctx: ctx, f: f, conn: c.conn}
	var src io.Reader = r
	if variant == VariantBrotli {
		src = brotli.NewReader(r)
	}
	n, err := io.CopyBuffer(w, src, make([]byte, frame.MaxChunk))
	if err != nil && !r.done {
		// stop the sender, then consume what is already on the way
		fiber.AwaitErr(f.YieldErr(new(error)), c.conn.TryAbort)
		for !r.done {
			if _, rerr := r.Read(make([]byte, frame.MaxChunk)); rerr != nil && !errors.Is(rerr, context.Canceled) && !errors.Is(rerr, context.DeadlineExceeded) {
				break
			}
		}
	}
	return n, err
}

type bodyReader struct {
	ctx  context.Context
	f    *fiber.Fiber
	conn *transport.Conn
	done bool
}

func (r *bodyReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	n, err := readBody(r.f, r.conn, p)
	if err != nil {
		r.done = true
		if errors.Is(err, io.EOF) && n > 0 {
			return n, nil
		}
		return n, err
	}
	return n, r.ctx.Err()
}

// Do sends a request without body and returns the reply with its body.
func (c *Client) Do(ctx context.Context, tag string, args ...any) (*Reply, error) {
	hdr, err := frame.NewHeader(tag, args...)
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, tag, func(f *fiber.Fiber) (*Reply, error) {
		c.sendRequest(f, frame.HeaderOnly(hdr))
		reply, _, err := c.receive(ctx, f, nil)
		return reply, err
	})
}

// DoBody sends a request with an inline body.
func (c *Client) DoBody(ctx context.Context, variant uint16, body []byte, tag string, args ...any) (*Reply, error) {
	hdr, err := frame.NewHeader(tag, args...)
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, tag, func(f *fiber.Fiber) (*Reply, error) {
		c.sendRequest(f, frame.WithBody(hdr, variant, body))
		reply, _, err := c.receive(ctx, f, nil)
		return reply, err
	})
}

// Login authenticates the connection and returns the account tier and
// display name.
func (c *Client) Login(ctx context.Context, user, password string) (Tier, string, error) {
	reply, err := c.Do(ctx, "LOGIN", user+":"+password)
	if err != nil {
		return TierNobody, "", err
	}
	if err := reply.Err(); err != nil {
		return TierNobody, "", err
	}
	tierStr, gecos, _ := strings.Cut(reply.Args, ":")
	tier, err := strconv.ParseUint(tierStr, 10, 32)
	if err != nil {
		return TierNobody, "", fmt.Errorf("gapr: malformed login reply %q", reply.Args)
	}
	return Tier(tier), gecos, nil
}

// Download streams model name into w, decoding the variant the server
// used. It returns the decoded byte count.
func (c *Client) Download(ctx context.Context, name string, variant uint16, w io.Writer) (int64, error) {
	args := name
	if variant != VariantPlain {
		args = name + ":" + strconv.Itoa(int(variant))
	}
	var n int64
	reply, err := c.exchange(ctx, "GET.MODEL", func(f *fiber.Fiber) (*Reply, error) {
		hdr, err := frame.NewHeader("GET.MODEL", args)
		if err != nil {
			return nil, err
		}
		c.sendRequest(f, frame.HeaderOnly(hdr))
		reply, got, err := c.receive(ctx, f, w)
		n = got
		return reply, err
	})
	if err != nil {
		return n, err
	}
	return n, reply.Err()
}

// Upload streams r as model name. size is announced to the server when
// known, 0 otherwise.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64) (int64, error) {
	hdr, err := frame.NewHeader("PUT.MODEL", name)
	if err != nil {
		return 0, err
	}
	reply, err := c.exchange(ctx, "PUT.MODEL", func(f *fiber.Fiber) (*Reply, error) {
		c.sendRequest(f, frame.WithStream(hdr, VariantPlain, uint64(max(size, 0))))
		if err := c.sendBody(ctx, f, r); err != nil {
			// the server still answers an aborted upload
			reply, _, rerr := c.receive(ctx, f, nil)
			if rerr != nil {
				return nil, err
			}
			return reply, err
		}
		reply, _, err := c.receive(ctx, f, nil)
		return reply, err
	})
	if err != nil {
		return 0, err
	}
	if err := reply.Err(); err != nil {
		return 0, err
	}
	return strconv.ParseInt(reply.Args, 10, 64)
}

// sendBody writes r as the request body. On a local failure the body is
// aborted.
func (c *Client) sendBody(ctx context.Context, f *fiber.Fiber, r io.Reader) error {
	buf := make([]byte, frame.MaxChunk)
	for {
		if err := ctx.Err(); err != nil {
			fiber.AwaitErr(f.YieldErr(new(error)), c.conn.AbortBody)
			return err
		}
		n, rerr := io.ReadFull(r, buf)
		last := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if rerr != nil && !last {
			fiber.AwaitErr(f.YieldErr(new(error)), c.conn.AbortBody)
			return rerr
		}
		if _, err := writeBody(f, c.conn, buf[:n], last); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}
