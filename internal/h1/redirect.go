package h1

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/date"
)

// Config configures a Redirector.
type Config struct {
	// Addr is the host:port to listen on.
	Addr string
	// TLSPort is the port put into redirect locations; 443 is omitted.
	TLSPort   uint16
	Multicore bool
	Logger    *zap.Logger
}

var (
	statusMoved   = []byte("HTTP/1.1 301 Moved Permanently\r\n")
	badRequest    = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	hdrLocation   = []byte("Location: https://")
	hdrDate       = []byte("Date: ")
	hdrLength     = []byte("Content-Length: 0\r\n")
	hdrKeepAlive  = []byte("Connection: keep-alive\r\n\r\n")
	hdrCloseConn  = []byte("Connection: close\r\n\r\n")
	errNotStarted = errors.New("h1: redirector not started")
)

// Redirector answers every request with a permanent redirect to the same
// path over https. It runs on a gnet event loop.
type Redirector struct {
	gnet.BuiltinEventEngine

	cfg    Config
	logger *zap.Logger

	engine gnet.Engine
	booted chan struct{}
	exited chan error
	served atomic.Uint64
}

// connState is the per-connection parse state.
type connState struct {
	buf  []byte
	skip int64 // request body bytes still to discard
}

// New returns a stopped redirector.
func New(cfg Config) *Redirector {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TLSPort == 0 {
		cfg.TLSPort = 443
	}
	return &Redirector{
		cfg:    cfg,
		logger: cfg.Logger.Named("redirect"),
		booted: make(chan struct{}),
		exited: make(chan error, 1),
	}
}

// Start begins listening and returns once the event loop is up.
func (r *Redirector) Start() error {
	opts := []gnet.Option{
		gnet.WithMulticore(r.cfg.Multicore),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(time.Minute),
		gnet.WithReadBufferCap(16 << 10),
		gnet.WithWriteBufferCap(16 << 10),
		gnet.WithLogger(r.logger.Sugar()),
	}
	go func() {
		r.exited <- gnet.Run(r, "tcp://"+r.cfg.Addr, opts...)
	}()
	select {
	case <-r.booted:
		return nil
	case err := <-r.exited:
		if err == nil {
			err = errNotStarted
		}
		return err
	}
}

// Stop shuts the event loop down.
func (r *Redirector) Stop(ctx context.Context) error {
	select {
	case <-r.booted:
	default:
		return errNotStarted
	}
	if err := r.engine.Stop(ctx); err != nil {
		return err
	}
	select {
	case err := <-r.exited:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Served returns the number of redirects sent.
func (r *Redirector) Served() uint64 { return r.served.Load() }

// OnBoot records the engine handle.
func (r *Redirector) OnBoot(eng gnet.Engine) gnet.Action {
	r.engine = eng
	r.logger.Info("listening", zap.String("addr", r.cfg.Addr))
	close(r.booted)
	return gnet.None
}

// OnOpen attaches parse state to the connection.
func (r *Redirector) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	c.SetContext(&connState{})
	return nil, gnet.None
}

// OnClose logs abnormal closes.
func (r *Redirector) OnClose(c gnet.Conn, err error) gnet.Action {
	if err != nil {
		r.logger.Debug("connection closed", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
	}
	return gnet.None
}

// OnTraffic answers every complete request head in the inbound buffer.
func (r *Redirector) OnTraffic(c gnet.Conn) gnet.Action {
	st, ok := c.Context().(*connState)
	if !ok {
		return gnet.Close
	}
	data, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	st.buf = append(st.buf, data...)
	defer func() {
		if len(st.buf) == 0 {
			st.buf = nil
		}
	}()

	for {
		if st.skip > 0 {
			n := min(int64(len(st.buf)), st.skip)
			st.buf = st.buf[n:]
			st.skip -= n
			if st.skip > 0 {
				return gnet.None
			}
		}
		var req request
		n, err := parseRequest(st.buf, &req)
		if err == nil && n > 0 && (req.Chunked || req.Host == "") {
			err = errBadRequest
		}
		if err != nil {
			r.logger.Debug("bad request", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			r.closeWith(c, badRequest)
			return gnet.None
		}
		if n == 0 {
			return gnet.None
		}
		st.buf = st.buf[n:]
		st.skip = req.ContentLength

		resp := r.appendRedirect(make([]byte, 0, 256), &req)
		r.served.Add(1)
		if !req.KeepAlive {
			r.closeWith(c, resp)
			return gnet.None
		}
		if _, err := c.Write(resp); err != nil {
			return gnet.Close
		}
	}
}

func (r *Redirector) closeWith(c gnet.Conn, resp []byte) {
	_ = c.AsyncWrite(resp, func(c gnet.Conn, _ error) error {
		return c.Close()
	})
}

func (r *Redirector) appendRedirect(dst []byte, req *request) []byte {
	dst = append(dst, statusMoved...)
	dst = append(dst, hdrLocation...)
	dst = append(dst, r.location(req)...)
	dst = append(dst, crlf...)
	dst = append(dst, hdrDate...)
	dst = append(dst, date.Current()...)
	dst = append(dst, crlf...)
	dst = append(dst, hdrLength...)
	if req.KeepAlive {
		return append(dst, hdrKeepAlive...)
	}
	return append(dst, hdrCloseConn...)
}

// location returns host[:port]/path for req.
func (r *Redirector) location(req *request) string {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if r.cfg.TLSPort != 443 {
		host = net.JoinHostPort(host, strconv.Itoa(int(r.cfg.TLSPort)))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + requestPath(req.Target)
}

// requestPath reduces an absolute-form target to its path.
func requestPath(target string) string {
	if strings.HasPrefix(target, "/") {
		return target
	}
	if i := strings.Index(target, "://"); i >= 0 {
		rest := target[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[j:]
		}
	}
	return "/"
}
