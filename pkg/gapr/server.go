package gapr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/acceptor"
	"github.com/Aishwarya3011/gapr-sub001/internal/certs"
	"github.com/Aishwarya3011/gapr-sub001/internal/date"
	"github.com/Aishwarya3011/gapr-sub001/internal/executor"
	"github.com/Aishwarya3011/gapr-sub001/internal/fiber"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/internal/h1"
	"github.com/Aishwarya3011/gapr-sub001/internal/transport"
)

// ProtoHTTP is the ALPN identifier routed to Config.HTTPHandler.
const ProtoHTTP = "http/1.1"

// ErrServerClosed is returned by Start after Stop.
var ErrServerClosed = errors.New("gapr: server closed")

// Server accepts TLS connections and runs a session on each one that
// negotiated a gapr framing.
type Server struct {
	config  Config
	handler Handler
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	tls      *tls.Config
	pool     *executor.Pool
	acc      *acceptor.Acceptor
	httpSrv  *http.Server
	httpLn   *connListener
	redirect *h1.Redirector
	stopDate func()

	mu       sync.Mutex
	conns    map[*transport.Conn]struct{}
	started  bool
	stopped  bool
	sessions sync.WaitGroup
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*transport.Conn]struct{}),
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start listens and begins accepting. It returns once the listeners are up.
func (s *Server) Start() error {
	if s.handler == nil {
		return fmt.Errorf("handler not set")
	}
	if err := s.config.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return ErrServerClosed
	case s.started:
		s.mu.Unlock()
		return fmt.Errorf("gapr: server already started")
	}
	s.started = true
	s.mu.Unlock()

	s.logger = s.config.Logger.Named("server")
	if err := s.setupTLS(); err != nil {
		return err
	}
	if s.config.Workers > 0 {
		pool, err := executor.NewPool(s.config.Workers, s.logger)
		if err != nil {
			return err
		}
		s.pool = pool
	}

	s.acc = acceptor.New(acceptor.WithLogger(s.logger))
	if err := s.acc.Bind(s.config.Host, s.config.Port); err != nil {
		return err
	}
	errc := make(chan error, 1)
	s.acc.Listen(s.ctx, s.config.Backlog, func(err error) { errc <- err })
	if err := <-errc; err != nil {
		_ = s.acc.Close()
		return fmt.Errorf("gapr: listen on %s: %w", net.JoinHostPort(s.config.Host, strconv.Itoa(int(s.config.Port))), err)
	}

	handler := s.config.HTTPHandler
	if handler == nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		handler = mux
	}
	s.httpLn = newConnListener(s.acc.Addrs()[0])
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.config.HandshakeTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}
	go func() {
		if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http fallback stopped", zap.Error(err))
		}
	}()

	if s.config.RedirectPort != 0 {
		s.stopDate = date.Start(time.Second)
		s.redirect = h1.New(h1.Config{
			Addr:    net.JoinHostPort(s.config.Host, strconv.Itoa(int(s.config.RedirectPort))),
			TLSPort: s.Port(),
			Logger:  s.logger,
		})
		if err := s.redirect.Start(); err != nil {
			s.redirect = nil
			_ = s.Stop(context.Background())
			return fmt.Errorf("gapr: redirector: %w", err)
		}
	}

	s.acceptNext()
	return nil
}

func (s *Server) setupTLS() error {
	cfg := s.config.TLS
	if cfg == nil {
		pair, err := certs.LoadOrCreate(s.config.CertDir, s.config.CertHosts...)
		if err != nil {
			return fmt.Errorf("gapr: certificates: %w", err)
		}
		cfg = pair.Server
	}
	cfg = cfg.Clone()
	cfg.NextProtos = []string{frame.ProtoSimple}
	if s.config.EnableH2 {
		cfg.NextProtos = append(cfg.NextProtos, frame.ProtoH2)
	}
	cfg.NextProtos = append(cfg.NextProtos, ProtoHTTP)
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	s.tls = cfg
	return nil
}

// Addrs returns the addresses being listened on.
func (s *Server) Addrs() []net.Addr {
	if s.acc == nil {
		return nil
	}
	return s.acc.Addrs()
}

// Port returns the TLS port actually bound, which differs from the
// configured one when that was 0.
func (s *Server) Port() uint16 {
	for _, a := range s.Addrs() {
		if ta, ok := a.(*net.TCPAddr); ok {
			return uint16(ta.Port)
		}
	}
	return s.config.Port
}

func (s *Server) acceptNext() {
	s.acc.Accept(func(raw net.Conn, err error) {
		if err != nil {
			if !errors.Is(err, acceptor.ErrAborted) {
				s.logger.Error("accept loop stopped", zap.Error(err))
			}
			return
		}
		go s.handshake(raw)
		s.acceptNext()
	})
}

func (s *Server) handshake(raw net.Conn) {
	logger := s.logger.With(zap.Stringer("remote", raw.RemoteAddr()))
	tc := tls.Server(raw, s.tls)
	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandshakeTimeout)
	err := tc.HandshakeContext(ctx)
	cancel()
	if err != nil {
		handshakeFailures.Inc()
		logger.Debug("handshake failed", zap.Error(err))
		_ = raw.Close()
		return
	}

	proto := tc.ConnectionState().NegotiatedProtocol
	switch proto {
	case frame.ProtoSimple, frame.ProtoH2:
		connectionsTotal.WithLabelValues(proto).Inc()
		s.serveGapr(tc, logger)
	default:
		connectionsTotal.WithLabelValues(ProtoHTTP).Inc()
		if !s.httpLn.push(tc) {
			_ = tc.Close()
		}
	}
}

func (s *Server) serveGapr(tc *tls.Conn, logger *zap.Logger) {
	conn, err := transport.Wrap(tc, true, transport.Options{
		Keepalive: s.config.Keepalive,
		Pool:      s.pool,
		Logger:    s.config.Logger,
	})
	if err != nil {
		logger.Warn("unusable connection", zap.Error(err))
		_ = tc.Close()
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	connectionsActive.Inc()
	sess := newSession(tc.RemoteAddr(), conn.Proto())
	logger = logger.With(zap.String("proto", sess.Proto))
	logger.Debug("session started")

	fut := fiber.Spawn(conn.Executor(), func(f *fiber.Fiber) (struct{}, error) {
		return struct{}{}, s.session(f, conn, sess, logger)
	})
	fut.OnComplete(conn.Executor(), func(_ struct{}, err error) {
		switch {
		case err == nil, errors.Is(err, io.EOF), errors.Is(err, transport.ErrBadDescriptor), errors.Is(err, transport.ErrAborted):
			logger.Debug("session ended", zap.Error(err))
		default:
			logger.Warn("session failed", zap.Error(err))
		}
		_ = conn.Close()
		connectionsActive.Dec()
		s.untrack(conn)
	})
}

// session answers requests until the connection fails or the peer closes.
func (s *Server) session(f *fiber.Fiber, conn *transport.Conn, sess *Session, logger *zap.Logger) error {
	for {
		var err error
		in := fiber.Await(f.YieldErr(&err), conn.ReceiveRequest)
		if err != nil {
			return err
		}
		ctx := newContext(s.ctx, f, conn, sess, in, logger)
		herr := s.handler.ServeGapr(ctx)
		if err := ctx.finish(herr); err != nil {
			return err
		}
	}
}

func (s *Server) track(c *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[c] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(c *transport.Conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.sessions.Done()
	}
}

// Sessions returns the number of open gapr sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listeners and every connection, then waits for the
// sessions to wind down or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conns := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	var errs []error
	if s.acc != nil {
		errs = append(errs, s.acc.Close())
	}
	if s.redirect != nil {
		errs = append(errs, s.redirect.Stop(ctx))
	}
	if s.stopDate != nil {
		s.stopDate()
	}
	if s.httpSrv != nil {
		errs = append(errs, s.httpSrv.Shutdown(ctx))
	}
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if s.pool != nil {
		s.pool.Release()
	}
	return errors.Join(errs...)
}

// connListener hands TLS connections that negotiated HTTP to net/http.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{addr: addr, conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *connListener) push(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }
