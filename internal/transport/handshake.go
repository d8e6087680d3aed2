package transport

import (
	"context"
	"crypto/tls"
	"net"

	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/bufview"
	"github.com/Aishwarya3011/gapr-sub001/internal/callback"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/internal/liveness"
)

// seedLine is parsed once the handshake completes so the receive side
// starts from a known header.
const seedLine = "*x 0:"

// startOp runs the half-state checks shared by every operation.
func (c *Conn) startOp(o op) error {
	if !c.live.Open() {
		return ErrBadDescriptor
	}
	if c.busy && (o == opConnect || o == opHandshake) {
		return ErrAlreadyStarted
	}
	return precheck(o, c.rd, c.wr)
}

// Connect dials addr over TCP. ctx bounds the dial only.
func (c *Conn) Connect(ctx context.Context, addr string, cb func(error)) {
	done := callback.Err(cb)
	c.ex.Post(func() {
		if err := c.startOp(opConnect); err != nil {
			done.Fail(err)
			return
		}
		if !c.live.Begin(liveness.Write) {
			done.Fail(ErrBadDescriptor)
			return
		}
		c.busy = true
		go func() {
			dctx, cancel := context.WithCancel(ctx)
			stop := context.AfterFunc(c.ctx, cancel)
			var d net.Dialer
			raw, err := d.DialContext(dctx, "tcp", addr)
			stop()
			cancel()
			c.ex.Post(func() { c.connected(addr, raw, err, done) })
		}()
	})
}

func (c *Conn) connected(addr string, raw net.Conn, err error, done *callback.Once[callback.Void]) {
	c.busy = false
	if !c.end(liveness.Write) {
		if raw != nil {
			_ = raw.Close()
		}
		done.Fail(ErrAborted)
		return
	}
	if err != nil {
		c.rd, c.wr = Error, Error
		done.Fail(err)
		return
	}
	if !c.attach(raw) {
		done.Fail(ErrAborted)
		return
	}
	if c.opts.TLS == nil || c.opts.TLS.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err == nil {
			c.serverName = host
		}
	}
	c.rd, c.wr = PreHandshake, PreHandshake
	c.logger.Debug("connected")
	done.Complete(callback.Void{}, nil)
}

func (c *Conn) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.opts.TLS != nil {
		cfg = c.opts.TLS.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.NextProtos = []string{c.opts.Proto}
	if !c.server && cfg.ServerName == "" {
		cfg.ServerName = c.serverName
	}
	return cfg
}

// Handshake runs the TLS handshake and negotiates the framing. On success
// cb receives the seed header and both halves are open.
func (c *Conn) Handshake(cb func(frame.HeaderIn, error)) {
	done := callback.New(cb)
	c.ex.Post(func() {
		if err := c.startOp(opHandshake); err != nil {
			done.Fail(err)
			return
		}
		if !c.live.Begin(liveness.Write) {
			done.Fail(ErrBadDescriptor)
			return
		}
		c.busy = true
		var tc *tls.Conn
		if c.server {
			tc = tls.Server(c.raw, c.tlsConfig())
		} else {
			tc = tls.Client(c.raw, c.tlsConfig())
		}
		go func() {
			err := tc.HandshakeContext(c.ctx)
			c.ex.Post(func() { c.handshaken(tc, err, done) })
		}()
	})
}

func (c *Conn) handshaken(tc *tls.Conn, err error, done *callback.Once[frame.HeaderIn]) {
	c.busy = false
	if !c.end(liveness.Write) {
		if err == nil {
			err = ErrAborted
		}
		done.Fail(err)
		return
	}
	if err != nil {
		done.Fail(err)
		c.fail(err)
		return
	}
	proto := tc.ConnectionState().NegotiatedProtocol
	if proto != c.opts.Proto {
		c.logger.Warn("protocol negotiation failed", zap.String("want", c.opts.Proto), zap.String("got", proto))
		done.Fail(ErrNoProtocolOption)
		c.fail(ErrNoProtocolOption)
		return
	}
	codec, err := frame.New(proto, !c.server)
	if err != nil {
		done.Fail(ErrNoProtocolOption)
		c.fail(ErrNoProtocolOption)
		return
	}
	c.tc = tc
	c.open(codec)
	seed, _ := frame.ParseLine([]byte(seedLine))
	c.logger.Debug("handshake complete", zap.String("proto", proto))
	done.Complete(seed, nil)
}

// open starts exchanging messages over an established TLS stream.
func (c *Conn) open(codec frame.Codec) {
	c.codec = codec
	c.rd, c.wr = Open, Open
	if p := codec.Preface(); len(p) > 0 {
		c.queue = append(c.queue, &sendOp{kind: sendRaw, data: bufview.New(p), done: callback.New[int](nil)})
	}
	c.armKeepalive()
	c.drain()
}
