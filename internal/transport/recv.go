package transport

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/bufview"
	"github.com/Aishwarya3011/gapr-sub001/internal/callback"
	"github.com/Aishwarya3011/gapr-sub001/internal/exchange"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/internal/liveness"
)

type recvOp struct {
	request bool
	done    *callback.Once[Incoming]
}

type readOp struct {
	dst  bufview.View // unfilled part of the caller's buffer
	done *callback.Once[int]
}

// discardBuf receives notification bodies nobody reads.
var discardBuf [frame.MaxChunk]byte

// ReceiveRequest waits for the header of the next request. If an exchange
// is in progress the call is parked until it settles.
func (c *Conn) ReceiveRequest(cb func(Incoming, error)) {
	c.receive(opReceiveRequest, cb)
}

// ReceiveReply waits for the header of the reply to the current request.
// Called before any request was sent, it is parked until one is.
func (c *Conn) ReceiveReply(cb func(Incoming, error)) {
	c.receive(opReceiveReply, cb)
}

func (c *Conn) receive(o op, cb func(Incoming, error)) {
	done := callback.New(cb)
	c.ex.Post(func() {
		if err := c.startOp(o); err != nil {
			done.Fail(err)
			return
		}
		r := &recvOp{request: o == opReceiveRequest, done: done}
		if c.recv != nil || c.delayedRecv.Full() || !c.recvReady(r) {
			if !c.delayedRecv.Put(r) {
				done.Fail(ErrInProgress)
			}
			return
		}
		c.activate(r)
	})
}

func (c *Conn) recvReady(r *recvOp) bool {
	if r.request {
		return c.xch.Idle()
	}
	return c.xch.Read() == exchange.Init && c.xch.Write() != exchange.Init
}

func (c *Conn) activate(r *recvOp) {
	c.recv = r
	c.raise(exchange.Read, exchange.Opening)
	c.process()
	c.pump()
	c.drain()
}

func (c *Conn) promoteRecv() {
	if c.recv != nil {
		return
	}
	r, ok := c.delayedRecv.Take()
	if !ok {
		return
	}
	if !c.recvReady(r) {
		c.delayedRecv.Put(r)
		return
	}
	c.activate(r)
}

// ReadBody reads the body of the message being received into buf. It
// completes when buf is full or the body ended; the completion for the end
// of the body carries io.EOF. A body the peer abandoned fails with
// ErrBodyAborted, one cut short by the connection with ErrTruncated.
func (c *Conn) ReadBody(buf []byte, cb func(int, error)) {
	done := callback.New(cb)
	c.ex.Post(func() {
		if c.xch.Read() != exchange.Open {
			if err := c.startOp(opReadBody); err != nil {
				done.Fail(err)
			} else {
				done.Fail(ErrNoExchange)
			}
			return
		}
		if !c.live.Open() {
			done.Fail(ErrBadDescriptor)
			return
		}
		if c.body != nil {
			done.Fail(ErrInProgress)
			return
		}
		if len(buf) == 0 {
			done.Complete(0, nil)
			return
		}
		c.body = &readOp{dst: bufview.New(buf), done: done}
		c.process()
		c.pump()
		c.drain()
	})
}

func (c *Conn) wantsBytes() bool {
	return c.recv != nil || c.body != nil || c.discarding || c.stalled ||
		(c.wstream && c.xch.Write() == exchange.Open)
}

// pump starts a socket read if anything waits for bytes. When a body read
// waits and nothing is buffered, the current chunk is read straight into
// the caller's buffer.
func (c *Conn) pump() {
	if c.reading || c.codec == nil || c.rdErr != nil || !c.live.Open() || !c.wantsBytes() {
		return
	}
	var p []byte
	direct := false
	if b := c.body; b != nil && c.codec.Buffered() == 0 && c.stash == nil {
		if k := c.codec.DirectBody(); k > 0 {
			p = b.dst.Data()
			p = p[:min(len(p), k)]
			direct = true
		}
	}
	if !direct {
		p = c.codec.Space()
		if len(p) == 0 {
			return
		}
	}
	if !c.live.Begin(liveness.Read) {
		return
	}
	c.reading = true
	tc := c.tc
	go func() {
		n, err := tc.Read(p)
		c.ex.Post(func() { c.readDone(n, err, direct) })
	}()
}

func (c *Conn) readDone(n int, err error, direct bool) {
	c.reading = false
	if !c.end(liveness.Read) {
		return
	}
	if n > 0 {
		if direct {
			b := c.body
			b.dst.Skip(n)
			if c.codec.CommitDirect(n) {
				c.finishBody(io.EOF)
			} else if b.dst.Size() == 0 {
				c.body = nil
				b.done.Complete(b.dst.Done(), nil)
			}
		} else {
			c.codec.Commit(n)
		}
	}
	if err != nil {
		c.readFailed(err)
	}
	c.process()
	c.pump()
	c.drain()
}

func (c *Conn) readFailed(err error) {
	if errors.Is(err, io.EOF) {
		c.logger.Debug("peer closed")
	} else {
		c.logger.Debug("read failed", zap.Error(err))
	}
	c.rdErr = err
	if c.wr == ShuttingDown || c.wr == PostShutdown {
		c.rd = PostShutdown
	} else {
		c.rd = Error
	}
	c.stopKeepalive()
}

// process decodes buffered bytes for as long as someone can take them.
func (c *Conn) process() {
	if c.processing || c.codec == nil {
		return
	}
	c.processing = true
	defer func() { c.processing = false }()

	for c.live.Open() {
		if c.codec.PeerTryAbort() {
			c.peerTryAbort()
		}
		if c.stash != nil {
			if c.recv == nil {
				break
			}
			c.deliver()
			continue
		}
		if c.codec.InBody() {
			if !c.bodyStep() {
				break
			}
			continue
		}
		f, err := c.codec.Next()
		if errors.Is(err, frame.ErrNeedMore) {
			break
		}
		if err != nil {
			c.protocolError(err)
			return
		}
		switch {
		case f.Kind == frame.KindWindowUpdate:
		case f.Header.Notify:
			c.notified(f)
		default:
			c.stash = &f
		}
	}
	if c.codec.PeerTryAbort() {
		c.peerTryAbort()
	}
	if c.rdErr != nil {
		c.failReaders()
	}
}

// bodyStep moves body bytes to the reader. It reports whether progress
// was made.
func (c *Conn) bodyStep() bool {
	if c.discarding {
		_, eof, err := c.codec.ReadBody(discardBuf[:])
		switch {
		case eof, errors.Is(err, frame.ErrStreamAborted):
			c.discarding = false
			return true
		case errors.Is(err, frame.ErrNeedMore):
			return false
		case err != nil:
			c.protocolError(err)
			return false
		}
		return true
	}
	b := c.body
	if b == nil {
		return false
	}
	n, eof, err := c.codec.ReadBody(b.dst.Data())
	b.dst.Skip(n)
	switch {
	case eof:
		c.finishBody(io.EOF)
	case errors.Is(err, frame.ErrStreamAborted):
		c.finishBody(ErrBodyAborted)
	case errors.Is(err, frame.ErrNeedMore):
		if b.dst.Size() > 0 {
			return false
		}
		c.body = nil
		b.done.Complete(b.dst.Done(), nil)
	case err != nil:
		c.protocolError(err)
		return false
	default:
		c.body = nil
		b.done.Complete(b.dst.Done(), nil)
	}
	return true
}

// finishBody completes the body read at the end of the body.
func (c *Conn) finishBody(err error) {
	b := c.body
	c.body = nil
	c.raise(exchange.Read, exchange.Close)
	b.done.Complete(b.dst.Done(), err)
	c.settle()
}

func (c *Conn) deliver() {
	f := *c.stash
	c.stash = nil
	r := c.recv
	c.recv = nil
	c.raise(exchange.Read, exchange.Open)
	if !f.HasBody() {
		c.raise(exchange.Read, exchange.Close)
	}
	r.done.Complete(Incoming{Header: f.Header, Kind: f.Kind, Variant: f.Variant, Size: f.Size}, nil)
	c.settle()
}

func (c *Conn) notified(f frame.Frame) {
	if f.HasBody() {
		c.discarding = true
	}
	if h := c.notify; h != nil {
		hdr := f.Header
		c.ex.Post(func() { h(hdr) })
	}
}

// failReaders fails receive operations that can no longer complete after
// the read half ended.
func (c *Conn) failReaders() {
	eof := errors.Is(c.rdErr, io.EOF)
	if b := c.body; b != nil {
		c.body = nil
		err := ErrTruncated
		if !eof {
			err = fmt.Errorf("%w: %w", ErrTruncated, c.rdErr)
		}
		b.done.Complete(b.dst.Done(), err)
	}
	c.discarding = false
	recvErr := c.rdErr
	if eof {
		recvErr = io.EOF
	}
	if c.recv != nil && c.stash == nil {
		c.recv.done.Fail(recvErr)
		c.recv = nil
	}
	if r, ok := c.delayedRecv.Take(); ok {
		r.done.Fail(recvErr)
	}
}

func (c *Conn) protocolError(err error) {
	c.logger.Warn("protocol violation", zap.Error(err))
	c.fail(err)
}

// settle starts the next exchange once both sides of the current one have
// closed: the parked request goes out first, then the parked receive is
// activated.
func (c *Conn) settle() {
	if !c.xch.Settled() {
		return
	}
	c.xch.Reset()
	c.wstream = false
	c.abortPending = false
	if op, ok := c.delayedReq.Take(); ok {
		c.enqueueMessage(op)
	}
	c.promoteRecv()
	c.drain()
}
