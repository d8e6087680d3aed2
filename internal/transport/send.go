package transport

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/bufview"
	"github.com/Aishwarya3011/gapr-sub001/internal/callback"
	"github.com/Aishwarya3011/gapr-sub001/internal/exchange"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/internal/liveness"
)

type sendKind uint8

const (
	sendMessage sendKind = iota
	sendChunk
	sendControl
	sendKeepalive
	sendRaw
)

type sendRole uint8

const (
	roleRequest sendRole = iota
	roleReply
	roleNotify
	roleOther
)

// sendOp is one send queue item. A chunked body stays one item across
// several writes.
type sendOp struct {
	kind     sendKind
	role     sendRole
	msg      *frame.Message
	data     bufview.View // unsent body or raw bytes
	last     bool
	ctrl     frame.Kind
	pending  int // body bytes in the write in flight
	abortErr error // set when the body is cancelled mid-write
	done     *callback.Once[int]
}

func errOnly(cb func(error)) *callback.Once[int] {
	if cb == nil {
		return callback.New[int](nil)
	}
	return callback.New(func(_ int, err error) { cb(err) })
}

func checkMessage(m *frame.Message) error {
	if m == nil || !m.Kind.IsHeader() || m.Header.IsZero() {
		return fmt.Errorf("%w: not a message", ErrNoExchange)
	}
	if m.Kind == frame.KindHeaderWithBody && len(m.Body) > frame.MaxInlineBody {
		return fmt.Errorf("%w: %d bytes", frame.ErrBodyTooLarge, len(m.Body))
	}
	return nil
}

// SendRequest starts a new exchange with msg. While another exchange is in
// progress the request is parked and sent once that exchange settles; only
// one request may be parked. cb runs once the header (and an inline body)
// has been written.
func (c *Conn) SendRequest(msg *frame.Message, cb func(error)) {
	done := errOnly(cb)
	c.ex.Post(func() {
		if err := c.startOp(opSendRequest); err != nil {
			done.Fail(err)
			return
		}
		if err := checkMessage(msg); err != nil {
			done.Fail(err)
			return
		}
		op := &sendOp{kind: sendMessage, role: roleRequest, msg: msg, done: done}
		if !c.xch.Idle() || c.delayedReq.Full() {
			if !c.delayedReq.Put(op) {
				done.Fail(ErrInProgress)
			}
			return
		}
		c.enqueueMessage(op)
		c.promoteRecv()
		c.drain()
	})
}

// SendReply answers the request being received.
func (c *Conn) SendReply(msg *frame.Message, cb func(error)) {
	done := errOnly(cb)
	c.ex.Post(func() {
		if err := c.startOp(opSendReply); err != nil {
			done.Fail(err)
			return
		}
		if err := checkMessage(msg); err != nil {
			done.Fail(err)
			return
		}
		if c.xch.Read() < exchange.Open || c.xch.Write() != exchange.Init {
			done.Fail(ErrNoExchange)
			return
		}
		c.enqueueMessage(&sendOp{kind: sendMessage, role: roleReply, msg: msg, done: done})
		c.drain()
	})
}

// Notify sends an unsolicited header outside any exchange.
func (c *Conn) Notify(hdr frame.Header, cb func(error)) {
	done := errOnly(cb)
	c.ex.Post(func() {
		if err := c.startOp(opNotify); err != nil {
			done.Fail(err)
			return
		}
		if hdr.IsZero() {
			done.Fail(ErrNoExchange)
			return
		}
		msg := &frame.Message{Kind: frame.KindHeaderOnly, Notify: true, Header: hdr}
		c.queue = append(c.queue, &sendOp{kind: sendMessage, role: roleNotify, msg: msg, done: done})
		c.drain()
	})
}

func (c *Conn) enqueueMessage(op *sendOp) {
	m := *op.msg
	m.Notify = false
	op.msg = &m
	c.wstream = m.Kind == frame.KindHeaderWithStream
	c.raise(exchange.Write, exchange.Opening)
	c.queue = append(c.queue, op)
}

// WriteBody sends body bytes of the stream announced by the current
// request or reply. data is split into chunks of at most frame.MaxChunk;
// it must not be modified before cb runs. last ends the body. Only one
// WriteBody may be outstanding.
func (c *Conn) WriteBody(data []byte, last bool, cb func(int, error)) {
	done := callback.New(cb)
	c.ex.Post(func() {
		if err := c.startOp(opWriteBody); err != nil {
			done.Fail(err)
			return
		}
		if w := c.xch.Write(); !c.wstream || (w != exchange.Opening && w != exchange.Open) {
			done.Fail(ErrNoExchange)
			return
		}
		if c.bodyOp != nil {
			done.Fail(ErrInProgress)
			return
		}
		if c.abortPending {
			c.abortPending = false
			c.enqueueAbort()
			done.Fail(ErrAbortRequested)
			c.drain()
			return
		}
		if len(data) == 0 && !last {
			done.Complete(0, nil)
			return
		}
		op := &sendOp{kind: sendChunk, role: roleOther, data: bufview.New(data), last: last, done: done}
		if last {
			c.raise(exchange.Write, exchange.Closing)
		}
		c.bodyOp = op
		c.queue = append(c.queue, op)
		c.drain()
	})
}

// AbortBody abandons the body being sent. The peer's read fails with
// ErrBodyAborted. A pending WriteBody fails with ErrAborted.
func (c *Conn) AbortBody(cb func(error)) {
	done := errOnly(cb)
	c.ex.Post(func() {
		if err := c.startOp(opAbortBody); err != nil {
			done.Fail(err)
			return
		}
		if w := c.xch.Write(); !c.wstream || (w != exchange.Opening && w != exchange.Open) {
			done.Fail(ErrNoExchange)
			return
		}
		c.cancelBody(ErrAborted)
		c.abortPending = false
		op := c.enqueueAbort()
		op.done = done
		c.drain()
	})
}

// cancelBody fails the outstanding WriteBody. A body with a write in
// flight is failed when that write completes.
func (c *Conn) cancelBody(err error) {
	op := c.bodyOp
	if op == nil {
		return
	}
	c.bodyOp = nil
	for i, q := range c.queue {
		if q == op {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			op.done.Fail(err)
			return
		}
	}
	op.abortErr = err
}

func (c *Conn) enqueueAbort() *sendOp {
	op := &sendOp{kind: sendControl, role: roleOther, ctrl: frame.KindAbort, done: callback.New[int](nil)}
	c.raise(exchange.Write, exchange.Closing)
	c.queue = append(c.queue, op)
	return op
}

// TryAbort asks the peer to stop sending the body being received. The
// body must still be read until it ends or is aborted.
func (c *Conn) TryAbort(cb func(error)) {
	done := errOnly(cb)
	c.ex.Post(func() {
		if err := c.startOp(opTryAbort); err != nil {
			done.Fail(err)
			return
		}
		if c.xch.Read() != exchange.Open {
			done.Fail(ErrNoExchange)
			return
		}
		c.queue = append(c.queue, &sendOp{kind: sendControl, role: roleOther, ctrl: frame.KindTryAbort, done: done})
		c.drain()
	})
}

// peerTryAbort reacts to the peer asking us to stop our body.
func (c *Conn) peerTryAbort() {
	if w := c.xch.Write(); !c.wstream || (w != exchange.Opening && w != exchange.Open) {
		return
	}
	if c.bodyOp != nil {
		c.cancelBody(ErrAbortRequested)
		c.enqueueAbort()
		return
	}
	c.abortPending = true
}

func (c *Conn) raise(side exchange.Side, p exchange.Phase) {
	if c.xch.Phase(side) < p {
		c.xch.Advance(side, p)
	}
}

// drain writes the next queue item, prefixed by whatever the codec wants
// sent. At most one write is in flight.
func (c *Conn) drain() {
	if c.writing || c.codec == nil || !c.live.Open() || c.wr == Error || c.wr == PostShutdown {
		return
	}
	c.stalled = false
	buf := c.codec.Outbound()
	var op *sendOp
	for op == nil && len(c.queue) > 0 {
		head := c.queue[0]
		b, ready, err := c.encode(head, buf)
		if err != nil {
			c.queue = c.queue[1:]
			head.done.Fail(err)
			continue
		}
		if !ready {
			c.stalled = true
			break
		}
		c.queue = c.queue[1:]
		op, buf = head, b
	}
	if len(buf) == 0 {
		if c.stalled {
			c.pump()
		}
		c.maybeShutdown()
		return
	}
	if !c.live.Begin(liveness.Write) {
		if op != nil {
			op.done.Fail(ErrBadDescriptor)
		}
		return
	}
	c.writing = true
	tc := c.tc
	go func() {
		_, err := tc.Write(buf)
		c.ex.Post(func() { c.wrote(op, err) })
	}()
}

// encode frames op after dst. It reports false when a body chunk has to
// wait for the peer's window.
func (c *Conn) encode(op *sendOp, dst []byte) ([]byte, bool, error) {
	switch op.kind {
	case sendMessage:
		b, err := c.codec.AppendMessage(dst, op.msg)
		return b, err == nil, err
	case sendChunk:
		n := min(op.data.Size(), frame.MaxChunk)
		if n > 0 && c.codec.SendWindow() < frame.MaxChunk {
			return dst, false, nil
		}
		eof := op.last && n == op.data.Size()
		op.pending = n
		return c.codec.AppendChunk(dst, op.data.Data()[:n], eof), true, nil
	case sendControl:
		return c.codec.AppendControl(dst, op.ctrl), true, nil
	case sendKeepalive:
		return append(dst, c.codec.Keepalive()...), true, nil
	default:
		return append(dst, op.data.Data()...), true, nil
	}
}

func (c *Conn) wrote(op *sendOp, err error) {
	c.writing = false
	if !c.end(liveness.Write) {
		if op != nil {
			if err == nil {
				err = ErrAborted
			}
			op.done.Fail(err)
		}
		return
	}
	if err != nil {
		c.logger.Debug("write failed", zap.Error(err))
		c.wr = Error
		c.stopKeepalive()
		if op != nil {
			op.done.Fail(err)
		}
		for _, q := range c.queue {
			q.done.Fail(ErrBadDescriptor)
		}
		c.queue, c.bodyOp = nil, nil
		if q, ok := c.delayedReq.Take(); ok {
			q.done.Fail(ErrBadDescriptor)
		}
		// the current exchange can no longer settle
		if r, ok := c.delayedRecv.Take(); ok {
			r.done.Fail(err)
		}
		if c.shutdown != nil {
			c.shutdown.Fail(err)
			c.shutdown = nil
		}
		return
	}
	if op != nil {
		c.sent(op)
	}
	c.settle()
	c.drain()
	c.pump()
}

// sent completes op after its write, or requeues the rest of a body.
func (c *Conn) sent(op *sendOp) {
	switch op.kind {
	case sendMessage:
		if op.role == roleRequest || op.role == roleReply {
			if op.msg.Kind == frame.KindHeaderWithStream {
				c.raise(exchange.Write, exchange.Open)
			} else {
				c.raise(exchange.Write, exchange.Close)
			}
		}
	case sendChunk:
		op.data.Skip(op.pending)
		op.pending = 0
		if op.abortErr != nil {
			op.done.Complete(op.data.Done(), op.abortErr)
			return
		}
		if op.data.Size() > 0 {
			c.queue = append(c.queue, op)
			return
		}
		c.bodyOp = nil
		if op.last {
			c.raise(exchange.Write, exchange.Close)
		}
		op.done.Complete(op.data.Done(), nil)
		return
	case sendControl:
		if op.ctrl == frame.KindAbort {
			c.raise(exchange.Write, exchange.Close)
		}
	}
	op.done.Complete(0, nil)
}
