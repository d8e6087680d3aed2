package transport

import (
	"github.com/Aishwarya3011/gapr-sub001/internal/callback"
	"github.com/Aishwarya3011/gapr-sub001/internal/exchange"
	"github.com/Aishwarya3011/gapr-sub001/internal/liveness"
)

// armKeepalive schedules the next idle write while both halves are open.
func (c *Conn) armKeepalive() {
	if c.opts.Keepalive < 0 || c.timer != nil || c.rd != Open || c.wr != Open {
		return
	}
	if !c.live.Begin(liveness.Timer) {
		return
	}
	c.timer = c.opts.Clock.AfterFunc(c.opts.Keepalive, func() {
		c.ex.Post(c.keepaliveFired)
	})
}

func (c *Conn) keepaliveFired() {
	c.timer = nil
	if !c.end(liveness.Timer) {
		return
	}
	if c.rd != Open || c.wr != Open {
		return
	}
	if !c.writing && len(c.queue) == 0 {
		c.queue = append(c.queue, &sendOp{kind: sendKeepalive, role: roleOther, done: callback.New[int](nil)})
		c.drain()
	}
	c.armKeepalive()
}

func (c *Conn) stopKeepalive() {
	if c.timer != nil && c.timer.Stop() {
		c.timer = nil
		c.end(liveness.Timer)
	}
}

// Shutdown finishes sending: once the send queue is drained and no body is
// open for writing, TLS close_notify is sent and the write half moves to
// PostShutdown. The read half stays usable until the peer closes.
func (c *Conn) Shutdown(cb func(error)) {
	done := callback.Err(cb)
	c.ex.Post(func() {
		if err := c.startOp(opShutdown); err != nil {
			done.Fail(err)
			return
		}
		c.wr = ShuttingDown
		c.shutdown = done
		c.stopKeepalive()
		c.drain()
		c.maybeShutdown()
	})
}

func (c *Conn) maybeShutdown() {
	if c.shutdown == nil || c.wr != ShuttingDown || c.writing || len(c.queue) > 0 {
		return
	}
	if w := c.xch.Write(); c.wstream && w >= exchange.Opening && w < exchange.Close {
		return
	}
	if !c.live.Begin(liveness.Write) {
		return
	}
	c.writing = true
	done := c.shutdown
	c.shutdown = nil
	tc := c.tc
	go func() {
		err := tc.CloseWrite()
		c.ex.Post(func() {
			c.writing = false
			if !c.end(liveness.Write) {
				if err == nil {
					err = ErrAborted
				}
				done.Fail(err)
				return
			}
			if err != nil {
				c.wr = Error
				done.Fail(err)
				return
			}
			c.wr = PostShutdown
			if c.rd == Error && c.rdErr != nil {
				c.rd = PostShutdown
			}
			done.Complete(callback.Void{}, nil)
		})
	}()
}
