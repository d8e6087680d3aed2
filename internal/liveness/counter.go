// Package liveness tracks which operation categories hold a connection alive.
//
// The state is one atomic word:
//
//	bit 0     open: new operations may begin
//	bit 1     timer slot held
//	bit 2     write slot held
//	bit 3     read slot held
//	bits 4..  reference count
//
// The owner holds one reference from Init until Close. Every held slot holds
// one more. The object is released when the count drops to zero.
package liveness

import "sync/atomic"

// Category names an exclusive operation slot.
type Category uint32

// Operation categories.
const (
	Timer Category = 1 << 1
	Write Category = 1 << 2
	Read  Category = 1 << 3
)

const (
	bitOpen  = 1 << 0
	catMask  = uint32(Timer | Write | Read)
	refShift = 4
	refOne   = 1 << refShift
)

func (c Category) String() string {
	switch c {
	case Timer:
		return "timer"
	case Write:
		return "write"
	case Read:
		return "read"
	default:
		return "unknown"
	}
}

// Counter is the bit-packed liveness word. The zero value is closed and
// released; call Init before use.
type Counter struct {
	v atomic.Uint32
}

// Init marks the counter open with the owner's reference.
func (c *Counter) Init() {
	c.v.Store(bitOpen | refOne)
}

// Begin takes the slot for cat. It fails if the slot is already held or the
// counter has been closed.
func (c *Counter) Begin(cat Category) bool {
	for {
		old := c.v.Load()
		if old&bitOpen == 0 || old&uint32(cat) != 0 {
			return false
		}
		if c.v.CompareAndSwap(old, (old|uint32(cat))+refOne) {
			return true
		}
	}
}

// End releases the slot for cat and reports whether that dropped the last
// reference.
func (c *Counter) End(cat Category) bool {
	for {
		old := c.v.Load()
		if old&uint32(cat) == 0 {
			panic("liveness: end of " + cat.String() + " slot that is not held")
		}
		nv := (old &^ uint32(cat)) - refOne
		if c.v.CompareAndSwap(old, nv) {
			return nv>>refShift == 0
		}
	}
}

// Close clears the open bit and drops the owner's reference. It reports
// whether the counter was open and whether it is now released. Calling Close
// again is a no-op.
func (c *Counter) Close() (wasOpen, released bool) {
	for {
		old := c.v.Load()
		if old&bitOpen == 0 {
			return false, false
		}
		nv := (old &^ bitOpen) - refOne
		if c.v.CompareAndSwap(old, nv) {
			return true, nv>>refShift == 0
		}
	}
}

// Open reports whether new operations may begin.
func (c *Counter) Open() bool {
	return c.v.Load()&bitOpen != 0
}

// Held reports whether the slot for cat is taken.
func (c *Counter) Held(cat Category) bool {
	return c.v.Load()&uint32(cat) != 0
}

// Refs returns the current reference count.
func (c *Counter) Refs() uint32 {
	return c.v.Load() >> refShift
}

// Released reports whether nothing holds the object any more.
func (c *Counter) Released() bool {
	v := c.v.Load()
	return v>>refShift == 0 && v&catMask == 0
}
