// Package exchange tracks the request/reply exchange running on a
// connection: one phase per direction, plus the operations parked until
// the current exchange settles.
package exchange

import "fmt"

// Phase is the progress of one side of an exchange.
type Phase uint8

// Phases, in order. A side only moves forward until the exchange resets.
const (
	Init Phase = iota
	Opening
	Open
	Closing
	Close
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Close:
		return "close"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Side names a direction.
type Side uint8

// Sides.
const (
	Read Side = iota
	Write
)

func (s Side) String() string {
	if s == Read {
		return "read"
	}
	return "write"
}

// State is the phase pair of the current exchange.
type State struct {
	read, write Phase
}

// Read returns the read side's phase.
func (s *State) Read() Phase { return s.read }

// Write returns the write side's phase.
func (s *State) Write() Phase { return s.write }

// Phase returns the phase of side.
func (s *State) Phase(side Side) Phase {
	if side == Read {
		return s.read
	}
	return s.write
}

// Idle reports whether no exchange has started.
func (s *State) Idle() bool { return s.read == Init && s.write == Init }

// Settled reports whether both sides have closed.
func (s *State) Settled() bool { return s.read == Close && s.write == Close }

// Advance moves side to p. Moving backwards panics: it means the connection
// lost track of its own exchange.
func (s *State) Advance(side Side, p Phase) {
	cur := &s.read
	if side == Write {
		cur = &s.write
	}
	if p < *cur {
		panic(fmt.Sprintf("exchange: %v side moving back from %v to %v", side, *cur, p))
	}
	*cur = p
}

// Reset returns both sides to Init.
func (s *State) Reset() { s.read, s.write = Init, Init }

func (s State) String() string { return s.read.String() + "/" + s.write.String() }

// Slot holds at most one parked operation.
type Slot[T any] struct {
	v    T
	full bool
}

// Put parks v. It reports false, leaving the slot unchanged, if occupied.
func (s *Slot[T]) Put(v T) bool {
	if s.full {
		return false
	}
	s.v, s.full = v, true
	return true
}

// Take removes and returns the parked operation.
func (s *Slot[T]) Take() (T, bool) {
	v, ok := s.v, s.full
	var zero T
	s.v, s.full = zero, false
	return v, ok
}

// Full reports whether an operation is parked.
func (s *Slot[T]) Full() bool { return s.full }
