package transport

import (
	"errors"
	"fmt"
)

// Usage errors leave the connection untouched; the call may be retried
// once the connection reaches the right state.
var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrAlreadyOpen      = errors.New("transport: already open")
	ErrInProgress       = errors.New("transport: operation already in progress")
	ErrAlreadyStarted   = errors.New("transport: already started")
	ErrBadDescriptor    = errors.New("transport: bad descriptor")
	ErrNoExchange       = errors.New("transport: no matching exchange")
)

// Transport errors.
var (
	ErrNoProtocolOption = errors.New("transport: no protocol option")
	ErrTruncated        = errors.New("transport: stream truncated")
	ErrAborted          = errors.New("transport: operation aborted")
	ErrBodyAborted      = errors.New("transport: body aborted by peer")
	ErrAbortRequested   = errors.New("transport: peer requested abort")
)

// HalfState is the state of one direction of a connection.
type HalfState uint8

// Half states.
const (
	PreConnect HalfState = iota
	PreHandshake
	Open
	ShuttingDown
	PostShutdown
	Error
)

func (s HalfState) String() string {
	switch s {
	case PreConnect:
		return "pre-connect"
	case PreHandshake:
		return "pre-handshake"
	case Open:
		return "open"
	case ShuttingDown:
		return "shutting-down"
	case PostShutdown:
		return "post-shutdown"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("half(%d)", uint8(s))
	}
}
