package transport

// op names a public connection operation for precondition checks.
type op uint8

const (
	opConnect op = iota
	opHandshake
	opSendRequest
	opSendReply
	opNotify
	opWriteBody
	opAbortBody
	opShutdown
	opReceiveRequest
	opReceiveReply
	opReadBody
	opTryAbort
	opCount
)

func (o op) String() string {
	return [...]string{
		"connect", "handshake", "send-request", "send-reply", "notify",
		"write-body", "abort-body", "shutdown", "receive-request",
		"receive-reply", "read-body", "try-abort",
	}[o]
}

func (o op) writes() bool { return o >= opSendRequest && o <= opShutdown }

// precheck decides from the half states alone whether o may proceed. It
// is total: every state pair yields nil or one of the usage errors.
// Exchange-level checks happen afterwards in the operation itself.
func precheck(o op, rd, wr HalfState) error {
	switch o {
	case opConnect:
		switch wr {
		case PreConnect:
			return nil
		case Error:
			return ErrBadDescriptor
		default:
			return ErrAlreadyConnected
		}
	case opHandshake:
		switch wr {
		case PreConnect:
			return ErrNotConnected
		case PreHandshake:
			return nil
		case Error:
			return ErrBadDescriptor
		default:
			return ErrAlreadyOpen
		}
	}

	s := rd
	if o.writes() {
		s = wr
	}
	switch s {
	case PreConnect, PreHandshake:
		return ErrNotConnected
	case Open:
		return nil
	case ShuttingDown:
		if o == opWriteBody || o == opAbortBody {
			return nil
		}
		return ErrBadDescriptor
	default:
		return ErrBadDescriptor
	}
}
