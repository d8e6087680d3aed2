// Package frame implements the gapr wire framing.
//
// Two codecs carry the same messages. The simple codec writes each header as
// a text line followed by a small binary trailer and streams bodies as
// length-prefixed chunks. The h2 codec maps the same messages onto HTTP/2
// HEADERS and DATA frames so that bodies get per-stream flow control.
// Both present received traffic as Frame values produced by a resumable
// Decoder: it never blocks, it asks for more bytes with ErrNeedMore and
// keeps its partial-parse state until they arrive.
package frame

import "errors"

// Decoder errors.
var (
	// ErrNeedMore means the buffered bytes do not hold a complete frame.
	ErrNeedMore = errors.New("frame: need more bytes")
	// ErrLineTooLong means no terminator was found within MaxHeader bytes.
	ErrLineTooLong = errors.New("frame: line too long")
	// ErrProtocol reports a malformed or unexpected frame.
	ErrProtocol = errors.New("frame: protocol violation")
	// ErrStreamAborted means the peer abandoned the body being read.
	ErrStreamAborted = errors.New("frame: stream aborted by peer")
)

// Kind classifies frames.
type Kind uint8

// Frame kinds.
const (
	KindHeaderOnly Kind = iota + 1
	KindHeaderWithBody
	KindHeaderWithStream
	KindChunk
	KindAbort
	KindTryAbort
	KindEnd
	KindWindowUpdate
	KindKeepalive
)

func (k Kind) String() string {
	switch k {
	case KindHeaderOnly:
		return "header-only"
	case KindHeaderWithBody:
		return "header-with-body"
	case KindHeaderWithStream:
		return "header-with-stream"
	case KindChunk:
		return "chunk"
	case KindAbort:
		return "abort"
	case KindTryAbort:
		return "try-abort"
	case KindEnd:
		return "end"
	case KindWindowUpdate:
		return "window-update"
	case KindKeepalive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// IsHeader reports whether frames of this kind start a message.
func (k Kind) IsHeader() bool {
	return k == KindHeaderOnly || k == KindHeaderWithBody || k == KindHeaderWithStream
}

// Frame is one decoded unit of traffic.
type Frame struct {
	Kind    Kind
	Header  HeaderIn
	Variant uint16
	// Size is the inline body length for KindHeaderWithBody, the size hint
	// for KindHeaderWithStream and the payload length for KindChunk.
	Size uint64
	// EOF marks the last chunk of a body.
	EOF bool
	// Increment is the window growth for KindWindowUpdate.
	Increment uint32
}

// HasBody reports whether body bytes follow the frame.
func (f Frame) HasBody() bool {
	return f.Kind == KindHeaderWithBody || f.Kind == KindHeaderWithStream
}

// Message is an outgoing header and its body shape.
type Message struct {
	Kind   Kind
	Notify bool
	Header Header
	// Variant tags the body encoding (see the pkg/gapr variants).
	Variant uint16
	// Body is the inline body of a KindHeaderWithBody message.
	Body []byte
	// SizeHint announces the expected size of a streamed body; 0 if unknown.
	SizeHint uint64
}

// HeaderOnly builds a message without body.
func HeaderOnly(h Header) *Message {
	return &Message{Kind: KindHeaderOnly, Header: h}
}

// WithBody builds a message whose small body travels with the header.
func WithBody(h Header, variant uint16, body []byte) *Message {
	return &Message{Kind: KindHeaderWithBody, Header: h, Variant: variant, Body: body}
}

// WithStream builds a message whose body follows as chunks.
func WithStream(h Header, variant uint16, sizeHint uint64) *Message {
	return &Message{Kind: KindHeaderWithStream, Header: h, Variant: variant, SizeHint: sizeHint}
}

// Decoder turns buffered bytes into frames.
//
// The caller reads from the network into Space and reports the count with
// Commit. Between messages it calls Next. While a body is open it calls
// ReadBody; when ReadBody needs more, DirectBody says how many bytes of the
// current chunk the caller may read straight into its own buffer instead,
// reported with CommitDirect.
type Decoder interface {
	Space() []byte
	Commit(n int)
	Buffered() int

	Next() (Frame, error)
	InBody() bool
	ReadBody(dst []byte) (n int, eof bool, err error)
	DirectBody() int
	CommitDirect(n int) (eof bool)

	// PeerTryAbort reports, once, that the peer asked us to stop the body
	// we are sending.
	PeerTryAbort() bool
}

// Codec encodes outgoing traffic and owns the matching Decoder.
type Codec interface {
	Decoder

	// Proto is the ALPN identifier selecting this codec.
	Proto() string
	// Preface returns bytes to send right after the TLS handshake.
	Preface() []byte
	AppendMessage(dst []byte, m *Message) ([]byte, error)
	AppendChunk(dst, data []byte, eof bool) []byte
	AppendControl(dst []byte, k Kind) []byte
	Keepalive() []byte

	// SendWindow returns how many body bytes may be sent now.
	SendWindow() int
	// Outbound drains bytes the decoder wants written (acknowledgements,
	// window updates).
	Outbound() []byte
}

// ALPN identifiers.
const (
	ProtoSimple = "gapr/1.1"
	ProtoH2     = "gapr/1"
)

// New returns the codec for proto. Client selects stream numbering in the
// h2 codec.
func New(proto string, client bool) (Codec, error) {
	switch proto {
	case ProtoSimple:
		return NewSimple(), nil
	case ProtoH2:
		return NewH2(client), nil
	default:
		return nil, errors.New("frame: unknown protocol " + proto)
	}
}
