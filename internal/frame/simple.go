package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Simple framing codes. A header line is followed by a code byte whose top
// bit is set; the low nibble carries a checksum over the code and the
// 16-bit sequence word that follows it. At the start of a line, a byte with
// the top bit set opens a chunk or, with codeIsCtrl, a control frame.
const (
	codeMark     = 0x80
	codeMaskTag  = 0x70
	codeHdrOnly  = 0x40
	codeHasBody  = 0x20
	codeHasStrm  = 0x10
	codeIsCtrl   = 0x40
	codeMaskCtrl = 0x30
	codeAbort    = 0x20
	codeTryAbort = 0x10
	codeMsgEnd   = 0x30
	codeIsEOF    = 0x10
)

// Frame sizes following the header line.
const (
	lenHdrOnly  = 3
	lenHdrBody  = 7
	lenHdrStrm  = 13
	lenChunk    = 5
	lenAbort    = 3
	lenTryAbort = 3
	lenMsgEnd   = 1
)

// MaxInlineBody bounds the body of a KindHeaderWithBody message.
const MaxInlineBody = math.MaxUint16

// ErrBodyTooLarge means an inline body does not fit its 16-bit length.
var ErrBodyTooLarge = errors.New("frame: inline body too large")

var errBodyOpen = errors.New("frame: body still open")

type simpleState uint8

const (
	simpleLine simpleState = iota // start of a line
	simpleMisc                    // line parsed, waiting for its code
	simpleBody                    // inside a body
)

// Simple is the line-based codec.
type Simple struct {
	buf        []byte
	start, end int

	st        simpleState
	hdr       HeaderIn
	chunkLeft int
	lastChunk bool
	tryAbort  bool
}

// NewSimple returns a simple codec with an empty receive buffer.
func NewSimple() *Simple {
	return &Simple{buf: make([]byte, RecvBufferSize)}
}

// Proto returns ProtoSimple.
func (s *Simple) Proto() string { return ProtoSimple }

// Preface is empty for the simple framing.
func (s *Simple) Preface() []byte { return nil }

// Keepalive returns an empty line.
func (s *Simple) Keepalive() []byte { return []byte{'\n'} }

// SendWindow is unbounded; TCP provides the only back-pressure.
func (s *Simple) SendWindow() int { return math.MaxInt }

// Outbound is always empty.
func (s *Simple) Outbound() []byte { return nil }

func sealCode(code byte, seq uint16) [3]byte {
	s0, s1 := byte(seq>>8), byte(seq)
	chk := ((s0 >> 4) ^ s0 ^ (s1 >> 4) ^ s1 ^ (code >> 4)) & 0x0f
	return [3]byte{code | chk, s0, s1}
}

// AppendMessage appends the header line and its trailer, plus the inline
// body of a KindHeaderWithBody message.
func (s *Simple) AppendMessage(dst []byte, m *Message) ([]byte, error) {
	if m.Notify {
		dst = append(dst, '*')
	}
	dst = append(dst, m.Header.Line()...)
	dst = append(dst, '\n')
	switch m.Kind {
	case KindHeaderOnly:
		c := sealCode(codeMark|codeHdrOnly, 0)
		dst = append(dst, c[:]...)
	case KindHeaderWithBody:
		if len(m.Body) > MaxInlineBody {
			return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(m.Body))
		}
		c := sealCode(codeMark|codeHasBody, 0)
		dst = append(dst, c[:]...)
		dst = binary.BigEndian.AppendUint16(dst, m.Variant)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Body)))
		dst = append(dst, m.Body...)
	case KindHeaderWithStream:
		c := sealCode(codeMark|codeHasStrm, 0)
		dst = append(dst, c[:]...)
		dst = binary.BigEndian.AppendUint16(dst, m.Variant)
		dst = binary.BigEndian.AppendUint64(dst, m.SizeHint)
	default:
		return nil, fmt.Errorf("frame: %v is not a message kind", m.Kind)
	}
	return dst, nil
}

// AppendChunk appends one chunk frame. data must not exceed MaxChunk.
func (s *Simple) AppendChunk(dst, data []byte, eof bool) []byte {
	code := byte(codeMark)
	if eof {
		code |= codeIsEOF
	}
	dst = append(dst, code, 0, 0)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...)
}

// AppendControl appends an abort, try-abort or end-of-message frame.
func (s *Simple) AppendControl(dst []byte, k Kind) []byte {
	switch k {
	case KindAbort:
		return append(dst, codeMark|codeIsCtrl|codeAbort, 0, 0)
	case KindTryAbort:
		return append(dst, codeMark|codeIsCtrl|codeTryAbort, 0, 0)
	case KindEnd:
		return append(dst, codeMark|codeIsCtrl|codeMsgEnd)
	}
	return dst
}

// Space returns the writable tail of the receive buffer, compacting first
// when less than two maximum headers remain past the parse position.
func (s *Simple) Space() []byte {
	if s.start == s.end {
		s.start, s.end = 0, 0
	} else if len(s.buf)-s.start < 2*MaxHeader {
		n := copy(s.buf, s.buf[s.start:s.end])
		s.start, s.end = 0, n
	}
	return s.buf[s.end:]
}

// Commit records n bytes read into Space.
func (s *Simple) Commit(n int) { s.end += n }

// Buffered returns the number of unparsed bytes.
func (s *Simple) Buffered() int { return s.end - s.start }

// InBody reports whether a body is open.
func (s *Simple) InBody() bool { return s.st == simpleBody }

// PeerTryAbort reports, once, that the peer asked us to stop sending.
func (s *Simple) PeerTryAbort() bool {
	t := s.tryAbort
	s.tryAbort = false
	return t
}

// Next decodes the next message header. Empty lines are skipped.
func (s *Simple) Next() (Frame, error) {
	for {
		switch s.st {
		case simpleBody:
			return Frame{}, errBodyOpen
		case simpleLine:
			if s.start == s.end {
				return Frame{}, ErrNeedMore
			}
			c := s.buf[s.start]
			if c&codeMark != 0 {
				if err := s.lineControl(c); err != nil {
					return Frame{}, err
				}
				continue
			}
			rest := s.buf[s.start:s.end]
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				if len(rest) >= MaxHeader {
					return Frame{}, ErrLineTooLong
				}
				return Frame{}, ErrNeedMore
			}
			if i >= MaxHeader {
				return Frame{}, ErrLineTooLong
			}
			line := rest[:i]
			s.start += i + 1
			if len(line) == 0 {
				continue
			}
			hdr, err := ParseLine(line)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			s.hdr = hdr
			s.st = simpleMisc
		case simpleMisc:
			return s.misc()
		}
	}
}

// lineControl consumes a control frame found at the start of a line.
func (s *Simple) lineControl(c byte) error {
	if c&codeIsCtrl == 0 {
		return fmt.Errorf("%w: chunk outside body", ErrProtocol)
	}
	switch c & codeMaskCtrl {
	case codeTryAbort:
		if s.end-s.start < lenTryAbort {
			return ErrNeedMore
		}
		s.start += lenTryAbort
		s.tryAbort = true
		return nil
	case codeAbort, codeMsgEnd:
		return fmt.Errorf("%w: code %#x outside body", ErrProtocol, c)
	default:
		return fmt.Errorf("%w: unknown code %#x", ErrProtocol, c)
	}
}

func (s *Simple) misc() (Frame, error) {
	if s.start == s.end {
		return Frame{}, ErrNeedMore
	}
	p := s.buf[s.start:s.end]
	c := p[0]
	if c&codeMark == 0 {
		return Frame{}, fmt.Errorf("%w: missing header code", ErrProtocol)
	}
	f := Frame{Header: s.hdr}
	switch c & codeMaskTag {
	case codeHdrOnly:
		if len(p) < lenHdrOnly {
			return Frame{}, ErrNeedMore
		}
		f.Kind = KindHeaderOnly
		s.start += lenHdrOnly
		s.st = simpleLine
	case codeHasBody:
		if len(p) < lenHdrBody {
			return Frame{}, ErrNeedMore
		}
		f.Kind = KindHeaderWithBody
		f.Variant = binary.BigEndian.Uint16(p[3:])
		f.Size = uint64(binary.BigEndian.Uint16(p[5:]))
		s.start += lenHdrBody
		s.st = simpleBody
		s.chunkLeft = int(f.Size)
		s.lastChunk = true
	case codeHasStrm:
		if len(p) < lenHdrStrm {
			return Frame{}, ErrNeedMore
		}
		f.Kind = KindHeaderWithStream
		f.Variant = binary.BigEndian.Uint16(p[3:])
		f.Size = binary.BigEndian.Uint64(p[5:])
		s.start += lenHdrStrm
		s.st = simpleBody
		s.chunkLeft = 0
		s.lastChunk = false
	default:
		return Frame{}, fmt.Errorf("%w: unknown header code %#x", ErrProtocol, c)
	}
	s.hdr = HeaderIn{}
	return f, nil
}

// ReadBody copies body bytes into dst. It returns eof once the last chunk
// has been consumed, ErrNeedMore when dst still has room but nothing is
// buffered, and ErrStreamAborted if the peer abandoned the body.
func (s *Simple) ReadBody(dst []byte) (int, bool, error) {
	if s.st != simpleBody {
		return 0, false, fmt.Errorf("%w: no body open", ErrProtocol)
	}
	n := 0
	for {
		if s.chunkLeft > 0 {
			if n == len(dst) {
				return n, false, nil
			}
			avail := s.end - s.start
			if avail == 0 {
				return n, false, ErrNeedMore
			}
			k := min(s.chunkLeft, avail, len(dst)-n)
			copy(dst[n:], s.buf[s.start:s.start+k])
			s.start += k
			s.chunkLeft -= k
			n += k
			continue
		}
		if s.lastChunk {
			s.st = simpleLine
			return n, true, nil
		}
		more := ErrNeedMore
		if n == len(dst) {
			more = nil
		}
		if s.start == s.end {
			return n, false, more
		}
		c := s.buf[s.start]
		if c&codeMark == 0 {
			if c == '\n' {
				s.start++
				continue
			}
			return n, false, fmt.Errorf("%w: text inside body", ErrProtocol)
		}
		if c&codeIsCtrl == 0 {
			if s.end-s.start < lenChunk {
				return n, false, more
			}
			l := int(binary.BigEndian.Uint16(s.buf[s.start+3:]))
			if l > MaxChunk {
				return n, false, fmt.Errorf("%w: chunk of %d bytes", ErrProtocol, l)
			}
			s.chunkLeft = l
			s.lastChunk = c&codeIsEOF != 0
			s.start += lenChunk
			continue
		}
		switch c & codeMaskCtrl {
		case codeMsgEnd:
			s.start += lenMsgEnd
			s.lastChunk = true
		case codeAbort:
			if s.end-s.start < lenAbort {
				return n, false, more
			}
			s.start += lenAbort
			s.st = simpleLine
			return n, false, ErrStreamAborted
		case codeTryAbort:
			if s.end-s.start < lenTryAbort {
				return n, false, more
			}
			s.start += lenTryAbort
			s.tryAbort = true
		default:
			return n, false, fmt.Errorf("%w: unknown code %#x", ErrProtocol, c)
		}
	}
}

// DirectBody returns how many bytes of the current chunk may be read
// straight into the caller's buffer; non-zero only when nothing is buffered.
func (s *Simple) DirectBody() int {
	if s.st != simpleBody || s.start != s.end {
		return 0
	}
	return s.chunkLeft
}

// CommitDirect records n body bytes read past the buffer and reports
// whether they completed the body.
func (s *Simple) CommitDirect(n int) bool {
	s.chunkLeft -= n
	if s.chunkLeft == 0 && s.lastChunk {
		s.st = simpleLine
		return true
	}
	return false
}
