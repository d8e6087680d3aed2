package frame

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// MaxHeader bounds a header line, including the optional notification
	// mark and the terminating newline.
	MaxHeader = 512
	// MaxChunk bounds one streamed body chunk.
	MaxChunk = 16 * 1024
	// RecvBufferSize is the receive buffer size. It must hold at least two
	// maximum headers for compaction to guarantee progress.
	RecvBufferSize = 16 * 1024
)

// Header errors.
var (
	ErrHeaderTooLong = errors.New("frame: header too long")
	ErrBadTag        = errors.New("frame: malformed tag")
	ErrBadArgs       = errors.New("frame: args contain line terminator")
)

// Header is an outgoing message header: a tag, then optionally one space
// and the args.
type Header struct {
	line   []byte
	tagLen int
}

// NewHeader formats tag and args. The first argument follows a space, the
// others a colon: NewHeader("COMMIT", 3, 10, 12) is "COMMIT 3:10:12".
// Strings, byte slices, integers, booleans and fmt.Stringer values are
// formatted directly; anything else through fmt.
func NewHeader(tag string, args ...any) (Header, error) {
	if err := checkTag([]byte(tag)); err != nil {
		return Header{}, err
	}
	line := make([]byte, 0, len(tag)+16)
	line = append(line, tag...)
	for i, a := range args {
		if i == 0 {
			line = append(line, ' ')
		} else {
			line = append(line, ':')
		}
		line = appendArg(line, a)
	}
	h := Header{line: line, tagLen: len(tag)}
	if err := h.check(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// NewHeaderRaw builds a header from a tag and pre-formatted args.
func NewHeaderRaw(tag, args string) (Header, error) {
	if err := checkTag([]byte(tag)); err != nil {
		return Header{}, err
	}
	line := make([]byte, 0, len(tag)+1+len(args))
	line = append(line, tag...)
	if args != "" {
		line = append(line, ' ')
		line = append(line, args...)
	}
	h := Header{line: line, tagLen: len(tag)}
	if err := h.check(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// MustHeader is NewHeader for headers known to be valid; it panics otherwise.
func MustHeader(tag string, args ...any) Header {
	h, err := NewHeader(tag, args...)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Header) check() error {
	for _, c := range h.line[h.tagLen:] {
		if c == '\n' {
			return ErrBadArgs
		}
	}
	// one byte for a notification mark, one for the newline
	if len(h.line)+2 > MaxHeader {
		return fmt.Errorf("%w: %d bytes", ErrHeaderTooLong, len(h.line))
	}
	return nil
}

func appendArg(dst []byte, a any) []byte {
	switch v := a.(type) {
	case string:
		return append(dst, v...)
	case []byte:
		return append(dst, v...)
	case int:
		return strconv.AppendInt(dst, int64(v), 10)
	case int8:
		return strconv.AppendInt(dst, int64(v), 10)
	case int16:
		return strconv.AppendInt(dst, int64(v), 10)
	case int32:
		return strconv.AppendInt(dst, int64(v), 10)
	case int64:
		return strconv.AppendInt(dst, v, 10)
	case uint:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint8:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint16:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(dst, v, 10)
	case bool:
		return strconv.AppendBool(dst, v)
	case fmt.Stringer:
		return append(dst, v.String()...)
	default:
		return fmt.Append(dst, v)
	}
}

// Tag returns the verb.
func (h Header) Tag() string { return string(h.line[:h.tagLen]) }

// Args returns the argument text.
func (h Header) Args() string {
	if len(h.line) <= h.tagLen {
		return ""
	}
	return string(h.line[h.tagLen+1:])
}

// Line returns the formatted line without terminator.
func (h Header) Line() []byte { return h.line }

// IsZero reports whether h was never initialised.
func (h Header) IsZero() bool { return h.line == nil }

func (h Header) String() string { return string(h.line) }

// HeaderIn is a received header.
type HeaderIn struct {
	Notify bool
	tag    string
	args   string
}

// Tag returns the verb.
func (h HeaderIn) Tag() string { return h.tag }

// Args returns the argument text.
func (h HeaderIn) Args() string { return h.args }

// TagIs reports whether the verb equals tag.
func (h HeaderIn) TagIs(tag string) bool { return h.tag == tag }

func (h HeaderIn) String() string {
	s := h.tag
	if h.args != "" {
		s += " " + h.args
	}
	if h.Notify {
		s = "*" + s
	}
	return s
}

// ParseLine parses a header line without its terminator. A leading '*'
// marks a notification. Exactly one separator byte (space or tab) between
// tag and args is consumed, so args round-trip unchanged.
func ParseLine(line []byte) (HeaderIn, error) {
	var h HeaderIn
	if len(line) > 0 && line[0] == '*' {
		h.Notify = true
		line = line[1:]
	}
	n := tagLen(line)
	if err := checkTag(line[:n]); err != nil {
		return HeaderIn{}, err
	}
	h.tag = string(line[:n])
	if n == len(line) {
		return h, nil
	}
	if line[n] != ' ' && line[n] != '\t' {
		return HeaderIn{}, fmt.Errorf("%w: %q", ErrBadTag, line)
	}
	h.args = string(line[n+1:])
	return h, nil
}

// NewHeaderIn builds a received header from already separated parts, as
// carried by the field-based framing.
func NewHeaderIn(tag, args string, notify bool) (HeaderIn, error) {
	if err := checkTag([]byte(tag)); err != nil {
		return HeaderIn{}, err
	}
	return HeaderIn{Notify: notify, tag: tag, args: args}, nil
}

func tagLen(b []byte) int {
	for i, c := range b {
		if c == ' ' || c == '\t' {
			return i
		}
	}
	return len(b)
}

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// checkTag accepts a letter followed by letters, digits and single dots,
// not ending in a dot.
func checkTag(tag []byte) error {
	if len(tag) == 0 || !isAlpha(tag[0]) {
		return fmt.Errorf("%w: %q", ErrBadTag, tag)
	}
	dot := false
	for _, c := range tag[1:] {
		switch {
		case c == '.':
			if dot {
				return fmt.Errorf("%w: %q", ErrBadTag, tag)
			}
			dot = true
		case isAlpha(c) || isDigit(c):
			dot = false
		default:
			return fmt.Errorf("%w: %q", ErrBadTag, tag)
		}
	}
	if dot {
		return fmt.Errorf("%w: %q", ErrBadTag, tag)
	}
	return nil
}
