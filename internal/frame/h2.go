package frame

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Settings pinned by the h2 framing: one stream at a time, fixed window and
// frame sizes, no push.
const (
	h2MaxFrameSize      = 32 * 1024
	h2InitialWindowSize = 32 * 1024
	h2DefaultWindow     = 65535
	h2FrameHeaderLen    = 9
	h2RecvBufferSize    = 2 * (h2FrameHeaderLen + h2MaxFrameSize)
)

// Header field names.
const (
	fieldTag      = "tag"
	fieldArgs     = "args"
	fieldBody     = "body"
	fieldNotify   = "notify"
	fieldVariant  = "variant"
	fieldSizeHint = "size-hint"
)

// H2Settings returns the four settings both ends advertise.
func H2Settings() []http2.Setting {
	return []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingMaxConcurrentStreams, Val: 1},
		{ID: http2.SettingInitialWindowSize, Val: h2InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: h2MaxFrameSize},
	}
}

// appendWriter collects one framer write into a caller's slice.
type appendWriter struct {
	dst []byte
}

func (w *appendWriter) Write(p []byte) (int, error) {
	w.dst = append(w.dst, p...)
	return len(p), nil
}

type h2State uint8

const (
	h2Idle h2State = iota
	h2Cont         // collecting CONTINUATION frames
	h2Body
)

// H2 carries messages over HTTP/2 frames. Each exchange is one stream; the
// header travels as HPACK fields and streamed bodies as DATA frames subject
// to the peer's flow-control window.
type H2 struct {
	client bool
	fr     *http2.Framer
	out    appendWriter
	src    bytes.Reader
	enc    *fieldEncoder
	dec    *hpack.Decoder

	buf         []byte
	start, end  int
	prefaceLeft int

	st          h2State
	block       []byte
	blockStream uint32
	blockEnd    bool
	recvStream  uint32
	pending     []byte
	pendingOff  int
	bodyEOF     bool
	unacked     int
	outbound    []byte
	tryAbort    bool

	nextStream     uint32
	sendStream     uint32
	peerInitWindow int64
	peerMaxFrame   uint32
	connWindow     int64
	streamWindow   int64
}

// NewH2 returns an h2 codec. Clients open odd-numbered streams; servers
// reply on the request's stream and send notifications on even streams.
// Both ends advertise the same initial window, so the sender assumes it
// before the peer's settings arrive.
func NewH2(client bool) *H2 {
	c := &H2{
		client:         client,
		enc:            newFieldEncoder(),
		dec:            hpack.NewDecoder(4096, nil),
		buf:            make([]byte, h2RecvBufferSize),
		peerInitWindow: h2InitialWindowSize,
		peerMaxFrame:   16384,
		connWindow:     h2DefaultWindow,
		streamWindow:   h2InitialWindowSize,
	}
	c.fr = http2.NewFramer(&c.out, &c.src)
	c.fr.SetMaxReadFrameSize(h2MaxFrameSize)
	if client {
		c.nextStream = 1
	} else {
		c.nextStream = 2
		c.prefaceLeft = len(http2.ClientPreface)
	}
	return c
}

// Proto returns ProtoH2.
func (c *H2) Proto() string { return ProtoH2 }

func (c *H2) begin(dst []byte) { c.out.dst = dst }

func (c *H2) finish() []byte {
	dst := c.out.dst
	c.out.dst = nil
	return dst
}

// Preface returns the client connection preface (client only) followed by
// the settings frame.
func (c *H2) Preface() []byte {
	var dst []byte
	if c.client {
		dst = append(dst, http2.ClientPreface...)
	}
	c.begin(dst)
	_ = c.fr.WriteSettings(H2Settings()...)
	return c.finish()
}

// Keepalive returns a PING frame.
func (c *H2) Keepalive() []byte {
	c.begin(nil)
	_ = c.fr.WritePing(false, [8]byte{})
	return c.finish()
}

// AppendMessage appends a HEADERS frame, plus CONTINUATION frames when the
// encoded block exceeds the peer's frame size.
func (c *H2) AppendMessage(dst []byte, m *Message) ([]byte, error) {
	var id uint32
	switch {
	case c.client || m.Notify:
		id = c.nextStream
		c.nextStream += 2
	default:
		id = c.recvStream
		if id == 0 {
			return nil, fmt.Errorf("%w: reply without request stream", ErrProtocol)
		}
	}
	if !m.Notify {
		c.sendStream = id
		c.streamWindow = c.peerInitWindow
	}

	fields := make([]hpack.HeaderField, 0, 6)
	fields = append(fields, hpack.HeaderField{Name: fieldTag, Value: m.Header.Tag()})
	if args := m.Header.Args(); args != "" {
		fields = append(fields, hpack.HeaderField{Name: fieldArgs, Value: args})
	}
	if m.Notify {
		fields = append(fields, hpack.HeaderField{Name: fieldNotify, Value: "1"})
	}
	if m.Variant != 0 {
		fields = append(fields, hpack.HeaderField{Name: fieldVariant, Value: strconv.FormatUint(uint64(m.Variant), 10)})
	}
	endStream := true
	switch m.Kind {
	case KindHeaderOnly:
	case KindHeaderWithBody:
		if len(m.Body) > MaxInlineBody {
			return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(m.Body))
		}
		fields = append(fields, hpack.HeaderField{Name: fieldBody, Value: string(m.Body), Sensitive: true})
	case KindHeaderWithStream:
		endStream = false
		if m.SizeHint != 0 {
			fields = append(fields, hpack.HeaderField{Name: fieldSizeHint, Value: strconv.FormatUint(m.SizeHint, 10)})
		}
	default:
		return nil, fmt.Errorf("frame: %v is not a message kind", m.Kind)
	}

	block, err := c.enc.Encode(fields)
	if err != nil {
		return nil, err
	}
	c.begin(dst)
	if err := c.writeHeaders(id, endStream, block); err != nil {
		return nil, err
	}
	return c.finish(), nil
}

func (c *H2) writeHeaders(id uint32, endStream bool, block []byte) error {
	maxFrame := int(c.peerMaxFrame)
	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > maxFrame {
			frag = frag[:maxFrame]
		}
		block = block[len(frag):]
		end := len(block) == 0
		var err error
		if first {
			err = c.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    end,
			})
			first = false
		} else {
			err = c.fr.WriteContinuation(id, end, frag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// AppendChunk appends a DATA frame and charges it to the send windows.
func (c *H2) AppendChunk(dst, data []byte, eof bool) []byte {
	c.begin(dst)
	_ = c.fr.WriteData(c.sendStream, eof, data)
	c.connWindow -= int64(len(data))
	c.streamWindow -= int64(len(data))
	return c.finish()
}

// AppendControl maps abort and try-abort to RST_STREAM on the sending and
// receiving stream respectively, and end-of-message to an empty final DATA frame.
func (c *H2) AppendControl(dst []byte, k Kind) []byte {
	c.begin(dst)
	switch k {
	case KindAbort:
		_ = c.fr.WriteRSTStream(c.sendStream, http2.ErrCodeCancel)
	case KindTryAbort:
		_ = c.fr.WriteRSTStream(c.recvStream, http2.ErrCodeCancel)
	case KindEnd:
		_ = c.fr.WriteData(c.sendStream, true, nil)
	}
	return c.finish()
}

// SendWindow returns the smaller of the connection and stream windows.
func (c *H2) SendWindow() int {
	w := min(c.connWindow, c.streamWindow)
	if w < 0 {
		return 0
	}
	return int(w)
}

// Outbound drains queued acknowledgements and window updates.
func (c *H2) Outbound() []byte {
	out := c.outbound
	c.outbound = nil
	return out
}

// Space returns the writable tail of the receive buffer, compacting when
// less than one maximum frame fits past the parse position.
func (c *H2) Space() []byte {
	if c.start == c.end {
		c.start, c.end = 0, 0
	} else if len(c.buf)-c.start < h2FrameHeaderLen+h2MaxFrameSize {
		n := copy(c.buf, c.buf[c.start:c.end])
		c.start, c.end = 0, n
	}
	return c.buf[c.end:]
}

// Commit records n bytes read into Space.
func (c *H2) Commit(n int) { c.end += n }

// Buffered returns the number of unparsed bytes.
func (c *H2) Buffered() int { return c.end - c.start }

// InBody reports whether a body is open.
func (c *H2) InBody() bool { return c.st == h2Body }

// PeerTryAbort reports, once, that the peer reset the stream we send on.
func (c *H2) PeerTryAbort() bool {
	t := c.tryAbort
	c.tryAbort = false
	return t
}

// DirectBody is always zero: DATA payloads pass through the framer.
func (c *H2) DirectBody() int { return 0 }

// CommitDirect is never used by the h2 codec.
func (c *H2) CommitDirect(int) bool { return false }

func (c *H2) readFrame() (http2.Frame, error) {
	if c.prefaceLeft > 0 {
		p := http2.ClientPreface[len(http2.ClientPreface)-c.prefaceLeft:]
		avail := c.buf[c.start:c.end]
		n := min(len(avail), len(p))
		if string(avail[:n]) != p[:n] {
			return nil, fmt.Errorf("%w: bad client preface", ErrProtocol)
		}
		c.start += n
		c.prefaceLeft -= n
		if c.prefaceLeft > 0 {
			return nil, ErrNeedMore
		}
	}
	avail := c.buf[c.start:c.end]
	if len(avail) < h2FrameHeaderLen {
		return nil, ErrNeedMore
	}
	length := int(avail[0])<<16 | int(avail[1])<<8 | int(avail[2])
	if length > h2MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocol, length)
	}
	if len(avail) < h2FrameHeaderLen+length {
		return nil, ErrNeedMore
	}
	c.src.Reset(avail[:h2FrameHeaderLen+length])
	c.start += h2FrameHeaderLen + length
	f, err := c.fr.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return f, nil
}

// control handles connection-level frames. It reports whether f was one.
func (c *H2) control(f http2.Frame) (bool, error) {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return true, nil
		}
		err := f.ForeachSetting(func(s http2.Setting) error {
			switch s.ID {
			case http2.SettingInitialWindowSize:
				c.streamWindow += int64(s.Val) - c.peerInitWindow
				c.peerInitWindow = int64(s.Val)
			case http2.SettingMaxFrameSize:
				c.peerMaxFrame = s.Val
			}
			return nil
		})
		if err != nil {
			return true, err
		}
		c.begin(c.outbound)
		_ = c.fr.WriteSettingsAck()
		c.outbound = c.finish()
		return true, nil
	case *http2.PingFrame:
		if !f.IsAck() {
			c.begin(c.outbound)
			_ = c.fr.WritePing(true, f.Data)
			c.outbound = c.finish()
		}
		return true, nil
	case *http2.WindowUpdateFrame:
		if f.StreamID == 0 {
			c.connWindow += int64(f.Increment)
		} else if f.StreamID == c.sendStream {
			c.streamWindow += int64(f.Increment)
		}
		return true, nil
	case *http2.RSTStreamFrame:
		if f.StreamID == c.sendStream && f.StreamID != c.recvStream {
			c.tryAbort = true
			return true, nil
		}
		if c.st != h2Body || f.StreamID != c.recvStream {
			if f.StreamID == c.sendStream {
				c.tryAbort = true
			}
			return true, nil
		}
		return false, nil
	case *http2.GoAwayFrame:
		return true, fmt.Errorf("%w: peer sent GOAWAY (%v)", ErrProtocol, f.ErrCode)
	case *http2.PriorityFrame:
		return true, nil
	}
	return false, nil
}

// Next decodes the next message header.
func (c *H2) Next() (Frame, error) {
	if c.st == h2Body {
		return Frame{}, errBodyOpen
	}
	for {
		f, err := c.readFrame()
		if err != nil {
			return Frame{}, err
		}
		if wu, ok := f.(*http2.WindowUpdateFrame); ok {
			if _, err := c.control(f); err != nil {
				return Frame{}, err
			}
			return Frame{Kind: KindWindowUpdate, Increment: wu.Increment}, nil
		}
		if ok, err := c.control(f); ok || err != nil {
			if err != nil {
				return Frame{}, err
			}
			continue
		}
		switch f := f.(type) {
		case *http2.HeadersFrame:
			if c.st != h2Idle {
				return Frame{}, fmt.Errorf("%w: HEADERS inside header block", ErrProtocol)
			}
			c.block = append(c.block[:0], f.HeaderBlockFragment()...)
			c.blockStream = f.StreamID
			c.blockEnd = f.StreamEnded()
			if !f.HeadersEnded() {
				c.st = h2Cont
				continue
			}
			return c.finishHeaders()
		case *http2.ContinuationFrame:
			if c.st != h2Cont || f.StreamID != c.blockStream {
				return Frame{}, fmt.Errorf("%w: unexpected CONTINUATION", ErrProtocol)
			}
			c.block = append(c.block, f.HeaderBlockFragment()...)
			if !f.HeadersEnded() {
				continue
			}
			c.st = h2Idle
			return c.finishHeaders()
		case *http2.DataFrame:
			return Frame{}, fmt.Errorf("%w: DATA outside body", ErrProtocol)
		case *http2.RSTStreamFrame:
			continue
		default:
			return Frame{}, fmt.Errorf("%w: unexpected %v frame", ErrProtocol, f.Header().Type)
		}
	}
}

func (c *H2) finishHeaders() (Frame, error) {
	fields, err := c.dec.DecodeFull(c.block)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	var (
		tag, args, sizeHint, variant string
		body                         []byte
		hasBody, notify              bool
	)
	for _, hf := range fields {
		switch hf.Name {
		case fieldTag:
			tag = hf.Value
		case fieldArgs:
			args = hf.Value
		case fieldBody:
			body = []byte(hf.Value)
			hasBody = true
		case fieldNotify:
			notify = hf.Value == "1"
		case fieldVariant:
			variant = hf.Value
		case fieldSizeHint:
			sizeHint = hf.Value
		}
	}
	hdr, err := NewHeaderIn(tag, args, notify)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	f := Frame{Header: hdr}
	if variant != "" {
		v, err := strconv.ParseUint(variant, 10, 16)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: bad variant %q", ErrProtocol, variant)
		}
		f.Variant = uint16(v)
	}
	if !notify {
		c.recvStream = c.blockStream
	}
	switch {
	case !c.blockEnd:
		f.Kind = KindHeaderWithStream
		if sizeHint != "" {
			f.Size, err = strconv.ParseUint(sizeHint, 10, 64)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: bad size hint %q", ErrProtocol, sizeHint)
			}
		}
		c.pending, c.pendingOff, c.bodyEOF = c.pending[:0], 0, false
		c.st = h2Body
	case hasBody:
		f.Kind = KindHeaderWithBody
		f.Size = uint64(len(body))
		c.pending, c.pendingOff, c.bodyEOF = body, 0, true
		c.st = h2Body
	default:
		f.Kind = KindHeaderOnly
	}
	return f, nil
}

// consumed acknowledges body bytes handed to the reader once a chunk's
// worth has accumulated, or at the end of the body.
func (c *H2) consumed(n int, final bool) {
	c.unacked += n
	if c.unacked == 0 || (c.unacked < MaxChunk && !final) {
		return
	}
	c.begin(c.outbound)
	_ = c.fr.WriteWindowUpdate(0, uint32(c.unacked))
	if !final {
		_ = c.fr.WriteWindowUpdate(c.recvStream, uint32(c.unacked))
	}
	c.outbound = c.finish()
	c.unacked = 0
}

// ReadBody copies body bytes into dst, pulling DATA frames as needed.
func (c *H2) ReadBody(dst []byte) (int, bool, error) {
	if c.st != h2Body {
		return 0, false, fmt.Errorf("%w: no body open", ErrProtocol)
	}
	n := 0
	for {
		if c.pendingOff < len(c.pending) {
			k := copy(dst[n:], c.pending[c.pendingOff:])
			c.pendingOff += k
			n += k
			if c.pendingOff < len(c.pending) {
				return n, false, nil
			}
		}
		if c.bodyEOF {
			c.st = h2Idle
			c.consumed(0, true)
			return n, true, nil
		}
		if n == len(dst) {
			return n, false, nil
		}
		f, err := c.readFrame()
		if err != nil {
			return n, false, err
		}
		if ok, err := c.control(f); ok || err != nil {
			if err != nil {
				return n, false, err
			}
			continue
		}
		switch f := f.(type) {
		case *http2.DataFrame:
			if f.StreamID != c.recvStream {
				return n, false, fmt.Errorf("%w: DATA on stream %d", ErrProtocol, f.StreamID)
			}
			c.pending = append(c.pending[:0], f.Data()...)
			c.pendingOff = 0
			c.bodyEOF = f.StreamEnded()
			c.consumed(int(f.Length), false)
		case *http2.RSTStreamFrame:
			c.st = h2Idle
			return n, false, ErrStreamAborted
		default:
			return n, false, fmt.Errorf("%w: unexpected %v frame inside body", ErrProtocol, f.Header().Type)
		}
	}
}

// fieldEncoder encodes header fields with a connection-scoped HPACK table.
type fieldEncoder struct {
	encoder *hpack.Encoder
	buf     *bytes.Buffer
}

func newFieldEncoder() *fieldEncoder {
	buf := new(bytes.Buffer)
	return &fieldEncoder{encoder: hpack.NewEncoder(buf), buf: buf}
}

// Encode returns a copy of the encoded block.
func (e *fieldEncoder) Encode(fields []hpack.HeaderField) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if err := e.encoder.WriteField(f); err != nil {
			return nil, err
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}
