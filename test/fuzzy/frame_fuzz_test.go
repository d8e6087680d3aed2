package fuzzy

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
)

// FuzzParseLine checks that header parsing never panics and that every
// accepted line survives a rebuild.
func FuzzParseLine(f *testing.F) {
	f.Add([]byte("LOGIN alice:secret"))
	f.Add([]byte("*NOTIFY 1:2"))
	f.Add([]byte("GET.MODEL cube:1"))
	f.Add([]byte("OK"))
	f.Add([]byte("OK\t"))
	f.Add([]byte("a..b"))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, line []byte) {
		h, err := frame.ParseLine(line)
		if err != nil {
			return
		}
		if h.Notify != (line[0] == '*') {
			t.Errorf("Expected notify %v for %q", line[0] == '*', line)
		}
		rebuilt, err := frame.NewHeaderRaw(h.Tag(), h.Args())
		if err != nil {
			// accepted lines may be longer than we are allowed to send
			if errors.Is(err, frame.ErrHeaderTooLong) || errors.Is(err, frame.ErrBadArgs) {
				return
			}
			t.Fatalf("Rebuilding %q failed: %v", line, err)
		}
		again, err := frame.ParseLine(rebuilt.Line())
		if err != nil {
			t.Fatalf("Reparsing %q failed: %v", rebuilt.Line(), err)
		}
		if again.Tag() != h.Tag() || again.Args() != h.Args() {
			t.Errorf("Expected %q %q, got %q %q", h.Tag(), h.Args(), again.Tag(), again.Args())
		}
	})
}

// drive feeds data into d and decodes until it stalls or fails.
func drive(t *testing.T, d frame.Decoder, data []byte) {
	t.Helper()
	buf := make([]byte, 777)
	for steps := 0; steps < 10000; steps++ {
		if len(data) > 0 {
			n := copy(d.Space(), data)
			d.Commit(n)
			data = data[n:]
		}
		var err error
		if d.InBody() {
			_, _, err = d.ReadBody(buf)
		} else {
			_, err = d.Next()
		}
		if errors.Is(err, frame.ErrNeedMore) {
			if len(data) == 0 {
				return
			}
			continue
		}
		if err != nil {
			return
		}
	}
}

// FuzzSimpleDecoder feeds arbitrary bytes to the line codec.
func FuzzSimpleDecoder(f *testing.F) {
	enc := frame.NewSimple()
	seed, _ := enc.AppendMessage(nil, frame.WithBody(frame.MustHeader("PUT", "x"), 0, []byte("body")))
	f.Add(seed)
	seed, _ = enc.AppendMessage(nil, frame.WithStream(frame.MustHeader("OK"), 1, 10))
	seed = enc.AppendChunk(seed, []byte("0123456789"), true)
	f.Add(seed)
	f.Add([]byte("\n\n\nPING\n"))
	f.Add([]byte{0xd0, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		drive(t, frame.NewSimple(), data)
	})
}

// FuzzH2Decoder feeds arbitrary bytes to the HTTP/2-style codec.
func FuzzH2Decoder(f *testing.F) {
	cli := frame.NewH2(true)
	seed := cli.Preface()
	seed, _ = cli.AppendMessage(seed, frame.HeaderOnly(frame.MustHeader("LOGIN", "a:b")))
	f.Add(seed)
	f.Add([]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		drive(t, frame.NewH2(false), data)
	})
}

// FuzzSimpleRoundTrip encodes a message with a fuzzed header and body and
// decodes it again.
func FuzzSimpleRoundTrip(f *testing.F) {
	f.Add("LOGIN", "alice:secret", []byte(nil), uint16(0))
	f.Add("PUT.MODEL", "cube", []byte("some body"), uint16(1))
	f.Add("X", "", bytes.Repeat([]byte{0x80}, 300), uint16(7))

	f.Fuzz(func(t *testing.T, tag, args string, body []byte, variant uint16) {
		hdr, err := frame.NewHeaderRaw(tag, args)
		if err != nil {
			return
		}
		if len(body) > frame.MaxInlineBody {
			return
		}
		msg := frame.HeaderOnly(hdr)
		if len(body) > 0 {
			msg = frame.WithBody(hdr, variant, body)
		}
		wire, err := frame.NewSimple().AppendMessage(nil, msg)
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}

		d := frame.NewSimple()
		n := copy(d.Space(), wire)
		d.Commit(n)
		if n < len(wire) {
			return
		}
		fr, err := d.Next()
		if err != nil {
			t.Fatalf("Next failed on %q: %v", wire, err)
		}
		if fr.Header.Tag() != tag || fr.Header.Args() != args {
			t.Errorf("Expected %q %q, got %q %q", tag, args, fr.Header.Tag(), fr.Header.Args())
		}
		if len(body) == 0 {
			if fr.Kind != frame.KindHeaderOnly {
				t.Errorf("Expected header-only, got %s", fr.Kind)
			}
			return
		}
		if fr.Kind != frame.KindHeaderWithBody || fr.Variant != variant {
			t.Fatalf("Expected header-with-body variant %d, got %s variant %d", variant, fr.Kind, fr.Variant)
		}
		got := make([]byte, len(body)+1)
		m, eof, err := d.ReadBody(got)
		if err != nil || !eof {
			t.Fatalf("Expected the whole body, got eof=%v err=%v", eof, err)
		}
		if !bytes.Equal(got[:m], body) {
			t.Errorf("Expected body %q, got %q", body, got[:m])
		}
	})
}
