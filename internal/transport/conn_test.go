package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Aishwarya3011/gapr-sub001/internal/certs"
	"github.com/Aishwarya3011/gapr-sub001/internal/clock"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
)

const testTimeout = 5 * time.Second

type result[T any] struct {
	v   T
	err error
}

// await starts an operation and blocks until its completion fires.
func await[T any](t *testing.T, start func(func(T, error))) (T, error) {
	t.Helper()
	ch := make(chan result[T], 1)
	start(func(v T, err error) { ch <- result[T]{v, err} })
	select {
	case r := <-ch:
		return r.v, r.err
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for completion")
		var zero T
		return zero, nil
	}
}

func awaitErr(t *testing.T, start func(func(error))) error {
	t.Helper()
	_, err := await(t, func(done func(struct{}, error)) {
		start(func(err error) { done(struct{}{}, err) })
	})
	return err
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func listen(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- raw
	}()
	return ln, accepted
}

func accept(t *testing.T, accepted <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case raw, ok := <-accepted:
		if !ok {
			t.Fatal("Accept failed")
		}
		t.Cleanup(func() { _ = raw.Close() })
		return raw
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for accept")
		return nil
	}
}

// connPair returns an open client and server talking over loopback TLS.
func connPair(t *testing.T, proto string, mod func(cli, srv *Options)) (*Conn, *Conn) {
	t.Helper()
	p, err := certs.NewPair()
	if err != nil {
		t.Fatalf("Failed to create certificates: %v", err)
	}
	copts := Options{TLS: p.Client, Proto: proto}
	sopts := Options{TLS: p.Server, Proto: proto}
	if mod != nil {
		mod(&copts, &sopts)
	}

	ln, accepted := listen(t)
	cli := NewClient(copts)
	t.Cleanup(func() { _ = cli.Close() })
	if err := awaitErr(t, func(done func(error)) {
		cli.Connect(context.Background(), ln.Addr().String(), done)
	}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	srv := NewServer(accept(t, accepted), sopts)
	t.Cleanup(func() { _ = srv.Close() })

	srvDone := make(chan error, 1)
	srv.Handshake(func(_ frame.HeaderIn, err error) { srvDone <- err })
	seed, err := await(t, cli.Handshake)
	if err != nil {
		t.Fatalf("Client handshake failed: %v", err)
	}
	if !seed.TagIs("x") {
		t.Errorf("Expected seed tag x, got %q", seed.Tag())
	}
	select {
	case err := <-srvDone:
		if err != nil {
			t.Fatalf("Server handshake failed: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for server handshake")
	}
	return cli, srv
}

func request(tag string, args ...any) *frame.Message {
	return frame.HeaderOnly(frame.MustHeader(tag, args...))
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// readAll reads a body in bufSize pieces until it ends.
func readAll(t *testing.T, c *Conn, bufSize int) ([]byte, error) {
	t.Helper()
	var out []byte
	for {
		buf := make([]byte, bufSize)
		n, err := await(t, func(done func(int, error)) { c.ReadBody(buf, done) })
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}

func TestConn_NotConnected(t *testing.T) {
	c := NewClient(Options{})
	defer c.Close()

	if err := awaitErr(t, func(done func(error)) { c.SendRequest(request("LOGIN"), done) }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from SendRequest, got %v", err)
	}
	if _, err := await(t, c.Handshake); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from Handshake, got %v", err)
	}
	if _, err := await(t, c.ReceiveRequest); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from ReceiveRequest, got %v", err)
	}
	buf := make([]byte, 8)
	if _, err := await(t, func(done func(int, error)) { c.ReadBody(buf, done) }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from ReadBody, got %v", err)
	}
}

func TestConn_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := NewClient(Options{})
	defer c.Close()
	if err := awaitErr(t, func(done func(error)) { c.Connect(context.Background(), addr, done) }); err == nil {
		t.Fatal("Expected connect to fail")
	}
	if err := awaitErr(t, func(done func(error)) { c.Connect(context.Background(), addr, done) }); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("Expected ErrBadDescriptor after a failed connect, got %v", err)
	}
}

func TestConn_AlreadyOpen(t *testing.T) {
	cli, _ := connPair(t, frame.ProtoSimple, nil)

	if _, err := await(t, cli.Handshake); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("Expected ErrAlreadyOpen, got %v", err)
	}
	if err := awaitErr(t, func(done func(error)) { cli.Connect(context.Background(), "127.0.0.1:1", done) }); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}
	if p := cli.Proto(); p != frame.ProtoSimple {
		t.Errorf("Expected proto %s, got %s", frame.ProtoSimple, p)
	}
}

func TestConn_NoProtocolOption(t *testing.T) {
	p, err := certs.NewPair()
	if err != nil {
		t.Fatalf("Failed to create certificates: %v", err)
	}
	ln, accepted := listen(t)
	cli := NewClient(Options{TLS: p.Client})
	defer cli.Close()
	if err := awaitErr(t, func(done func(error)) { cli.Connect(context.Background(), ln.Addr().String(), done) }); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	// A plain TLS server that negotiates no application protocol.
	raw := accept(t, accepted)
	go func() { _ = tls.Server(raw, p.Server).Handshake() }()

	if _, err := await(t, cli.Handshake); !errors.Is(err, ErrNoProtocolOption) {
		t.Errorf("Expected ErrNoProtocolOption, got %v", err)
	}
	select {
	case <-cli.Done():
	case <-time.After(testTimeout):
		t.Error("Expected the connection to be closed after a failed negotiation")
	}
}

func TestConn_RequestReply(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	sent := make(chan error, 1)
	cli.SendRequest(request("LOGIN", "alice", "secret"), func(err error) { sent <- err })

	in, err := await(t, srv.ReceiveRequest)
	if err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	if !in.Header.TagIs("LOGIN") || in.Header.Args() != "alice:secret" {
		t.Errorf("Expected LOGIN alice:secret, got %s", in.Header)
	}
	if in.HasBody() {
		t.Error("Expected a header-only request")
	}
	if err := <-sent; err != nil {
		t.Errorf("Expected no send error, got %v", err)
	}

	if err := awaitErr(t, func(done func(error)) { srv.SendReply(request("OK", 10, "Alice Smith"), done) }); err != nil {
		t.Fatalf("SendReply failed: %v", err)
	}
	reply, err := await(t, cli.ReceiveReply)
	if err != nil {
		t.Fatalf("ReceiveReply failed: %v", err)
	}
	if reply.Header.String() != "OK 10:Alice Smith" {
		t.Errorf("Expected OK 10:Alice Smith, got %s", reply.Header)
	}
}

func TestConn_ExchangeErrors(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	if err := awaitErr(t, func(done func(error)) { srv.SendReply(request("OK"), done) }); !errors.Is(err, ErrNoExchange) {
		t.Errorf("Expected ErrNoExchange for a reply without request, got %v", err)
	}
	if _, err := await(t, func(done func(int, error)) { cli.WriteBody([]byte("x"), true, done) }); !errors.Is(err, ErrNoExchange) {
		t.Errorf("Expected ErrNoExchange for a body without stream, got %v", err)
	}
	if err := awaitErr(t, cli.TryAbort); !errors.Is(err, ErrNoExchange) {
		t.Errorf("Expected ErrNoExchange for try-abort without body, got %v", err)
	}

	srv.ReceiveRequest(nil)
	srv.ReceiveRequest(nil)
	if _, err := await(t, srv.ReceiveRequest); !errors.Is(err, ErrInProgress) {
		t.Errorf("Expected ErrInProgress for a third receive, got %v", err)
	}
}

func TestConn_InlineBody(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	cli.SendRequest(request("GET.MODEL", 3), nil)
	if _, err := await(t, srv.ReceiveRequest); err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	body := []byte("some small body")
	srv.SendReply(frame.WithBody(frame.MustHeader("OK"), 1, body), nil)

	in, err := await(t, cli.ReceiveReply)
	if err != nil {
		t.Fatalf("ReceiveReply failed: %v", err)
	}
	if in.Kind != frame.KindHeaderWithBody || in.Variant != 1 || in.Size != uint64(len(body)) {
		t.Errorf("Expected inline body of %d bytes with variant 1, got %s %d %d", len(body), in.Kind, in.Variant, in.Size)
	}
	got, err := readAll(t, cli, 4)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("Expected %q, got %q", body, got)
	}
}

func TestConn_StreamedReply(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)
	body := pattern(5*frame.MaxChunk + 123)

	cli.SendRequest(request("GET.MODEL", 1), nil)
	if _, err := await(t, srv.ReceiveRequest); err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	srv.SendReply(frame.WithStream(frame.MustHeader("OK"), 0, uint64(len(body))), nil)
	written := make(chan result[int], 1)
	srv.WriteBody(body, true, func(n int, err error) { written <- result[int]{n, err} })

	in, err := await(t, cli.ReceiveReply)
	if err != nil {
		t.Fatalf("ReceiveReply failed: %v", err)
	}
	if in.Kind != frame.KindHeaderWithStream || in.Size != uint64(len(body)) {
		t.Errorf("Expected a stream with size hint %d, got %s %d", len(body), in.Kind, in.Size)
	}
	got, err := readAll(t, cli, 3*frame.MaxChunk)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("Expected %d body bytes intact, got %d", len(body), len(got))
	}
	if r := <-written; r.err != nil || r.v != len(body) {
		t.Errorf("Expected %d bytes written, got %d (%v)", len(body), r.v, r.err)
	}

	// Both exchanges settled, so the connection takes the next one.
	cli.SendRequest(request("PING"), nil)
	if in, err := await(t, srv.ReceiveRequest); err != nil || !in.Header.TagIs("PING") {
		t.Errorf("Expected PING, got %s (%v)", in.Header, err)
	}
}

func TestConn_PipelinedRequests(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	cli.SendRequest(request("FIRST"), nil)
	cli.SendRequest(request("SECOND"), nil)
	if err := awaitErr(t, func(done func(error)) { cli.SendRequest(request("THIRD"), done) }); !errors.Is(err, ErrInProgress) {
		t.Errorf("Expected ErrInProgress for a third request, got %v", err)
	}

	for _, tag := range []string{"FIRST", "SECOND"} {
		in, err := await(t, srv.ReceiveRequest)
		if err != nil {
			t.Fatalf("ReceiveRequest failed: %v", err)
		}
		if !in.Header.TagIs(tag) {
			t.Fatalf("Expected %s, got %s", tag, in.Header)
		}
		srv.SendReply(request("OK", tag), nil)
		reply, err := await(t, cli.ReceiveReply)
		if err != nil {
			t.Fatalf("ReceiveReply failed: %v", err)
		}
		if reply.Header.Args() != tag {
			t.Errorf("Expected reply to %s, got %s", tag, reply.Header)
		}
	}
}

func TestConn_PeerCloseTruncates(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	cli.SendRequest(request("GET.MODEL", 2), nil)
	if _, err := await(t, srv.ReceiveRequest); err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	srv.SendReply(frame.WithStream(frame.MustHeader("OK"), 0, 0), nil)
	if _, err := await(t, func(done func(int, error)) { srv.WriteBody(pattern(1000), false, done) }); err != nil {
		t.Fatalf("WriteBody failed: %v", err)
	}
	if _, err := await(t, cli.ReceiveReply); err != nil {
		t.Fatalf("ReceiveReply failed: %v", err)
	}
	_ = srv.Close()

	got, err := readAll(t, cli, 4096)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Expected ErrTruncated, got %v", err)
	}
	if len(got) != 1000 {
		t.Errorf("Expected 1000 bytes before truncation, got %d", len(got))
	}
}

func TestConn_AbortBody(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	cli.SendRequest(frame.WithStream(frame.MustHeader("UPLOAD"), 0, 0), nil)
	if _, err := await(t, func(done func(int, error)) { cli.WriteBody(pattern(100), false, done) }); err != nil {
		t.Fatalf("WriteBody failed: %v", err)
	}
	if err := awaitErr(t, cli.AbortBody); err != nil {
		t.Fatalf("AbortBody failed: %v", err)
	}
	if _, err := await(t, srv.ReceiveRequest); err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	got, err := readAll(t, srv, 4096)
	if !errors.Is(err, ErrBodyAborted) {
		t.Errorf("Expected ErrBodyAborted, got %v", err)
	}
	if len(got) != 100 {
		t.Errorf("Expected 100 bytes before the abort, got %d", len(got))
	}

	// The request side is closed; the server still owes a reply.
	srv.SendReply(request("ERR", "aborted"), nil)
	if reply, err := await(t, cli.ReceiveReply); err != nil || !reply.Header.TagIs("ERR") {
		t.Errorf("Expected ERR reply, got %s (%v)", reply.Header, err)
	}
}

func TestConn_TryAbort(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	cli.SendRequest(request("GET.MODEL", 4), nil)
	if _, err := await(t, srv.ReceiveRequest); err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	srv.SendReply(frame.WithStream(frame.MustHeader("OK"), 0, 0), nil)

	// The server streams until it learns the client gave up.
	writerErr := make(chan error, 1)
	go func() {
		chunk := pattern(frame.MaxChunk)
		for i := 0; i < 4096; i++ {
			res := make(chan error, 1)
			srv.WriteBody(chunk, false, func(_ int, err error) { res <- err })
			if err := <-res; err != nil {
				writerErr <- err
				return
			}
		}
		writerErr <- nil
	}()

	if _, err := await(t, cli.ReceiveReply); err != nil {
		t.Fatalf("ReceiveReply failed: %v", err)
	}
	buf := make([]byte, frame.MaxChunk)
	if _, err := await(t, func(done func(int, error)) { cli.ReadBody(buf, done) }); err != nil {
		t.Fatalf("ReadBody failed: %v", err)
	}
	if err := awaitErr(t, cli.TryAbort); err != nil {
		t.Fatalf("TryAbort failed: %v", err)
	}
	if _, err := readAll(t, cli, frame.MaxChunk); !errors.Is(err, ErrBodyAborted) {
		t.Errorf("Expected ErrBodyAborted, got %v", err)
	}
	select {
	case err := <-writerErr:
		if !errors.Is(err, ErrAbortRequested) {
			t.Errorf("Expected ErrAbortRequested on the writer, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for the writer")
	}

	cli.SendRequest(request("NEXT"), nil)
	if in, err := await(t, srv.ReceiveRequest); err != nil || !in.Header.TagIs("NEXT") {
		t.Errorf("Expected NEXT after the aborted exchange, got %s (%v)", in.Header, err)
	}
}

func TestConn_Notify(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	notes := make(chan frame.HeaderIn, 1)
	cli.SetNotifyHandler(func(h frame.HeaderIn) { notes <- h })
	cli.SendRequest(request("WAIT"), nil)
	if _, err := await(t, srv.ReceiveRequest); err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	if err := awaitErr(t, func(done func(error)) { srv.Notify(frame.MustHeader("UPDATED", 7), done) }); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	srv.SendReply(request("OK"), nil)

	if reply, err := await(t, cli.ReceiveReply); err != nil || !reply.Header.TagIs("OK") {
		t.Fatalf("Expected OK, got %s (%v)", reply.Header, err)
	}
	select {
	case h := <-notes:
		if !h.Notify || !h.TagIs("UPDATED") || h.Args() != "7" {
			t.Errorf("Expected *UPDATED 7, got %s", h)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for the notification")
	}
}

func TestConn_Keepalive(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	cli, srv := connPair(t, frame.ProtoSimple, func(c, s *Options) {
		c.Clock = fc
		s.Keepalive = -1
	})

	if n := fc.Pending(); n != 1 {
		t.Fatalf("Expected one armed keepalive, got %d", n)
	}
	fc.Advance(DefaultKeepalive - time.Second)
	if n := fc.Pending(); n != 1 {
		t.Errorf("Expected the keepalive still pending, got %d", n)
	}
	fc.Advance(time.Second)
	eventually(t, "keepalive to re-arm", func() bool { return fc.Pending() == 1 })

	// The empty line is skipped by the peer.
	cli.SendRequest(request("AFTER"), nil)
	if in, err := await(t, srv.ReceiveRequest); err != nil || !in.Header.TagIs("AFTER") {
		t.Errorf("Expected AFTER, got %s (%v)", in.Header, err)
	}

	if err := awaitErr(t, cli.Shutdown); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	eventually(t, "keepalive to stop", func() bool { return fc.Pending() == 0 })
}

func TestConn_Shutdown(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	if err := awaitErr(t, cli.Shutdown); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := await(t, srv.ReceiveRequest); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after the peer shut down, got %v", err)
	}
	if err := awaitErr(t, func(done func(error)) { cli.SendRequest(request("LATE"), done) }); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("Expected ErrBadDescriptor after shutdown, got %v", err)
	}
	if err := awaitErr(t, cli.Shutdown); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("Expected ErrBadDescriptor for a second shutdown, got %v", err)
	}
}

func TestConn_Close(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoSimple, nil)

	cli.SendRequest(request("SLOW"), nil)
	if _, err := await(t, srv.ReceiveRequest); err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	pending := make(chan error, 1)
	cli.ReceiveReply(func(_ Incoming, err error) { pending <- err })

	if err := cli.Close(); err != nil {
		t.Errorf("Expected no error from Close, got %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Errorf("Expected a second Close to be a no-op, got %v", err)
	}
	select {
	case err := <-pending:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("Expected ErrAborted, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for the pending receive")
	}
	select {
	case <-cli.Done():
	case <-time.After(testTimeout):
		t.Fatal("Expected Done to close")
	}
	if err := awaitErr(t, func(done func(error)) { cli.SendRequest(request("AGAIN"), done) }); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("Expected ErrBadDescriptor after Close, got %v", err)
	}
}

func TestConn_H2Upload(t *testing.T) {
	cli, srv := connPair(t, frame.ProtoH2, nil)
	if p := srv.Proto(); p != frame.ProtoH2 {
		t.Fatalf("Expected proto %s, got %s", frame.ProtoH2, p)
	}
	body := pattern(100*1024 + 7)

	cli.SendRequest(frame.WithStream(frame.MustHeader("UPLOAD", "model"), 2, uint64(len(body))), nil)
	written := make(chan result[int], 1)
	cli.WriteBody(body, true, func(n int, err error) { written <- result[int]{n, err} })

	in, err := await(t, srv.ReceiveRequest)
	if err != nil {
		t.Fatalf("ReceiveRequest failed: %v", err)
	}
	if !in.Header.TagIs("UPLOAD") || in.Variant != 2 || in.Size != uint64(len(body)) {
		t.Errorf("Expected UPLOAD with variant 2 and size %d, got %s %d %d", len(body), in.Header, in.Variant, in.Size)
	}
	got, err := readAll(t, srv, frame.MaxChunk)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("Expected %d body bytes intact, got %d", len(body), len(got))
	}
	select {
	case r := <-written:
		if r.err != nil || r.v != len(body) {
			t.Errorf("Expected %d bytes written, got %d (%v)", len(body), r.v, r.err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for the upload to finish")
	}

	srv.SendReply(request("OK"), nil)
	if reply, err := await(t, cli.ReceiveReply); err != nil || !reply.Header.TagIs("OK") {
		t.Errorf("Expected OK, got %s (%v)", reply.Header, err)
	}
}

func TestConn_Wrap(t *testing.T) {
	p, err := certs.NewPair()
	if err != nil {
		t.Fatalf("Failed to create certificates: %v", err)
	}
	ln, accepted := listen(t)
	b, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer b.Close()
	a := accept(t, accepted)
	scfg := p.Server.Clone()
	scfg.NextProtos = []string{frame.ProtoSimple}
	ccfg := p.Client.Clone()
	ccfg.NextProtos = []string{frame.ProtoSimple}
	stc, ctc := tls.Server(a, scfg), tls.Client(b, ccfg)
	errc := make(chan error, 1)
	go func() { errc <- stc.Handshake() }()
	if err := ctc.Handshake(); err != nil {
		t.Fatalf("Client handshake failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Server handshake failed: %v", err)
	}

	srv, err := Wrap(stc, true, Options{Keepalive: -1})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	defer srv.Close()
	cli, err := Wrap(ctc, false, Options{Keepalive: -1})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	defer cli.Close()

	cli.SendRequest(request("HELLO"), nil)
	if in, err := await(t, srv.ReceiveRequest); err != nil || !in.Header.TagIs("HELLO") {
		t.Errorf("Expected HELLO, got %s (%v)", in.Header, err)
	}
}
