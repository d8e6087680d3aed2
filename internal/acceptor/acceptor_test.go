package acceptor

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

type fakeResolver map[string][]netip.Addr

var errNoSuchHost = errors.New("no such host")

func (r fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errNoSuchHost
	}
	return addrs, nil
}

func listenSync(t *testing.T, a *Acceptor) error {
	t.Helper()
	errc := make(chan error, 1)
	a.Listen(context.Background(), 0, func(err error) { errc <- err })
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Listen")
		return nil
	}
}

type accepted struct {
	conn net.Conn
	err  error
}

func acceptAsync(a *Acceptor) <-chan accepted {
	ch := make(chan accepted, 1)
	a.Accept(func(c net.Conn, err error) { ch <- accepted{c, err} })
	return ch
}

func wait(t *testing.T, ch <-chan accepted) accepted {
	t.Helper()
	select {
	case r := <-ch:
		if r.conn != nil {
			t.Cleanup(func() { _ = r.conn.Close() })
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Accept")
		return accepted{}
	}
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestListen_NoAddresses(t *testing.T) {
	a := New()
	defer a.Close()
	if err := listenSync(t, a); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListen_AllFail(t *testing.T) {
	a := New(WithResolver(fakeResolver{}))
	defer a.Close()
	_ = a.Bind("missing.test", 0)
	err := listenSync(t, a)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if !errors.Is(err, errNoSuchHost) {
		t.Errorf("Expected the resolver error to be wrapped, got %v", err)
	}
}

func TestListen_FailedHostDoesNotBlockOthers(t *testing.T) {
	r := fakeResolver{"gapr.test": {netip.MustParseAddr("127.0.0.1")}}
	a := New(WithResolver(r))
	defer a.Close()
	_ = a.Bind("missing.test", 0)
	_ = a.Bind("gapr.test", 0)
	if err := listenSync(t, a); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if n := len(a.Addrs()); n != 1 {
		t.Errorf("Expected 1 listener, got %d", n)
	}
}

func TestAccept_NoListeners(t *testing.T) {
	a := New()
	defer a.Close()
	if r := wait(t, acceptAsync(a)); !errors.Is(r.err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", r.err)
	}
}

func TestAccept_NotInline(t *testing.T) {
	a := New()
	defer a.Close()
	var returned atomic.Bool
	ch := make(chan bool, 1)
	a.Accept(func(net.Conn, error) { ch <- returned.Load() })
	returned.Store(true)
	select {
	case ok := <-ch:
		if !ok {
			t.Error("Expected the callback to run after Accept returned")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Accept")
	}
}

func TestAccept_FIFO(t *testing.T) {
	a := New()
	defer a.Close()
	_ = a.Bind("127.0.0.1", 0)
	if err := listenSync(t, a); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	addr := a.Addrs()[0]

	first := acceptAsync(a)
	second := acceptAsync(a)
	c1 := dial(t, addr)
	r1 := wait(t, first)
	if r1.err != nil {
		t.Fatalf("Expected no error, got %v", r1.err)
	}
	if r1.conn.RemoteAddr().String() != c1.LocalAddr().String() {
		t.Errorf("Expected the first peer %s, got %s", c1.LocalAddr(), r1.conn.RemoteAddr())
	}
	c2 := dial(t, addr)
	r2 := wait(t, second)
	if r2.err != nil || r2.conn.RemoteAddr().String() != c2.LocalAddr().String() {
		t.Errorf("Expected the second peer %s, got %v (%v)", c2.LocalAddr(), r2.conn, r2.err)
	}
}

func TestAccept_BuffersExtraPeers(t *testing.T) {
	a := New()
	defer a.Close()
	_ = a.Bind("127.0.0.1", 0)
	_ = a.Bind("127.0.0.1", 0)
	if err := listenSync(t, a); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	addrs := a.Addrs()
	if len(addrs) != 2 {
		t.Fatalf("Expected 2 listeners, got %d", len(addrs))
	}

	// One waiting callback keeps both listeners accepting.
	first := acceptAsync(a)
	dial(t, addrs[0])
	dial(t, addrs[1])
	if r := wait(t, first); r.err != nil {
		t.Fatalf("Expected no error, got %v", r.err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		a.mu.Lock()
		n := len(a.ready)
		a.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 buffered peer, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
	if r := wait(t, acceptAsync(a)); r.err != nil || r.conn == nil {
		t.Errorf("Expected the buffered peer, got %v (%v)", r.conn, r.err)
	}
}

func TestClose(t *testing.T) {
	a := New()
	_ = a.Bind("127.0.0.1", 0)
	if err := listenSync(t, a); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	pending := acceptAsync(a)

	if err := a.Close(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Expected a second Close to be a no-op, got %v", err)
	}
	if r := wait(t, pending); !errors.Is(r.err, ErrAborted) {
		t.Errorf("Expected ErrAborted, got %v", r.err)
	}
	if r := wait(t, acceptAsync(a)); !errors.Is(r.err, ErrAborted) {
		t.Errorf("Expected ErrAborted after Close, got %v", r.err)
	}
	if err := a.Bind("127.0.0.1", 0); !errors.Is(err, ErrAborted) {
		t.Errorf("Expected ErrAborted from Bind after Close, got %v", err)
	}
}
