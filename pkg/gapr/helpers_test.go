package gapr

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Aishwarya3011/gapr-sub001/internal/certs"
)

const testTimeout = 10 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func testHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	return string(h)
}

// testAccounts holds alice (locked, tier 10) and bob (annotator).
func testAccounts(t *testing.T) *Accounts {
	t.Helper()
	data := fmt.Sprintf(`accounts:
  - name: alice
    password: %q
    tier: 10
    gecos: Alice Smith
  - name: bob
    password: %q
    tier: 2
    gecos: Bob
`, testHash(t, "secret"), testHash(t, "hunter2"))
	a, err := ParseAccounts([]byte(data))
	if err != nil {
		t.Fatalf("ParseAccounts failed: %v", err)
	}
	return a
}

type testServer struct {
	*Server
	pair *certs.Pair
	addr string
}

func startServer(t *testing.T, h Handler, mod func(*Config)) *testServer {
	t.Helper()
	pair, err := certs.NewPair()
	if err != nil {
		t.Fatalf("Failed to create certificates: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.TLS = pair.Server
	if mod != nil {
		mod(&cfg)
	}
	s := New(cfg).Handler(h)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return &testServer{Server: s, pair: pair, addr: s.Addrs()[0].String()}
}

func (ts *testServer) dial(t *testing.T, proto string) *Client {
	t.Helper()
	c, err := Dial(testContext(t), ts.addr, ClientOptions{TLS: ts.pair.Client, Proto: proto})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func ping() Handler {
	return HandlerFunc(func(ctx *Context) error { return ctx.OK("pong") })
}
