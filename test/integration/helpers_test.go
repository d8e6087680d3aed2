package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Aishwarya3011/gapr-sub001/internal/certs"
	"github.com/Aishwarya3011/gapr-sub001/pkg/gapr"
)

const testTimeout = 10 * time.Second

type gather struct {
	server   *gapr.Server
	pair     *certs.Pair
	addr     string
	modelDir string
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func writeAccounts(t *testing.T) string {
	t.Helper()
	hash := func(pw string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("Failed to hash password: %v", err)
		}
		return string(h)
	}
	data := fmt.Sprintf(`accounts:
  - name: alice
    password: %q
    tier: 10
    gecos: Alice Smith
  - name: bob
    password: %q
    tier: 2
    gecos: Bob
`, hash("secret"), hash("hunter2"))
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

// startGather runs a server wired the way gapr-gather wires it. extra
// registers additional verbs.
func startGather(t *testing.T, mod func(*gapr.Config), extra func(*gapr.Mux)) *gather {
	t.Helper()
	pair, err := certs.NewPair()
	if err != nil {
		t.Fatalf("Failed to create certificates: %v", err)
	}
	cfg := gapr.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.TLS = pair.Server
	cfg.ModelDir = t.TempDir()
	cfg.AccountsFile = writeAccounts(t)
	if mod != nil {
		mod(&cfg)
	}
	accounts, err := gapr.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		t.Fatalf("LoadAccounts failed: %v", err)
	}
	mux := gapr.NewMux()
	mux.Use(gapr.Recovery(), gapr.RequestID(), gapr.Logger(), gapr.Prometheus())
	gapr.Routes(mux, accounts, cfg.ModelDir)
	if extra != nil {
		extra(mux)
	}

	server := gapr.New(cfg).Handler(mux)
	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return &gather{server: server, pair: pair, addr: server.Addrs()[0].String(), modelDir: cfg.ModelDir}
}

func (g *gather) dial(t *testing.T, proto string) *gapr.Client {
	t.Helper()
	c, err := gapr.Dial(testContext(t), g.addr, gapr.ClientOptions{TLS: g.pair.Client, Proto: proto})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (g *gather) writeModel(t *testing.T, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(g.modelDir, name), data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func pattern(n, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + seed)
	}
	return b
}
