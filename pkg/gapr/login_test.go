package gapr

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestParseAccounts(t *testing.T) {
	a := testAccounts(t)
	if a.Len() != 2 {
		t.Fatalf("Expected 2 accounts, got %d", a.Len())
	}
	acct, ok := a.Verify("alice", "secret")
	if !ok {
		t.Fatal("Expected alice to verify")
	}
	if acct.Tier != TierLocked || acct.Gecos != "Alice Smith" {
		t.Errorf("Expected tier 10 Alice Smith, got %d %q", acct.Tier, acct.Gecos)
	}
	if _, ok := a.Verify("alice", "Secret"); ok {
		t.Error("Expected a wrong password to fail")
	}
	if _, ok := a.Verify("nobody", "secret"); ok {
		t.Error("Expected an unknown user to fail")
	}
}

func TestParseAccounts_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty name":   "accounts:\n  - name: \"\"\n",
		"colon":        "accounts:\n  - name: a:b\n",
		"space":        "accounts:\n  - name: \"a b\"\n",
		"duplicate":    "accounts:\n  - name: a\n  - name: a\n",
		"syntax error": "accounts: [",
	}
	for name, data := range tests {
		if _, err := ParseAccounts([]byte(data)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestLoadAccountsAndReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	data := "accounts:\n  - name: carol\n    password: \"" + testHash(t, "pw1") + "\"\n    tier: 1\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	loaded, err := LoadAccounts(path)
	if err != nil {
		t.Fatalf("LoadAccounts failed: %v", err)
	}

	a := testAccounts(t)
	a.Replace(loaded)
	if a.Len() != 1 {
		t.Errorf("Expected 1 account after Replace, got %d", a.Len())
	}
	if _, ok := a.Verify("alice", "secret"); ok {
		t.Error("Expected alice to be gone")
	}
	if acct, ok := a.Verify("carol", "pw1"); !ok || acct.Tier != TierAdmin {
		t.Errorf("Expected carol as admin, got %v %d", ok, acct.Tier)
	}
	if _, err := LoadAccounts(filepath.Join(t.TempDir(), "none")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword("ab"); err == nil {
		t.Error("Expected a short password to be rejected")
	}
	h, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte("hunter2")); err != nil {
		t.Errorf("Expected the hash to match, got %v", err)
	}
}

func TestLogin_SessionState(t *testing.T) {
	var seen *Session
	m := NewMux()
	Routes(m, testAccounts(t), t.TempDir())
	m.HandleFunc("WHOAMI", func(ctx *Context) error {
		seen = ctx.Session()
		return ctx.OK(ctx.Session().User)
	})
	ts := startServer(t, m, nil)
	c := ts.dial(t, "")
	ctx := testContext(t)

	r, err := c.Do(ctx, "WHOAMI")
	expectReply(t, r, err, "OK", "")
	if _, _, err := c.Login(ctx, "bob", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	r, err = c.Do(ctx, "WHOAMI")
	expectReply(t, r, err, "OK", "bob")
	if seen.Tier != TierAnnotator || seen.Gecos != "Bob" || seen.Proto == "" {
		t.Errorf("Expected bob's session, got %+v", seen)
	}

	// a failed login keeps the previous identity
	r, err = c.Do(ctx, "LOGIN", "alice:nope")
	expectReply(t, r, err, "NO", "Authentication failure.")
	r, err = c.Do(ctx, "WHOAMI")
	expectReply(t, r, err, "OK", "bob")
}
