package gapr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Aishwarya3011/gapr-sub001/internal/acceptor"
	"github.com/Aishwarya3011/gapr-sub001/internal/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port != 4443 {
		t.Errorf("Expected port 4443, got %d", cfg.Port)
	}
	if cfg.Keepalive != transport.DefaultKeepalive {
		t.Errorf("Expected keepalive %v, got %v", transport.DefaultKeepalive, cfg.Keepalive)
	}
	if !cfg.EnableH2 {
		t.Error("Expected the h2 framing to be offered")
	}
	if cfg.Logger == nil {
		t.Error("Expected a default logger")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected the defaults to validate, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mod     func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative workers", func(c *Config) { c.Workers = -1 }, true},
		{"redirect collides", func(c *Config) { c.RedirectPort = c.Port }, true},
		{"redirect elsewhere", func(c *Config) { c.RedirectPort = 8080 }, false},
		{"no certificates", func(c *Config) { c.CertDir = "" }, true},
		{"zeroed fields", func(c *Config) {
			c.Backlog = 0
			c.Keepalive = 0
			c.HandshakeTimeout = 0
			c.Logger = nil
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if err == nil {
				if cfg.Backlog != acceptor.DefaultBacklog && cfg.Backlog <= 0 {
					t.Errorf("Expected a positive backlog, got %d", cfg.Backlog)
				}
				if cfg.Keepalive == 0 || cfg.HandshakeTimeout <= 0 || cfg.Logger == nil {
					t.Error("Expected zeroed fields to be filled in")
				}
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gather.yaml")
	data := `host: 0.0.0.0
port: 5000
redirect_port: 8080
model_dir: /srv/models
accounts_file: /etc/gapr/accounts.yaml
enable_h2: false
keepalive: 30s
handshake_timeout: 2s
workers: 4
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 5000 || cfg.RedirectPort != 8080 {
		t.Errorf("Expected 0.0.0.0:5000 redirecting from 8080, got %s:%d from %d", cfg.Host, cfg.Port, cfg.RedirectPort)
	}
	if cfg.ModelDir != "/srv/models" || cfg.AccountsFile != "/etc/gapr/accounts.yaml" {
		t.Errorf("Expected the file paths, got %q %q", cfg.ModelDir, cfg.AccountsFile)
	}
	if cfg.EnableH2 {
		t.Error("Expected h2 to be disabled")
	}
	if cfg.Keepalive != 30*time.Second || cfg.HandshakeTimeout != 2*time.Second {
		t.Errorf("Expected 30s and 2s, got %v and %v", cfg.Keepalive, cfg.HandshakeTimeout)
	}
	if cfg.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Workers)
	}
	if cfg.CertDir != "certs" || cfg.Logger == nil {
		t.Error("Expected missing fields to keep their defaults")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Errorf("Expected a not-exist error, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("port: [1, 2"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected a parse error")
	}
}
