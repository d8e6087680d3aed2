// Package gapr is the collaborator side of the transport: a server that
// accepts TLS connections, runs one session per gapr connection and
// dispatches requests to handlers, and a client that drives the same
// exchanges from ordinary Go code.
package gapr

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Aishwarya3011/gapr-sub001/internal/acceptor"
	"github.com/Aishwarya3011/gapr-sub001/internal/transport"
)

// Config holds the server configuration.
type Config struct {
	Host             string        `yaml:"host"`              // Address or hostname to bind to; empty for all IPv4 interfaces
	Port             uint16        `yaml:"port"`              // TLS port
	RedirectPort     uint16        `yaml:"redirect_port"`     // Plaintext HTTP redirector port; 0 disables it
	Backlog          int           `yaml:"backlog"`           // Listen backlog
	CertDir          string        `yaml:"cert_dir"`          // Holds cert.pem and key.pem, created on first start
	CertHosts        []string      `yaml:"cert_hosts"`        // Names put into a generated certificate
	ModelDir         string        `yaml:"model_dir"`         // Files served by GET.MODEL
	AccountsFile     string        `yaml:"accounts_file"`     // YAML account list for LOGIN
	EnableH2         bool          `yaml:"enable_h2"`         // Offer the HTTP/2-style framing as well
	Keepalive        time.Duration `yaml:"keepalive"`         // Idle write interval
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // Bound on the TLS handshake of accepted peers
	Workers          int           `yaml:"workers"`           // Worker pool size; 0 shares the default pool

	TLS         *tls.Config  `yaml:"-"` // Overrides CertDir when set
	HTTPHandler http.Handler `yaml:"-"` // Serves peers that negotiated http/1.1; /metrics if nil
	Logger      *zap.Logger  `yaml:"-"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Port:             4443,
		Backlog:          acceptor.DefaultBacklog,
		CertDir:          "certs",
		CertHosts:        []string{"localhost", "127.0.0.1", "::1"},
		ModelDir:         "models",
		EnableH2:         true,
		Keepalive:        transport.DefaultKeepalive,
		HandshakeTimeout: 10 * time.Second,
		Logger:           zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Backlog <= 0 {
		c.Backlog = acceptor.DefaultBacklog
	}
	if c.Keepalive == 0 {
		c.Keepalive = transport.DefaultKeepalive
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Workers < 0 {
		return fmt.Errorf("gapr: negative worker count %d", c.Workers)
	}
	if c.RedirectPort != 0 && c.RedirectPort == c.Port {
		return fmt.Errorf("gapr: redirect port %d collides with the TLS port", c.Port)
	}
	if c.TLS == nil && c.CertDir == "" {
		return fmt.Errorf("gapr: neither TLS nor CertDir configured")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig. Fields missing from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("gapr: parse %s: %w", path, err)
	}
	return cfg, nil
}
