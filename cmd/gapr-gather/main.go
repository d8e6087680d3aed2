// Command gapr-gather serves models and logins over the gapr protocol.
//
//	gapr-gather [flags]
//	gapr-gather passwd          read a password from stdin, print its hash
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Aishwarya3011/gapr-sub001/pkg/gapr"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "gapr-gather: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configFile  string
	logLevel    string
	development bool
	rate        int
	traceRatio  float64
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "passwd" {
		return passwd()
	}

	cfg := gapr.DefaultConfig()
	var opts options
	flags := pflag.NewFlagSet("gapr-gather", pflag.ContinueOnError)
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&cfg.Host, "host", cfg.Host, "address to bind")
	flags.Uint16VarP(&cfg.Port, "port", "p", cfg.Port, "TLS port")
	flags.Uint16Var(&cfg.RedirectPort, "redirect-port", cfg.RedirectPort, "plaintext port redirecting to TLS (0 disables)")
	flags.StringVar(&cfg.CertDir, "cert-dir", cfg.CertDir, "directory holding cert.pem and key.pem")
	flags.StringVar(&cfg.ModelDir, "model-dir", cfg.ModelDir, "directory of models")
	flags.StringVar(&cfg.AccountsFile, "accounts", cfg.AccountsFile, "account file (reloaded on SIGHUP)")
	flags.BoolVar(&cfg.EnableH2, "h2", cfg.EnableH2, "offer the multiplexed framing")
	flags.DurationVar(&cfg.Keepalive, "keepalive", cfg.Keepalive, "idle interval before a keepalive is sent")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker pool size (0 uses the shared pool)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flags.BoolVar(&opts.development, "dev", false, "human-readable logs")
	flags.IntVar(&opts.rate, "rate", 0, "requests per second per peer (0 disables)")
	flags.Float64Var(&opts.traceRatio, "trace-ratio", 0, "fraction of exchanges traced")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if opts.configFile != "" {
		fileCfg, err := gapr.LoadConfig(opts.configFile)
		if err != nil {
			return err
		}
		// flags given on the command line win over the file
		flags.Visit(func(f *pflag.Flag) { applyFlag(&fileCfg, &cfg, f.Name) })
		cfg = fileCfg
	}

	logger, err := newLogger(opts.logLevel, opts.development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	cfg.Logger = logger

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.traceRatio))))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	accounts, err := loadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}
	logger.Info("accounts loaded", zap.Int("count", accounts.Len()))

	mux := gapr.NewMux()
	mux.Use(gapr.Recovery(), gapr.RequestID(), gapr.Logger(), gapr.Prometheus(), gapr.Tracing())
	if opts.rate > 0 {
		mux.Use(gapr.RateLimiter(opts.rate))
	}
	gapr.Routes(mux, accounts, cfg.ModelDir)

	server := gapr.New(cfg).Handler(mux)
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("listening",
		zap.Stringers("addrs", server.Addrs()),
		zap.String("models", cfg.ModelDir),
		zap.Bool("h2", cfg.EnableH2))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			reloaded, err := loadAccounts(cfg.AccountsFile)
			if err != nil {
				logger.Error("reloading accounts", zap.Error(err))
				continue
			}
			accounts.Replace(reloaded)
			logger.Info("accounts reloaded", zap.Int("count", accounts.Len()))
			continue
		}
		break
	}
	signal.Stop(sigs)

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

func loadAccounts(path string) (*gapr.Accounts, error) {
	if path == "" {
		return gapr.ParseAccounts(nil)
	}
	return gapr.LoadAccounts(path)
}

func applyFlag(dst, src *gapr.Config, name string) {
	switch name {
	case "host":
		dst.Host = src.Host
	case "port":
		dst.Port = src.Port
	case "redirect-port":
		dst.RedirectPort = src.RedirectPort
	case "cert-dir":
		dst.CertDir = src.CertDir
	case "model-dir":
		dst.ModelDir = src.ModelDir
	case "accounts":
		dst.AccountsFile = src.AccountsFile
	case "h2":
		dst.EnableH2 = src.EnableH2
	case "keepalive":
		dst.Keepalive = src.Keepalive
	case "workers":
		dst.Workers = src.Workers
	}
}

func newLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func passwd() error {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	hash, err := gapr.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
