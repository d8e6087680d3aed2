// Command gapr-client talks to a gapr-gather server.
//
//	gapr-client [flags] login
//	gapr-client [flags] get MODEL...
//	gapr-client [flags] put MODEL FILE
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/pkg/gapr"
)

type options struct {
	addr     string
	user     string
	caFile   string
	insecure bool
	h2       bool
	brotli   bool
	outDir   string
	parallel int
	verbose  bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "gapr-client: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flags := pflag.NewFlagSet("gapr-client", pflag.ContinueOnError)
	flags.StringVarP(&opts.addr, "addr", "a", "localhost:4443", "server address")
	flags.StringVarP(&opts.user, "user", "u", "", "USER[:PASSWORD]; the password defaults to $GAPR_PASSWORD")
	flags.StringVar(&opts.caFile, "ca", "", "PEM file of the server certificate")
	flags.BoolVarP(&opts.insecure, "insecure", "k", false, "skip certificate verification")
	flags.BoolVar(&opts.h2, "h2", false, "use the multiplexed framing")
	flags.BoolVar(&opts.brotli, "brotli", false, "ask for compressed downloads")
	flags.StringVarP(&opts.outDir, "output", "o", ".", "directory downloads are written to")
	flags.IntVarP(&opts.parallel, "parallel", "j", 2, "connections used by get")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log exchanges")
	flags.SetInterspersed(false)
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		return fmt.Errorf("missing command (login, get, put)")
	}

	logger := zap.NewNop()
	if opts.verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}
	tlsConfig, err := clientTLS(opts)
	if err != nil {
		return err
	}
	copts := gapr.ClientOptions{TLS: tlsConfig, Logger: logger}
	if opts.h2 {
		copts.Proto = frame.ProtoH2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "login":
		c, err := connect(ctx, opts, copts)
		if err != nil {
			return err
		}
		defer c.Close()
		return nil
	case "get":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("get: no model named")
		}
		return get(ctx, opts, copts, cmdArgs)
	case "put":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("put: need MODEL FILE")
		}
		return put(ctx, opts, copts, cmdArgs[0], cmdArgs[1])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func clientTLS(opts options) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: opts.insecure}
	if opts.caFile != "" {
		pem, err := os.ReadFile(opts.caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s: no certificate found", opts.caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// connect dials and logs in when a user is given.
func connect(ctx context.Context, opts options, copts gapr.ClientOptions) (*gapr.Client, error) {
	c, err := gapr.Dial(ctx, opts.addr, copts)
	if err != nil {
		return nil, err
	}
	if opts.user == "" {
		return c, nil
	}
	user, password, ok := strings.Cut(opts.user, ":")
	if !ok {
		password = os.Getenv("GAPR_PASSWORD")
	}
	tier, gecos, err := c.Login(ctx, user, password)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("login %s: %w", user, err)
	}
	fmt.Fprintf(os.Stderr, "logged in as %s (%s), tier %d\n", user, gecos, tier)
	return c, nil
}

// get downloads names over up to opts.parallel connections.
func get(ctx context.Context, opts options, copts gapr.ClientOptions, names []string) error {
	variant := gapr.VariantPlain
	if opts.brotli {
		variant = gapr.VariantBrotli
	}
	work := make(chan string)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for _, name := range names {
			select {
			case work <- name:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for range min(max(opts.parallel, 1), len(names)) {
		g.Go(func() error {
			c, err := connect(ctx, opts, copts)
			if err != nil {
				return err
			}
			defer c.Close()
			for name := range work {
				if err := download(ctx, c, name, variant, opts.outDir); err != nil {
					return fmt.Errorf("get %s: %w", name, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func download(ctx context.Context, c *gapr.Client, name string, variant uint16, dir string) error {
	f, err := os.CreateTemp(dir, ".gapr-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	n, err := c.Download(ctx, name, variant, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(f.Name(), filepath.Join(dir, filepath.Base(name))); err != nil {
		return err
	}
	fmt.Printf("%s\t%d\n", name, n)
	return nil
}

func put(ctx context.Context, opts options, copts gapr.ClientOptions, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	c, err := connect(ctx, opts, copts)
	if err != nil {
		return err
	}
	defer c.Close()
	n, err := c.Upload(ctx, name, f, st.Size())
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	fmt.Printf("%s\t%d\n", name, n)
	return nil
}
