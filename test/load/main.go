// Package main runs an incremental load test against an in-process gapr
// server: clients are added step by step, each logging in and fetching a
// model in a loop, and per-step throughput and failures are reported.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Aishwarya3011/gapr-sub001/internal/certs"
	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
	"github.com/Aishwarya3011/gapr-sub001/pkg/gapr"
)

// LoadTestConfig defines the configuration for incremental load tests
type LoadTestConfig struct {
	Proto          string        // framing used by clients; empty alternates
	ModelSize      int           // bytes served per GET.MODEL
	Brotli         bool          // ask for compressed replies
	RampUpInterval time.Duration // time between steps
	ClientsPerStep int
	TestDuration   time.Duration
	RequestTimeout time.Duration
	RequestDelay   time.Duration // pause between requests of one client
	Workers        int
}

// StepResult contains the results for a single step
type StepResult struct {
	StepNumber        int
	ClientCount       int
	TimeElapsed       time.Duration
	Requests          int64
	Failed            int64
	Dropped           int64
	RequestsPerSecond float64
}

// LoadTestRunner manages the incremental load test
type LoadTestRunner struct {
	config LoadTestConfig
	logger *zap.Logger
	server *gapr.Server
	pair   *certs.Pair
	addr   string
	dir    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requests atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
	statuses sync.Map // status -> *atomic.Int64

	steps []StepResult
}

// NewLoadTestRunner creates a new load test runner
func NewLoadTestRunner(config LoadTestConfig, logger *zap.Logger) *LoadTestRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &LoadTestRunner{config: config, logger: logger, ctx: ctx, cancel: cancel}
}

// StartServer starts a server with one model and one account.
func (r *LoadTestRunner) StartServer() error {
	dir, err := os.MkdirTemp("", "gapr-load-")
	if err != nil {
		return err
	}
	r.dir = dir
	model := make([]byte, r.config.ModelSize)
	for i := range model {
		model[i] = byte(i % 253)
	}
	if err := os.WriteFile(filepath.Join(dir, "model"), model, 0o644); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("load"), bcrypt.MinCost)
	if err != nil {
		return err
	}
	accounts, err := gapr.ParseAccounts(fmt.Appendf(nil, "accounts:\n  - name: load\n    password: %q\n    tier: 2\n", hash))
	if err != nil {
		return err
	}

	r.pair, err = certs.NewPair()
	if err != nil {
		return err
	}
	cfg := gapr.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.TLS = r.pair.Server
	cfg.Workers = r.config.Workers
	cfg.Logger = r.logger

	mux := gapr.NewMux()
	mux.Use(gapr.Recovery(), gapr.Prometheus())
	gapr.Routes(mux, accounts, dir)
	r.server = gapr.New(cfg).Handler(mux)
	if err := r.server.Start(); err != nil {
		return err
	}
	r.addr = r.server.Addrs()[0].String()
	return nil
}

// StopServer stops the server and removes its files.
func (r *LoadTestRunner) StopServer() error {
	var err error
	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = r.server.Stop(ctx)
	}
	if r.dir != "" {
		err = errors.Join(err, os.RemoveAll(r.dir))
	}
	return err
}

// Run adds clients every RampUpInterval until TestDuration has passed.
func (r *LoadTestRunner) Run() []StepResult {
	start := time.Now()
	deadline := time.NewTimer(r.config.TestDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(r.config.RampUpInterval)
	defer ticker.Stop()

	clients := 0
	step := 0
	var lastRequests, lastFailed, lastDropped int64
	lastTime := start
	for {
		step++
		for range r.config.ClientsPerStep {
			r.wg.Add(1)
			go r.runClient(clients)
			clients++
		}
		select {
		case <-deadline.C:
			r.cancel()
			r.wg.Wait()
			return r.steps
		case now := <-ticker.C:
			req, fail, drop := r.requests.Load(), r.failed.Load(), r.dropped.Load()
			r.steps = append(r.steps, StepResult{
				StepNumber:        step,
				ClientCount:       clients,
				TimeElapsed:       now.Sub(start),
				Requests:          req - lastRequests,
				Failed:            fail - lastFailed,
				Dropped:           drop - lastDropped,
				RequestsPerSecond: float64(req-lastRequests) / now.Sub(lastTime).Seconds(),
			})
			lastRequests, lastFailed, lastDropped, lastTime = req, fail, drop, now
		}
	}
}

func (r *LoadTestRunner) proto(n int) string {
	if r.config.Proto != "" {
		return r.config.Proto
	}
	if n%2 == 1 {
		return frame.ProtoH2
	}
	return frame.ProtoSimple
}

// runClient keeps one connection busy, reconnecting after failures.
func (r *LoadTestRunner) runClient(n int) {
	defer r.wg.Done()
	variant := gapr.VariantPlain
	if r.config.Brotli {
		variant = gapr.VariantBrotli
	}
	var c *gapr.Client
	defer func() {
		if c != nil {
			_ = c.Close()
		}
	}()
	for r.ctx.Err() == nil {
		if c == nil {
			var err error
			c, err = r.connect(n)
			if err != nil {
				r.dropped.Add(1)
				r.pause(100 * time.Millisecond)
				continue
			}
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.config.RequestTimeout)
		_, err := c.Download(ctx, "model", variant, io.Discard)
		cancel()
		r.requests.Add(1)
		var re *gapr.ReplyError
		switch {
		case err == nil:
			r.count(gapr.StatusOK)
		case errors.As(err, &re):
			r.failed.Add(1)
			r.count(re.Status)
		case r.ctx.Err() != nil:
			return
		default:
			r.dropped.Add(1)
			_ = c.Close()
			c = nil
		}
		r.pause(r.config.RequestDelay)
	}
}

func (r *LoadTestRunner) connect(n int) (*gapr.Client, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.RequestTimeout)
	defer cancel()
	c, err := gapr.Dial(ctx, r.addr, gapr.ClientOptions{TLS: r.pair.Client, Proto: r.proto(n)})
	if err != nil {
		return nil, err
	}
	if _, _, err := c.Login(ctx, "load", "load"); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (r *LoadTestRunner) count(status string) {
	v, _ := r.statuses.LoadOrStore(status, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (r *LoadTestRunner) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-r.ctx.Done():
	}
}

// PrintResults writes the step table and totals to w.
func (r *LoadTestRunner) PrintResults(w io.Writer) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%-6s %-8s %-10s %-10s %-8s %-8s %s\n", "step", "clients", "elapsed", "requests", "failed", "dropped", "req/s")
	best := StepResult{}
	for _, s := range r.steps {
		fmt.Fprintf(&buf, "%-6d %-8d %-10s %-10d %-8d %-8d %.1f\n",
			s.StepNumber, s.ClientCount, s.TimeElapsed.Round(time.Millisecond), s.Requests, s.Failed, s.Dropped, s.RequestsPerSecond)
		if s.RequestsPerSecond > best.RequestsPerSecond {
			best = s
		}
	}
	fmt.Fprintf(&buf, "\ntotal %d requests, %d failed, %d dropped\n", r.requests.Load(), r.failed.Load(), r.dropped.Load())
	fmt.Fprintf(&buf, "peak %.1f req/s with %d clients\n", best.RequestsPerSecond, best.ClientCount)

	var statuses []string
	r.statuses.Range(func(k, _ any) bool {
		statuses = append(statuses, k.(string))
		return true
	})
	sort.Strings(statuses)
	for _, s := range statuses {
		v, _ := r.statuses.Load(s)
		fmt.Fprintf(&buf, "  %-6s %d\n", s, v.(*atomic.Int64).Load())
	}
	_, _ = w.Write(buf.Bytes())
}

func main() {
	var config LoadTestConfig
	var simpleOnly, h2Only, verbose bool
	flags := pflag.NewFlagSet("load", pflag.ExitOnError)
	flags.BoolVar(&simpleOnly, "simple", false, "use only the line framing")
	flags.BoolVar(&h2Only, "h2", false, "use only the multiplexed framing")
	flags.BoolVar(&config.Brotli, "brotli", false, "request compressed models")
	flags.IntVar(&config.ModelSize, "model-size", 256<<10, "model size in bytes")
	flags.DurationVar(&config.RampUpInterval, "interval", 250*time.Millisecond, "time between steps")
	flags.IntVar(&config.ClientsPerStep, "clients-per-step", 2, "clients added per step")
	flags.DurationVar(&config.TestDuration, "duration", 10*time.Second, "test duration")
	flags.DurationVar(&config.RequestTimeout, "timeout", 3*time.Second, "per-request timeout")
	flags.DurationVar(&config.RequestDelay, "delay", 2*time.Millisecond, "pause between requests")
	flags.IntVar(&config.Workers, "workers", 0, "server worker pool size")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log server events")
	_ = flags.Parse(os.Args[1:])
	switch {
	case simpleOnly && h2Only:
		fmt.Fprintln(os.Stderr, "--simple and --h2 are exclusive")
		os.Exit(2)
	case simpleOnly:
		config.Proto = frame.ProtoSimple
	case h2Only:
		config.Proto = frame.ProtoH2
	}

	logger := zap.NewNop()
	if verbose {
		logger, _ = zap.NewDevelopment()
	}
	runner := NewLoadTestRunner(config, logger)
	if err := runner.StartServer(); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	runner.Run()
	if err := runner.StopServer(); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
	}
	runner.PrintResults(os.Stdout)
}
