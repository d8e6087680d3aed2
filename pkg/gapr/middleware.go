package gapr

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig controls which exchanges Logger records and how.
type LoggerConfig struct {
	// Logger receives one entry per exchange (defaults to the connection logger)
	Logger *zap.Logger
	// Level for successful exchanges; failures are logged at Warn
	Level zapcore.Level
	// SkipCommands lists normalized commands not to log
	SkipCommands []string
	// CustomFields adds fields to each entry
	CustomFields func(ctx *Context) []zap.Field
}

// DefaultLoggerConfig logs every command at Info through the connection logger.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{Level: zapcore.InfoLevel}
}

// Logger writes one entry per finished exchange with its command, status
// and body byte counts.
func Logger() Middleware {
	return LoggerWithConfig(DefaultLoggerConfig())
}

// LoggerWithConfig is Logger with an explicit LoggerConfig.
func LoggerWithConfig(config LoggerConfig) Middleware {
	skip := make(map[string]bool, len(config.SkipCommands))
	for _, cmd := range config.SkipCommands {
		skip[CommandName(cmd)] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Command()] {
				return next.ServeGapr(ctx)
			}
			start := time.Now()
			err := next.ServeGapr(ctx)

			logger := config.Logger
			if logger == nil {
				logger = ctx.Logger()
			}
			fields := []zap.Field{
				zap.String("command", ctx.Command()),
				zap.String("status", ctx.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.Int64("read", ctx.BytesRead()),
				zap.Int64("written", ctx.Written()),
			}
			if user := ctx.Session().User; user != "" {
				fields = append(fields, zap.String("user", user))
			}
			if id, ok := ctx.Get(requestIDKey); ok {
				fields = append(fields, zap.Any("request_id", id))
			}
			if config.CustomFields != nil {
				fields = append(fields, config.CustomFields(ctx)...)
			}
			var re *ReplyError
			switch {
			case errors.As(err, &re):
				fields = append(fields, zap.String("reason", re.Message))
			case err != nil:
				logger.Warn("exchange failed", append(fields, zap.Error(err))...)
				return err
			}
			if ce := logger.Check(config.Level, "exchange"); ce != nil {
				ce.Write(fields...)
			}
			return err
		})
	}
}

// Recovery returns a middleware that recovers from handler panics. The
// exchange is answered with ERR, or its reply stream aborted, and the
// session goes on.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					ctx.Logger().Error("handler panicked",
						zap.String("command", ctx.Command()),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					if ctx.streaming {
						_ = ctx.Abort()
					}
					if !ctx.Replied() {
						_ = ctx.Error("Internal error.")
					}
					err = nil
				}
			}()
			return next.ServeGapr(ctx)
		})
	}
}

const requestIDKey = "request-id"

var requestIDCounter atomic.Uint64

// RequestID returns a middleware that tags each exchange with a unique id,
// available through ctx.Get("request-id").
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			ctx.Set(requestIDKey, generateRequestID())
			return next.ServeGapr(ctx)
		})
	}
}

func generateRequestID() string {
	counter := requestIDCounter.Add(1)
	var randomBytes [8]byte
	_, _ = rand.Read(randomBytes[:])
	return fmt.Sprintf("%d-%d-%x", time.Now().UnixNano(), counter, binary.BigEndian.Uint64(randomBytes[:]))
}

// RateLimiterConfig sets the request budget RateLimiter grants each peer.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate allowed per key
	RequestsPerSecond int
	// BurstSize is how many requests a quiet peer may send back to back
	BurstSize int
	// KeyFunc returns the key requests are counted under (default: the peer's IP)
	KeyFunc func(ctx *Context) string
	// Commands limits rate limiting to these commands; empty means all
	Commands []string
	// ErrorHandler is called when the limit is exceeded (default: RETRY)
	ErrorHandler func(ctx *Context) error
}

// DefaultRateLimiterConfig keys buckets by peer host, allows bursts of twice
// the rate and answers over-limit requests with RETRY.
func DefaultRateLimiterConfig(requestsPerSecond int) RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         requestsPerSecond * 2,
		KeyFunc:           remoteHost,
		ErrorHandler: func(ctx *Context) error {
			return ctx.Reply(StatusRetry, "Too many requests.")
		},
	}
}

func remoteHost(ctx *Context) string {
	addr := ctx.Session().Remote
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// RateLimiter caps how many requests each peer host may issue per second,
// across all of its sessions.
func RateLimiter(requestsPerSecond int) Middleware {
	return RateLimiterWithConfig(DefaultRateLimiterConfig(requestsPerSecond))
}

// limiterIdle is how long an unused bucket is kept.
const limiterIdle = 10 * time.Minute

// RateLimiterWithConfig is RateLimiter with an explicit RateLimiterConfig.
// Requests for commands outside Commands pass untouched.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = remoteHost
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = DefaultRateLimiterConfig(config.RequestsPerSecond).ErrorHandler
	}
	only := make(map[string]bool, len(config.Commands))
	for _, cmd := range config.Commands {
		only[CommandName(cmd)] = true
	}

	var (
		mu        sync.Mutex
		limiters  = make(map[string]*tokenBucket)
		lastSweep = time.Now()
	)
	bucket := func(key string, now time.Time) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(lastSweep) > limiterIdle {
			for k, b := range limiters {
				if now.Sub(b.lastAccess) > limiterIdle {
					delete(limiters, k)
				}
			}
			lastSweep = now
		}
		b, ok := limiters[key]
		if !ok {
			b = newTokenBucket(config.RequestsPerSecond, config.BurstSize, now)
			limiters[key] = b
		}
		b.lastAccess = now
		return b
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if len(only) > 0 && !only[ctx.Command()] {
				return next.ServeGapr(ctx)
			}
			key := config.KeyFunc(ctx)
			if key == "" {
				return next.ServeGapr(ctx)
			}
			now := time.Now()
			if !bucket(key, now).allow(now) {
				return config.ErrorHandler(ctx)
			}
			return next.ServeGapr(ctx)
		})
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	refillRate int
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(rate, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   burst,
		tokens:     burst,
		refillRate: rate,
		lastRefill: now,
		lastAccess: now,
	}
}

// allow takes a token if one is available.
func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if add := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate)); add > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+add)
		tb.lastRefill = now
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
