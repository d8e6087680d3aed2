package gapr

import (
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig chooses the tracer Tracing records exchange spans with.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "gapr")
	TracerName string
	// SkipCommands lists normalized commands not to trace
	SkipCommands []string
	// TracerProvider overrides the global provider
	TracerProvider trace.TracerProvider
}

// DefaultTracingConfig traces every command with the global provider.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "gapr",
	}
}

// Tracing returns a middleware that records one server span per exchange.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that records one server span per
// exchange with custom configuration. Request args are not recorded; LOGIN
// carries a password in them.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "gapr"
	}
	skip := make(map[string]bool, len(config.SkipCommands))
	for _, cmd := range config.SkipCommands {
		skip[CommandName(cmd)] = true
	}
	var tracer trace.Tracer
	if config.TracerProvider != nil {
		tracer = config.TracerProvider.Tracer(config.TracerName)
	} else {
		tracer = otel.Tracer(config.TracerName)
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Command()] {
				return next.ServeGapr(ctx)
			}

			spanCtx, span := tracer.Start(ctx.Context(), ctx.Command(), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			sess := ctx.Session()
			span.SetAttributes(
				attribute.String("gapr.command", ctx.Command()),
				attribute.String("gapr.proto", sess.Proto),
				attribute.Int64("gapr.request_size", int64(ctx.Size())),
			)
			if sess.Remote != nil {
				span.SetAttributes(attribute.String("net.peer.addr", sess.Remote.String()))
			}
			if reqID, ok := ctx.Get(requestIDKey); ok {
				if s, ok := reqID.(string); ok {
					span.SetAttributes(attribute.String("gapr.request_id", s))
				}
			}

			originalCtx := ctx.ctx
			ctx.ctx = spanCtx
			err := next.ServeGapr(ctx)
			ctx.ctx = originalCtx

			span.SetAttributes(
				attribute.String("gapr.status", ctx.Status()),
				attribute.Int64("gapr.reply_size", ctx.Written()),
			)
			if sess.User != "" {
				span.SetAttributes(attribute.String("gapr.user", sess.User))
			}

			var re *ReplyError
			switch {
			case err != nil && !errors.As(err, &re):
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case ctx.Status() == StatusErr:
				span.SetStatus(codes.Error, "ERR reply")
			default:
				span.SetStatus(codes.Ok, "")
			}
			return err
		})
	}
}
