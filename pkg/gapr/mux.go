package gapr

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrorHandler turns an error returned by a handler into a reply.
type ErrorHandler func(ctx *Context, err error) error

type route struct {
	handler Handler
	maxTier Tier
}

// Mux dispatches requests by normalized tag.
type Mux struct {
	routes       map[string]route
	middlewares  []Middleware
	notFound     Handler
	errorHandler ErrorHandler
}

// NewMux creates a Mux that answers unknown commands with
// "ERR Unknown command.".
func NewMux() *Mux {
	return &Mux{
		routes: make(map[string]route),
		notFound: HandlerFunc(func(*Context) error {
			return errUnknownCommand
		}),
		errorHandler: DefaultErrorHandler,
	}
}

// DefaultErrorHandler replies with the status of a ReplyError and ERR for
// anything else. It does nothing once a reply went out.
func DefaultErrorHandler(ctx *Context, err error) error {
	if ctx.Replied() {
		return nil
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return ctx.Reply(re.Status, oneLine(re.Message))
	}
	return ctx.Error(oneLine(err.Error()))
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Use adds one or more middleware functions to the mux's middleware stack.
func (m *Mux) Use(middlewares ...Middleware) {
	m.middlewares = append(m.middlewares, middlewares...)
}

// NotFound sets the handler for unknown commands.
func (m *Mux) NotFound(handler Handler) {
	m.notFound = handler
}

// ErrorHandler sets the error handler.
func (m *Mux) ErrorHandler(handler ErrorHandler) {
	m.errorHandler = handler
}

// Handle registers h for tag, open to every session including those not
// logged in.
func (m *Mux) Handle(tag string, h Handler) {
	m.HandleTier(tag, TierNobody, h)
}

// HandleFunc registers a function for tag.
func (m *Mux) HandleFunc(tag string, fn func(ctx *Context) error) {
	m.Handle(tag, HandlerFunc(fn))
}

// HandleTier registers h for tag. Sessions whose tier is above maxTier get
// "NO Permission denied.".
func (m *Mux) HandleTier(tag string, maxTier Tier, h Handler) {
	m.routes[CommandName(tag)] = route{handler: h, maxTier: maxTier}
}

// Lookup returns the handler registered for a normalized command.
func (m *Mux) Lookup(command string) (Handler, bool) {
	r, ok := m.routes[command]
	return r.handler, ok
}

// ServeGapr dispatches ctx. Errors are turned into replies before the
// middlewares see them, so they observe the final status; the error is
// still returned.
func (m *Mux) ServeGapr(ctx *Context) error {
	handler := m.notFound
	if r, ok := m.routes[ctx.Command()]; ok {
		handler = r.handler
		ctx.route = ctx.Command()
		if ctx.Session().Tier > r.maxTier {
			handler = HandlerFunc(func(*Context) error { return errPermissionDenied })
		}
	}
	if m.errorHandler != nil {
		handler = m.replyErrors(handler)
	}
	if len(m.middlewares) > 0 {
		handler = Chain(m.middlewares...)(handler)
	}
	return handler.ServeGapr(ctx)
}

func (m *Mux) replyErrors(next Handler) Handler {
	return HandlerFunc(func(ctx *Context) error {
		err := next.ServeGapr(ctx)
		if err != nil {
			if herr := m.errorHandler(ctx, err); herr != nil {
				ctx.Logger().Debug("error reply failed", zap.Error(herr))
			}
		}
		return err
	})
}
