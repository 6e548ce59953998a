package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// NewHandler returns a pretty-printing handler writing to stderr.
func NewHandler(name string) slog.Handler {
	return NewHandlerTo(os.Stderr, name, log.DebugLevel)
}

func NewHandlerTo(w io.Writer, name string, level log.Level) slog.Handler {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           level,
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

// NewQuiet is like New but only logs warnings and errors.
func NewQuiet(name string) *slog.Logger {
	return slog.New(NewHandlerTo(os.Stderr, name, log.WarnLevel))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a
// suffix to its prefix, e.g. "pipeline" becomes "pipeline/queue". Loggers
// without a prefix get the same path as a "component" attribute.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	switch h := base.Handler().(type) {
	case *log.Logger:
		prefix := h.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(h.WithPrefix(prefix))
	case componentHandler:
		return slog.New(componentHandler{h.Handler, h.component + "/" + suffix})
	default:
		return slog.New(componentHandler{h, suffix})
	}
}

type componentHandler struct {
	slog.Handler
	component string
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("component", h.component))
	return h.Handler.Handle(ctx, r)
}

func (h componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return componentHandler{h.Handler.WithAttrs(attrs), h.component}
}

func (h componentHandler) WithGroup(name string) slog.Handler {
	return componentHandler{h.Handler.WithGroup(name), h.component}
}
