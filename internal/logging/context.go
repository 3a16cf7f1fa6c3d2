package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	actionIDKey
	dataSourceIDKey
)

// WithExecutionID returns a context tagged with a workflow execution ID.
func WithExecutionID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithActionID returns a context tagged with an action ID.
func WithActionID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// WithDataSourceID returns a context tagged with a data source ID.
func WithDataSourceID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, dataSourceIDKey, id)
}

// CopyCorrelation returns dst tagged with the correlation IDs carried by src.
// IDs absent from src are left as they are on dst.
func CopyCorrelation(dst, src context.Context) context.Context {
	if id := ExecutionID(src); id != 0 {
		dst = WithExecutionID(dst, id)
	}
	if id := ActionID(src); id != 0 {
		dst = WithActionID(dst, id)
	}
	if id := DataSourceID(src); id != 0 {
		dst = WithDataSourceID(dst, id)
	}
	return dst
}

// ExecutionID extracts the execution ID from the context, or 0 if absent.
func ExecutionID(ctx context.Context) int64 {
	v, _ := ctx.Value(executionIDKey).(int64)
	return v
}

// ActionID extracts the action ID from the context, or 0 if absent.
func ActionID(ctx context.Context) int64 {
	v, _ := ctx.Value(actionIDKey).(int64)
	return v
}

// DataSourceID extracts the data source ID from the context, or 0 if absent.
func DataSourceID(ctx context.Context) int64 {
	v, _ := ctx.Value(dataSourceIDKey).(int64)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-zero values are added as attributes. A nil logger falls back to
// slog.Default().
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	logger = OrDefault(logger)
	if id := ExecutionID(ctx); id != 0 {
		logger = logger.With(slog.Int64("execution_id", id))
	}
	if id := ActionID(ctx); id != 0 {
		logger = logger.With(slog.Int64("action_id", id))
	}
	if id := DataSourceID(ctx); id != 0 {
		logger = logger.With(slog.Int64("datasource_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs
// from the context into every record logged through a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ExecutionID(ctx); v != 0 {
		r.AddAttrs(slog.Int64("execution_id", v))
	}
	if v := ActionID(ctx); v != 0 {
		r.AddAttrs(slog.Int64("action_id", v))
	}
	if v := DataSourceID(ctx); v != 0 {
		r.AddAttrs(slog.Int64("datasource_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a text or json handler wrapped in CorrelationHandler.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// OrDefault returns logger, or slog.Default() when nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
