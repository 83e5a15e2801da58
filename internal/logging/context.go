package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	taskNameKey
	queueKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithTaskName returns a context with the task name set.
func WithTaskName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskNameKey, name)
}

// WithQueue returns a context with the queue name set.
func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, queueKey, queue)
}

// RunID extracts the run ID from the context, or 0 if absent.
func RunID(ctx context.Context) int64 {
	v, _ := ctx.Value(runIDKey).(int64)
	return v
}

// TaskName extracts the task name from the context, or "" if absent.
func TaskName(ctx context.Context) string {
	v, _ := ctx.Value(taskNameKey).(string)
	return v
}

// Queue extracts the queue name from the context, or "" if absent.
func Queue(ctx context.Context) string {
	v, _ := ctx.Value(queueKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != 0 {
		r.AddAttrs(slog.Int64("run_id", v))
	}
	if v := TaskName(ctx); v != "" {
		r.AddAttrs(slog.String("task", v))
	}
	if v := Queue(ctx); v != "" {
		r.AddAttrs(slog.String("queue", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// New builds the process logger: a text handler to stderr at the given level,
// wrapped with correlation ID injection.
func New(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(NewCorrelationHandler(inner))
}
