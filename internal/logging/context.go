package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	frameIDKey
	blockKey
)

// WithSessionID returns a context with the session ID set.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithFrameID returns a context with the frame ID set.
func WithFrameID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, frameIDKey, id)
}

// WithBlock returns a context with the current block index set.
func WithBlock(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, blockKey, index)
}

// SessionID extracts the session ID from the context, or "" if absent.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// FrameID extracts the frame ID from the context, or "" if absent.
func FrameID(ctx context.Context) string {
	v, _ := ctx.Value(frameIDKey).(string)
	return v
}

// Block extracts the block index from the context. The second return is
// false if absent.
func Block(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(blockKey).(int)
	return v, ok
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only present values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if sID := SessionID(ctx); sID != "" {
		logger = logger.With(slog.String("session_id", sID))
	}
	if fID := FrameID(ctx); fID != "" {
		logger = logger.With(slog.String("frame_id", fID))
	}
	if idx, ok := Block(ctx); ok {
		logger = logger.With(slog.Int("block", idx))
	}
	return logger
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
	if v := SessionID(ctx); v != "" {
		r.AddAttrs(slog.String("session_id", v))
	}
	if v := FrameID(ctx); v != "" {
		r.AddAttrs(slog.String("frame_id", v))
	}
	if idx, ok := Block(ctx); ok {
		r.AddAttrs(slog.Int("block", idx))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
