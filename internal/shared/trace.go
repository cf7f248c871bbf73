package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type itemIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id and
// attaches a fresh one otherwise.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "-" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithSessionID attaches the owning session id to the context.
func WithSessionID(ctx context.Context, sessionID int64) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts the session id from context. Returns 0 if absent.
func SessionID(ctx context.Context) int64 {
	if v, ok := ctx.Value(sessionIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithItemID attaches the queue item being processed to the context.
func WithItemID(ctx context.Context, itemID int64) context.Context {
	return context.WithValue(ctx, itemIDKey{}, itemID)
}

// ItemID extracts the queue item id from context. Returns 0 if absent.
func ItemID(ctx context.Context) int64 {
	if v, ok := ctx.Value(itemIDKey{}).(int64); ok {
		return v
	}
	return 0
}
