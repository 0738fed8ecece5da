package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type tenantIDKey struct{}
type sessionKeyKey struct{}
type turnIDKey struct{}
type turnGroupIDKey struct{}

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

// WithTenantID attaches a tenant_id to the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantID extracts tenant_id from context. Returns "" if absent.
func TenantID(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionKey attaches the serialized session key to the context.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey{}, key)
}

// SessionKey extracts the serialized session key from context. Returns "" if absent.
func SessionKey(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKeyKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTurnID attaches a turn_id to the context.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnID extracts turn_id from context. Returns "" if absent.
func TurnID(ctx context.Context) string {
	if v, ok := ctx.Value(turnIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTurnGroupID attaches a turn_group_id to the context.
func WithTurnGroupID(ctx context.Context, groupID string) context.Context {
	return context.WithValue(ctx, turnGroupIDKey{}, groupID)
}

// TurnGroupID extracts turn_group_id from context. Returns "" if absent.
func TurnGroupID(ctx context.Context) string {
	if v, ok := ctx.Value(turnGroupIDKey{}).(string); ok {
		return v
	}
	return ""
}
