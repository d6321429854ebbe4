package shared

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}
type sessionIDKey struct{}
type subjectKey struct{}
type roleKey struct{}

// WithRequestID attaches a request_id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID extracts request_id from context. Returns "-" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRequestID generates a new request_id.
func NewRequestID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPrincipal attaches the acting subject and role.
func WithPrincipal(ctx context.Context, subject, role string) context.Context {
	ctx = context.WithValue(ctx, subjectKey{}, subject)
	return context.WithValue(ctx, roleKey{}, role)
}

// Subject extracts the acting subject. Returns "" if absent.
func Subject(ctx context.Context) string {
	if v, ok := ctx.Value(subjectKey{}).(string); ok {
		return v
	}
	return ""
}

// Role extracts the acting role. Returns "" if absent.
func Role(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey{}).(string); ok {
		return v
	}
	return ""
}
