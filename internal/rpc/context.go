package rpc

import "context"

type contextKey string

const (
	requestIDContextKey contextKey = "fernwiki/request-id"
	clientIPContextKey  contextKey = "fernwiki/client-ip"
)

// RequestIDFromContext extracts the request identifier from the context when available.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(requestIDContextKey).(string); ok {
		return value
	}
	return ""
}

// ClientIPFromContext extracts the caller's network address from the context
// when available.
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIPContextKey).(string); ok {
		return value
	}
	return ""
}
