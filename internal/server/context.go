package server

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey int

const (
	clientIDKey contextKey = iota
)

// WithClientID stores the requesting client's id in the context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	if clientID == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext returns the client id, or empty string if not set.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}
