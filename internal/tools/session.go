package tools

import "context"

type sessionKeyType struct{}

// WithSession tags the context with the session key for the current turn.
// The registry applies it before every execution so tools can attribute
// their side effects.
func WithSession(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, sessionKeyType{}, sessionKey)
}

// SessionFromContext returns the session key set by the registry, or "".
func SessionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKeyType{}).(string); ok {
		return v
	}
	return ""
}
