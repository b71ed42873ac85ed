package tools

import "context"

type contextKey string

const scopeKey contextKey = "scope"

// Scope identifies who a tool is running for.
type Scope struct {
	UserID   string
	ThreadID string
	CallID   string

	// Config is the caller's free-form agent_config.
	Config map[string]any
}

// WithScope attaches the caller's identifiers to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey, s)
}

// ScopeFromContext returns the scope set by WithScope, or the zero Scope.
func ScopeFromContext(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey).(Scope)
	return s
}
