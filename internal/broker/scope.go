package broker

import "context"

// Scope is the explicit request-scoped acting identity threaded through
// webhook processing. The dispatcher re-binds every inbound request to the
// broker's configured service account so adapters never run with
// caller-supplied privileges.
type Scope struct {
	BrokerID string
	// ActorID is the internal service-account identity processing runs as.
	ActorID string
	// Notify enables bus notifications for records created in this scope.
	Notify bool
}

type scopeContextKey struct{}

// WithScope stores the Scope in the context.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext retrieves the Scope from the context.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	raw := ctx.Value(scopeContextKey{})
	if raw == nil {
		return Scope{}, false
	}
	scope, ok := raw.(Scope)
	return scope, ok
}
