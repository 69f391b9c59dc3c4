package context

import "context"

// ScopeContext identifies the synchronization stream a request belongs to.
type ScopeContext struct {
	AccountID    string
	LocationID   string
	CatalogScope string
}

type scopeContextKey struct{}

// WithScope adds ScopeContext to context.
func WithScope(ctx context.Context, scope *ScopeContext) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// GetScope returns ScopeContext from context, or nil.
func GetScope(ctx context.Context) *ScopeContext {
	if v, ok := ctx.Value(scopeContextKey{}).(*ScopeContext); ok {
		return v
	}
	return nil
}
