package delegation

import "context"

type searchInProgressKey struct{}

type invokerKey struct{}

// WithInvoker marks ctx as issued on behalf of the named component. Lookups from a component
// listed in the delegator's suppressed invokers are not delegated.
func WithInvoker(ctx context.Context, invoker string) context.Context {
	return context.WithValue(ctx, invokerKey{}, invoker)
}

// InvokerFromContext returns the invoker recorded by WithInvoker.
func InvokerFromContext(ctx context.Context) (string, bool) {
	invoker, ok := ctx.Value(invokerKey{}).(string)
	return invoker, ok
}

// withSearchInProgress derives the context a top-level lookup hands to the registry.
// The marker disappears with the derived context, so no exit path can leave it set.
func withSearchInProgress(ctx context.Context) context.Context {
	return context.WithValue(ctx, searchInProgressKey{}, struct{}{})
}

func searchInProgress(ctx context.Context) bool {
	return ctx.Value(searchInProgressKey{}) != nil
}
