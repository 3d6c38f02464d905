// Package retrieval provides the supplementary context provider consumed
// by the context-gathering stage. Retrieval quality and ranking are out of
// scope; the provider is a single opaque call with a timeout and no retry.
package retrieval

import "context"

// Provider fetches supplementary context for a query.
type Provider interface {
	Fetch(ctx context.Context, query string) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, query string) (string, error)

// Fetch implements Provider.
func (f ProviderFunc) Fetch(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}
