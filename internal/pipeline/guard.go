package pipeline

import (
	"context"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/breaker"
)

// GuardedBackend wraps a generation backend with its circuit breaker. All
// stage handlers share the guarded instance, so every backend call on this
// identity counts toward the same circuit.
type GuardedBackend struct {
	inner backend.Backend
	cb    *breaker.Breaker
}

// Guard wraps the backend with the breaker the registry holds for its
// identity.
func Guard(b backend.Backend, reg *breaker.Registry) *GuardedBackend {
	return &GuardedBackend{inner: b, cb: reg.For(b.Identity())}
}

// Identity returns the wrapped backend's identity.
func (g *GuardedBackend) Identity() string {
	return g.inner.Identity()
}

// Invoke performs a blocking call through the breaker. While the circuit
// is open it fails fast with breaker.ErrOpen without touching the backend.
func (g *GuardedBackend) Invoke(ctx context.Context, req backend.Request) (*backend.Result, error) {
	var result *backend.Result
	err := g.cb.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = g.inner.Invoke(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stream performs a streaming call through the breaker. A mid-stream
// failure counts as a breaker failure even though chunks were already
// delivered.
func (g *GuardedBackend) Stream(ctx context.Context, req backend.Request, emit backend.ChunkFunc) (*backend.Result, error) {
	var result *backend.Result
	err := g.cb.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = g.inner.Stream(ctx, req, emit)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
