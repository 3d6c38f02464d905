// Package backend defines the external generation backend consumed by the
// pipeline and its concrete adapters.
package backend

import "context"

// Request is a single generation request.
type Request struct {
	// System is the system prompt, may be empty.
	System string

	// Prompt is the user-facing prompt body.
	Prompt string

	// Model overrides the adapter's configured model. Empty uses the
	// adapter default.
	Model string

	// MaxTokens bounds the response length. Zero uses the adapter default.
	MaxTokens int
}

// Result is a complete generation response.
type Result struct {
	Text string
}

// ChunkFunc receives one streamed output fragment. Returning an error stops
// consumption of further chunks; the generation call is abandoned.
type ChunkFunc func(chunk string) error

// Backend is a slow external generation service.
//
// Identity names the backend for circuit-breaker bookkeeping: all calls
// sharing an identity share one breaker.
type Backend interface {
	Identity() string

	// Invoke performs a blocking call returning the complete result.
	Invoke(ctx context.Context, req Request) (*Result, error)

	// Stream performs a streaming call, delivering output incrementally
	// through emit and returning the aggregated result.
	Stream(ctx context.Context, req Request, emit ChunkFunc) (*Result, error)
}
