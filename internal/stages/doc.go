// Package stages provides the concrete stage handlers that wire the
// generation backend, validation tools, and the context provider into the
// pipeline. Prompt construction is deliberately minimal: each handler
// assembles what the backend needs from the task state and stores the
// aggregate result back under its declared write contract.
package stages
