package backend

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted in-memory backend for tests. Responses are consumed
// in FIFO order; an empty script yields ErrScriptExhausted.
//
// Fake lives in the package proper (not a _test file) because engine,
// stage, and HTTP tests across the module all drive pipelines through it.
type Fake struct {
	identity string

	mu        sync.Mutex
	responses []FakeResponse
	calls     []Request
}

// FakeResponse is one scripted reply.
type FakeResponse struct {
	// Text is returned as the result. For streaming calls it is emitted
	// in chunks of ChunkSize runes (default: whole text at once).
	Text      string
	ChunkSize int
	Err       error
}

// ErrScriptExhausted is returned when the fake runs out of responses.
var ErrScriptExhausted = fmt.Errorf("fake backend: script exhausted")

// NewFake creates a fake backend with the given identity.
func NewFake(identity string, responses ...FakeResponse) *Fake {
	if identity == "" {
		identity = "fake"
	}
	return &Fake{identity: identity, responses: responses}
}

// Enqueue appends responses to the script.
func (f *Fake) Enqueue(responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses...)
}

// Calls returns the requests seen so far.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

// Identity implements Backend.
func (f *Fake) Identity() string { return f.identity }

func (f *Fake) next(req Request) (FakeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.responses) == 0 {
		return FakeResponse{}, ErrScriptExhausted
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

// Invoke implements Backend.
func (f *Fake) Invoke(ctx context.Context, req Request) (*Result, error) {
	resp, err := f.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Text: resp.Text}, nil
}

// Stream implements Backend, emitting the scripted text in chunks.
func (f *Fake) Stream(ctx context.Context, req Request, emit ChunkFunc) (*Result, error) {
	resp, err := f.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	size := resp.ChunkSize
	if size <= 0 {
		size = len(resp.Text)
	}

	runes := []rune(resp.Text)
	for start := 0; start < len(runes); start += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if emit != nil {
			if err := emit(string(runes[start:end])); err != nil {
				return nil, err
			}
		}
	}
	return &Result{Text: resp.Text}, nil
}
