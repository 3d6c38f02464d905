package breaker

import "sync"

// Registry holds one breaker per external backend identity.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the given backend identity, creating it on
// first use.
func (r *Registry) For(identity string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[identity]
	if !ok {
		b = newBreaker(r.cfg, identity)
		r.breakers[identity] = b
	}
	return b
}

// States returns a snapshot of breaker states by identity.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}
