package circuitbreaker

import "sync"

// Registry lazily creates and keys a Breaker per backend URL, all sharing
// the same Config, so internal/relay and the admin surface can look a
// backend's breaker up by URL without the caller pre-registering backends.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty Registry. Every Breaker it lazily creates
// uses cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns backend's Breaker, creating it in the CLOSED state on first
// use.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[backend]
	if !ok {
		b = New(r.cfg)
		r.breakers[backend] = b
	}
	return b
}

// ResetAll restores every known backend's breaker to CLOSED, per the
// admin-surface reset-all contract.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// ResetOne restores a single backend's breaker to CLOSED, a no-op if the
// backend has never been seen.
func (r *Registry) ResetOne(backend string) {
	r.mu.Lock()
	b, ok := r.breakers[backend]
	r.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// States returns a snapshot of every known backend's current state, for
// the admin health surface.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for backend, b := range r.breakers {
		out[backend] = b.State()
	}
	return out
}
