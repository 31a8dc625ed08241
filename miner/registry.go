package miner

import "sync"

// Registry is the process-wide set of live sessions, keyed by the
// client's ip:port. It owns the sessions; everyone else looks up by key.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its key. The accept loop guarantees key
// uniqueness by construction (a fresh ip:port per connection), so an
// insert simply overwrites.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.Key()] = s
	r.mu.Unlock()
}

// Get looks up a session by key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	return s, ok
}

// Remove deletes and returns the session under key, if any.
func (r *Registry) Remove(key string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	return s, ok
}

// All returns the live sessions in no particular order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
