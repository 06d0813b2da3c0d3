package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the process-wide map of live sessions. All access to session
// state from provider callbacks goes through it; there is no other path.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create builds a session with a fresh ID and inserts it.
func (r *Registry) Create(shopID, shopDomain string) *Session {
	s := New(uuid.NewString(), shopID, shopDomain)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns the session, or nil when it has already been finalized and
// removed. Absence is not an error; callers treat it as "session over".
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove deletes and returns the session. The second return is false when the
// session was already removed, so duplicate closes are a no-op.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
