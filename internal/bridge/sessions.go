package bridge

import (
	"sync"

	"linkpilot/internal/models"
)

// SessionRegistry remembers the latest credential bundle per user so the
// bridge can re-relay it when an agent attaches after the page has already
// authenticated.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint]models.AgentSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uint]models.AgentSession)}
}

// Put stores the bundle for a user, replacing any previous one.
func (r *SessionRegistry) Put(session models.AgentSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.UserID] = session
}

// Get returns the stored bundle for a user.
func (r *SessionRegistry) Get(userID uint) (models.AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Drop removes a user's bundle, e.g. on sign-out.
func (r *SessionRegistry) Drop(userID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}
