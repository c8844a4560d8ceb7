package bridge

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SessionHeader names the bridge session whose token a request uses.
const SessionHeader = "X-Bridge-Session"

// Registry maps live bridge sessions to their AuthState so chat requests from
// the same embed page can pick up the relayed token.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*AuthState
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*AuthState)}
}

// Register stores state under a new session id.
func (r *Registry) Register(state *AuthState) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = state
	r.mu.Unlock()
	return id
}

// Lookup returns the state for id.
func (r *Registry) Lookup(id string) (*AuthState, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[id]
	return state, ok
}

// Remove drops id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RequestToken resolves the token for an outgoing chat request: a Bearer
// Authorization header first, then the AuthState of the bridge session named
// by SessionHeader. "" means anonymous. A nil Registry only reads the header.
func (r *Registry) RequestToken(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); token != "" {
			return token
		}
	}
	if r == nil {
		return ""
	}
	state, ok := r.Lookup(req.Header.Get(SessionHeader))
	if !ok {
		return ""
	}
	token, _ := state.Token()
	return token
}
