package bridge

import (
	"strings"
	"sync"
)

// Snapshot is a point-in-time view of AuthState.
type Snapshot struct {
	HasToken bool   `json:"hasToken"`
	Token    string `json:"-"`
}

// AuthState holds the token relayed by the host for one embed page. It is
// never persisted. The zero value is ready to use and anonymous.
type AuthState struct {
	mu      sync.RWMutex
	token   string
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewAuthState returns an anonymous AuthState.
func NewAuthState() *AuthState {
	return &AuthState{}
}

// Token returns the current token and whether one is set.
func (s *AuthState) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Snapshot returns the current state.
func (s *AuthState) Snapshot() Snapshot {
	token, ok := s.Token()
	return Snapshot{HasToken: ok, Token: token}
}

// Set replaces the token; a blank token returns the state to anonymous.
func (s *AuthState) Set(token string) {
	token = strings.TrimSpace(token)

	s.mu.Lock()
	s.token = token
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	snap := Snapshot{HasToken: token != "", Token: token}
	for _, fn := range subs {
		fn(snap)
	}
}

// Subscribe calls fn after every Set. The returned func unsubscribes.
func (s *AuthState) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(Snapshot))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
