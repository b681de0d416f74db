package app

import (
	"errors"
	"sync"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrSessionExists = errors.New("session with counterpart already exists")

// Registry keeps at most one live Session per counterpart.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.UserID]*Session)}
}

func (r *Registry) Bind(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[s.Remote]; ok && !old.Closed() {
		return ErrSessionExists
	}
	r.sessions[s.Remote] = s
	log.Info().Str("module", "app.registry").Str("peer", string(s.Remote)).Uint64("gen", s.Gen).Str("role", s.Role.String()).Msg("bound session")
	return nil
}

func (r *Registry) Get(remote domain.UserID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[remote]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// Unbind removes s only if it is still the bound session for its peer.
func (r *Registry) Unbind(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Remote]; ok && cur == s {
		delete(r.sessions, s.Remote)
		log.Info().Str("module", "app.registry").Str("peer", string(s.Remote)).Uint64("gen", s.Gen).Msg("unbind session")
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
