package voice

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry hands out one session token per guild. Managers for different
// guilds may share a registry; a second acquire for a held guild fails.
type Registry struct {
	mu   sync.Mutex
	held map[string]string // guild -> token
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]string)}
}

// Acquire reserves the guild and returns its token.
func (r *Registry) Acquire(guildID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[guildID]; ok {
		return "", fmt.Errorf("%w: %s", ErrSessionActive, guildID)
	}
	token := uuid.NewString()
	r.held[guildID] = token
	return token, nil
}

// Release frees the guild if token still holds it.
func (r *Registry) Release(guildID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[guildID] == token {
		delete(r.held, guildID)
	}
}

// Held reports whether the guild has an active session.
func (r *Registry) Held(guildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[guildID]
	return ok
}
