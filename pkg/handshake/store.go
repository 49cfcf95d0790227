package handshake

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/encryption"
)

// tokenBytes is the number of random bytes behind each state token (256 bits).
const tokenBytes = 32

type entry struct {
	verifier  string
	expiresAt time.Time
}

// Store holds pending authorization handshakes keyed by their state token.
// Every entry is handed out at most once.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewStore creates an empty handshake store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Start records verifier under a fresh state token that expires after ttl.
func (s *Store) Start(verifier string, ttl time.Duration) string {
	token := encryption.GenerateRandomString(tokenBytes)

	s.mu.Lock()
	s.entries[token] = entry{
		verifier:  verifier,
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()

	return token
}

// Consume removes the entry for token and returns its verifier. ok is false
// when the token is unknown, already consumed or expired.
func (s *Store) Consume(token string) (verifier string, ok bool) {
	if token == "" {
		return "", false
	}

	s.mu.Lock()
	e, found := s.entries[token]
	if found {
		delete(s.entries, token)
	}
	s.mu.Unlock()

	if !found || !s.now().Before(e.expiresAt) {
		return "", false
	}
	return e.verifier, true
}

// Exists reports whether token names a live handshake. An expired entry is
// removed as a side effect; a live one is left in place.
func (s *Store) Exists(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[token]
	if !found {
		return false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, token)
		return false
	}
	return true
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps expired entries every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				log.Debug().Int("removed", removed).Int("remaining", s.Len()).Msg("Swept expired handshakes")
			}
		}
	}
}
