// Package paywall grants time-limited relay access to pubkeys that settle a
// Lightning invoice. Invoices are minted and watched through the wallet
// client; settled payments land in a shared expiry-keyed whitelist consulted
// by the policy engine.
package paywall

import (
	"sync"
	"time"
)

// Set is the shared pubkey → expiry whitelist. A pubkey is a member while
// its expiry lies in the future; expired entries are skipped on read and
// pruned by the manager's background task.
type Set struct {
	mu      sync.RWMutex
	expires map[[32]byte]int64
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{expires: make(map[[32]byte]int64)}
}

// Contains reports whether pk holds an un-expired grant.
func (s *Set) Contains(pk [32]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.expires[pk]
	return ok && time.Now().Unix() < exp
}

// Add grants access until expiresAt, keeping the greater of any existing
// expiry: renewals extend, never shorten.
func (s *Set) Add(pk [32]byte, expiresAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiresAt > s.expires[pk] {
		s.expires[pk] = expiresAt
	}
}

// RemoveExpired drops entries whose expiry has passed; returns the count.
func (s *Set) RemoveExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	removed := 0
	for pk, exp := range s.expires {
		if exp <= now {
			delete(s.expires, pk)
			removed++
		}
	}
	return removed
}

// Len returns the entry count, expired entries included.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.expires)
}

// Entries copies the current (pubkey, expiry) pairs.
func (s *Set) Entries() map[[32]byte]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[[32]byte]int64, len(s.expires))
	for pk, exp := range s.expires {
		out[pk] = exp
	}
	return out
}

// Replace swaps the whole map; used when loading a snapshot.
func (s *Set) Replace(entries map[[32]byte]int64) {
	s.mu.Lock()
	s.expires = entries
	s.mu.Unlock()
}
