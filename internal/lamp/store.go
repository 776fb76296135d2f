package lamp

import (
	"sync"

	"github.com/dokzlo13/lampd/internal/kasa"
)

// Store holds the canonical light state. Every command takes a sequence
// number before it is sent; a decoded reply is applied only if no newer
// command has already applied its own reply.
type Store struct {
	mu      sync.RWMutex
	issued  uint64
	applied uint64
	state   *kasa.LightState
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Next reserves the sequence number for a new command.
func (s *Store) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return s.issued
}

// Apply records st as the result of command seq. It returns false when a
// newer command has already been applied.
func (s *Store) Apply(seq uint64, st kasa.LightState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.applied {
		return false
	}
	s.applied = seq
	s.state = &st
	return true
}

// Revert restores prev if command seq is still the last one applied.
func (s *Store) Revert(seq uint64, prev *kasa.LightState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.applied {
		return false
	}
	if prev == nil {
		s.state = nil
	} else {
		p := *prev
		s.state = &p
	}
	return true
}

// State returns the current canonical state, if any.
func (s *Store) State() (kasa.LightState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return kasa.LightState{}, false
	}
	return *s.state, true
}

// Reset drops the state, e.g. when a different device is bound. Replies to
// commands issued before Reset are discarded.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	s.applied = s.issued + 1
}
