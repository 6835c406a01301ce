// Package memory provides an in-memory record store used for tests and
// ephemeral hosts that should forget the session on exit.
package memory

import (
	"context"
	"sync"

	"adcontrol/internal/persistence/core"
)

var _ core.Store = (*Store)(nil)

// Store keeps a single payload guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	payload []byte
	saves   int
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{} }

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Load implements core.Store.
func (s *Store) Load(context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.payload == nil {
		return nil, core.ErrNoRecord
	}
	return append([]byte(nil), s.payload...), nil
}

// Save implements core.Store.
func (s *Store) Save(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = append([]byte{}, payload...)
	s.saves++
	return nil
}

// Delete implements core.Store.
func (s *Store) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = nil
	return nil
}

// Saves reports how many times Save succeeded.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
