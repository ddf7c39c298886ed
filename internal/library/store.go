package library

import (
	"sync"
	"sync/atomic"

	"github.com/printvault/printvault/internal/metrics"
)

// Store publishes index snapshots to readers. Load is a single atomic
// pointer read; Swap assigns the next generation and publishes the new
// snapshot in one assignment, so readers iterating the previous
// snapshot are never affected.
type Store struct {
	mu   sync.Mutex // serializes writers for the generation counter
	gen  uint64
	snap atomic.Pointer[Snapshot]
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Load returns the current snapshot, or nil before the first Swap.
func (s *Store) Load() *Snapshot {
	return s.snap.Load()
}

// Swap stamps snap with the next generation and publishes it.
func (s *Store) Swap(snap *Snapshot) *Snapshot {
	s.mu.Lock()
	s.gen++
	snap.Generation = s.gen
	s.snap.Store(snap)
	s.mu.Unlock()

	metrics.SetIndexGeneration(snap.Generation)
	metrics.SetIndexSize(len(snap.Projects), snap.TotalFiles())
	return snap
}

// Generation returns the generation of the published snapshot.
func (s *Store) Generation() uint64 {
	if snap := s.Load(); snap != nil {
		return snap.Generation
	}
	return 0
}
