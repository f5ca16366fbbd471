package store

import (
	"sync"

	"github.com/avolkov/citytemp/internal/models"
)

// Store holds the authoritative city → Record mapping. Reads are taken
// under a shared lock and never touch the network; writes are expected to
// come from a single logical writer (the reconciler). Entries are never
// evicted; a city absent from a later snapshot is assumed still tracked.
type Store struct {
	mu      sync.RWMutex
	records map[string]models.Record
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]models.Record),
	}
}

// Read returns the Record for city, if one was ever accepted.
func (s *Store) Read(city string) (models.Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[city]
	s.mu.RUnlock()
	return rec, ok
}

// Write stores a single Record for city.
func (s *Store) Write(city string, rec models.Record) {
	s.mu.Lock()
	s.records[city] = rec
	s.mu.Unlock()
}

// Apply stores a batch of Records under one write section, so a reader
// never observes a half-applied snapshot.
func (s *Store) Apply(batch map[string]models.Record) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	for city, rec := range batch {
		s.records[city] = rec
	}
	s.mu.Unlock()
}

// Len returns the number of tracked cities.
func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.records)
	s.mu.RUnlock()
	return n
}

// Snapshot returns a copy of the current mapping. Intended for health
// reporting and tests, not for the hot read path.
func (s *Store) Snapshot() map[string]models.Record {
	s.mu.RLock()
	out := make(map[string]models.Record, len(s.records))
	for city, rec := range s.records {
		out[city] = rec
	}
	s.mu.RUnlock()
	return out
}
