// Package memstore provides an in-memory implementation of
// investigation.Store. Suitable for dev/testing.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/aegis/internal/investigation"
)

// Store holds investigations in memory.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*investigation.Investigation
	seen map[string]string // alert fingerprint -> investigation ID (dedup)
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		byID: make(map[string]*investigation.Investigation),
		seen: make(map[string]string),
	}
}

// Get retrieves an investigation by id. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*investigation.Investigation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	return inv.Clone(), true, nil
}

// GetByFingerprint retrieves the investigation recorded for the alert
// fingerprint. Returns a copy.
func (s *Store) GetByFingerprint(_ context.Context, fp string) (*investigation.Investigation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seen[fp]
	if !ok {
		return nil, false, nil
	}
	return s.byID[id].Clone(), true, nil
}

// Put stores a copy of the investigation.
func (s *Store) Put(_ context.Context, inv *investigation.Investigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[inv.ID] = inv.Clone()
	s.seen[inv.Fingerprint] = inv.ID
	return nil
}

// List returns up to limit investigations, newest first.
func (s *Store) List(_ context.Context, limit int) ([]*investigation.Investigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*investigation.Investigation, 0, len(s.byID))
	for _, inv := range s.byID {
		out = append(out, inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
