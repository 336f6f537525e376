package campaign

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory versioned campaign store.
type MemStore struct {
	mu        sync.RWMutex
	campaigns map[string]*Campaign
}

// NewMemStore initializes an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{campaigns: make(map[string]*Campaign)}
}

// Get returns a copy of the campaign.
func (s *MemStore) Get(_ context.Context, id string) (*Campaign, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, false, nil
	}
	return clone(c), true, nil
}

// List returns copies of all campaigns, ordered by id.
func (s *MemStore) List(_ context.Context) ([]*Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByMember returns the active campaign containing the investigation id.
func (s *MemStore) FindByMember(_ context.Context, investigationID string) (*Campaign, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Deterministic when an id somehow appears in several active
	// campaigns: the lowest campaign id wins.
	var found *Campaign
	for _, c := range s.campaigns {
		if c.Archived || !c.HasMember(investigationID) {
			continue
		}
		if found == nil || c.ID < found.ID {
			found = c
		}
	}
	if found == nil {
		return nil, false, nil
	}
	return clone(found), true, nil
}

// Put applies a compare-and-swap write.
func (s *MemStore) Put(_ context.Context, c *Campaign, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.campaigns[c.ID]
	switch {
	case !ok && expectedVersion != 0:
		return ErrVersionConflict
	case ok && existing.Version != expectedVersion:
		return ErrVersionConflict
	}
	cp := clone(c)
	cp.Version = expectedVersion + 1
	s.campaigns[c.ID] = cp
	c.Version = cp.Version
	return nil
}

func clone(c *Campaign) *Campaign {
	cp := *c
	cp.MemberIDs = append([]string(nil), c.MemberIDs...)
	cp.TechniqueTags = append([]string(nil), c.TechniqueTags...)
	return &cp
}
