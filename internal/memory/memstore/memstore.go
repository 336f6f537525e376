// Package memstore provides an in-memory implementation of memory.Store.
// Suitable for dev/testing and as the fallback when no database is
// configured.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/aegis/internal/memory"
)

// Store holds memory records in memory. Superseded rows are retained in
// history for audit; lookups see only the current projection per
// investigation id.
type Store struct {
	threshold float64

	mu      sync.RWMutex
	current map[string]memory.Record // investigation ID -> latest record
	history []memory.Record          // every inserted row, append-only
}

// New initializes a Store with the given embedding similarity threshold.
func New(similarityThreshold float64) *Store {
	return &Store{
		threshold: similarityThreshold,
		current:   make(map[string]memory.Record),
	}
}

// Insert appends a record, superseding any prior record for the same
// investigation id that carries an earlier timestamp.
func (s *Store) Insert(_ context.Context, rec memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if prev, ok := s.current[rec.InvestigationID]; ok && prev.Timestamp.After(rec.Timestamp) {
		return nil
	}
	s.current[rec.InvestigationID] = rec
	return nil
}

// LookupSimilar implements memory.Store.
func (s *Store) LookupSimilar(_ context.Context, q memory.Query) ([]memory.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := q.Now.Add(-q.Window)

	var exact, fuzzy []memory.Match
	for _, rec := range s.current {
		if rec.Timestamp.Before(cutoff) || rec.Timestamp.After(q.Now) {
			continue
		}
		if q.Fingerprint != "" && rec.Fingerprint == q.Fingerprint {
			exact = append(exact, memory.Match{Record: rec, Similarity: 1, Exact: true})
			continue
		}
		sim := memory.Cosine(q.Embedding, rec.Embedding)
		if sim >= s.threshold {
			fuzzy = append(fuzzy, memory.Match{Record: rec, Similarity: sim})
		}
	}

	// Exact fingerprint matches rank above any embedding match.
	sort.Slice(exact, func(i, j int) bool {
		return exact[i].Timestamp.After(exact[j].Timestamp)
	})
	sort.Slice(fuzzy, func(i, j int) bool {
		if fuzzy[i].Similarity != fuzzy[j].Similarity {
			return fuzzy[i].Similarity > fuzzy[j].Similarity
		}
		return fuzzy[i].Timestamp.After(fuzzy[j].Timestamp)
	})

	out := append(exact, fuzzy...)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// HistoryLen reports the number of rows ever inserted, including
// superseded ones.
func (s *Store) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}
