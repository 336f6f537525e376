// Package memory indexes completed investigations by alert fingerprint and
// embedding vector, supporting the similarity lookups that seed new
// investigations and drive campaign correlation.
package memory

import (
	"context"
	"time"
)

// Record is the read-mostly projection of a completed investigation. Records
// are never mutated after insertion; a correction is a new record with the
// same investigation id and a later timestamp, which supersedes the old one
// as the current projection while the old row is retained for audit.
type Record struct {
	InvestigationID string    `json:"investigation_id"`
	Fingerprint     string    `json:"fingerprint"`
	Embedding       []float32 `json:"embedding"`
	SeverityScore   float64   `json:"severity_score"`
	OutcomeSummary  string    `json:"outcome_summary"`
	TechniqueTags   []string  `json:"technique_tags,omitempty"`
	SourceIP        string    `json:"source_ip,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Match is one similarity lookup hit. Exact marks a fingerprint match;
// exact matches always outrank pure embedding matches regardless of the
// cosine score.
type Match struct {
	Record
	Similarity float64 `json:"similarity"`
	Exact      bool    `json:"exact"`
}

// Query bounds a similarity lookup.
type Query struct {
	Fingerprint string
	Embedding   []float32
	// Window restricts matches to records no older than Now-Window.
	Window time.Duration
	Now    time.Time
	Limit  int
}

// Store is the persistence contract for memory records.
type Store interface {
	// Insert appends a record. Idempotent on investigation id: a record
	// with the same id and a later timestamp becomes the current
	// projection; earlier rows are retained.
	Insert(ctx context.Context, rec Record) error

	// LookupSimilar returns current records within the window, most
	// similar first: exact fingerprint matches (recency-descending), then
	// embedding matches above the store's similarity threshold
	// (similarity-descending, recency breaking ties). The result is
	// finite and already materialized.
	LookupSimilar(ctx context.Context, q Query) ([]Match, error)
}
