package investigation

import "context"

// Store is the persistence interface for investigations. Put serializes the
// full aggregate as a versioned record; the runner calls it before every
// status transition so a crash never loses an acknowledged stage result.
type Store interface {
	Get(ctx context.Context, id string) (*Investigation, bool, error)
	// GetByFingerprint returns the most recent investigation for the alert
	// fingerprint, for deduplication on submit.
	GetByFingerprint(ctx context.Context, fingerprint string) (*Investigation, bool, error)
	Put(ctx context.Context, inv *Investigation) error
	List(ctx context.Context, limit int) ([]*Investigation, error)
}
