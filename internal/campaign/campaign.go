// Package campaign clusters completed investigations into multi-alert
// coordinated-attack campaigns.
package campaign

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Campaign is a cluster of related investigations. Membership only grows:
// investigations are added, never removed. A campaign absorbed by a merge
// is archived, not shrunk.
type Campaign struct {
	ID            string    `json:"id"`
	MemberIDs     []string  `json:"member_investigation_ids"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	TechniqueTags []string  `json:"representative_technique_tags,omitempty"`
	Archived      bool      `json:"archived,omitempty"`
	MergedInto    string    `json:"merged_into,omitempty"`

	// Version supports compare-and-swap updates; bumped on every Put.
	Version int64 `json:"version"`
}

// HasMember reports whether the investigation id is in the member set.
func (c *Campaign) HasMember(id string) bool {
	for _, m := range c.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// addMembers unions ids into the member set, keeping insertion order.
func (c *Campaign) addMembers(ids ...string) {
	for _, id := range ids {
		if id == "" || c.HasMember(id) {
			continue
		}
		c.MemberIDs = append(c.MemberIDs, id)
	}
}

// addTags unions technique tags, kept sorted and capped.
func (c *Campaign) addTags(tags ...string) {
	const maxTags = 16
	seen := make(map[string]bool, len(c.TechniqueTags))
	for _, t := range c.TechniqueTags {
		seen[t] = true
	}
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		c.TechniqueTags = append(c.TechniqueTags, t)
		seen[t] = true
	}
	sort.Strings(c.TechniqueTags)
	if len(c.TechniqueTags) > maxTags {
		c.TechniqueTags = c.TechniqueTags[:maxTags]
	}
}

// observe widens the campaign's seen window to include t.
func (c *Campaign) observe(t time.Time) {
	if t.IsZero() {
		return
	}
	if c.FirstSeen.IsZero() || t.Before(c.FirstSeen) {
		c.FirstSeen = t
	}
	if t.After(c.LastSeen) {
		c.LastSeen = t
	}
}

// ErrVersionConflict is returned by Store.Put when the expected version no
// longer matches; the caller re-reads and retries.
var ErrVersionConflict = errors.New("campaign version conflict")

// Store is the persistence contract for campaigns. Put is a
// compare-and-swap: mutation of one campaign is serialized through its
// version so near-simultaneous completions cannot lose updates.
type Store interface {
	Get(ctx context.Context, id string) (*Campaign, bool, error)
	List(ctx context.Context) ([]*Campaign, error)
	// FindByMember returns the active (non-archived) campaign containing
	// the investigation id, if any.
	FindByMember(ctx context.Context, investigationID string) (*Campaign, bool, error)
	// Put writes the campaign if its stored version equals
	// expectedVersion (0 for a new campaign), bumping Version on success.
	Put(ctx context.Context, c *Campaign, expectedVersion int64) error
}
