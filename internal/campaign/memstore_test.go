package campaign

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemStorePut_CAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	c := &Campaign{ID: "01JNCAMP", MemberIDs: []string{"a", "b"}}
	if err := s.Put(ctx, c, 0); err != nil {
		t.Fatalf("Put new: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("Version = %d, want 1 after first Put", c.Version)
	}

	// Creating again with expected 0 conflicts.
	dup := &Campaign{ID: "01JNCAMP"}
	if err := s.Put(ctx, dup, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Put duplicate-create = %v, want version conflict", err)
	}

	// Stale version conflicts; current version succeeds.
	c.MemberIDs = append(c.MemberIDs, "c")
	if err := s.Put(ctx, c, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Put stale = %v, want version conflict", err)
	}
	if err := s.Put(ctx, c, 1); err != nil {
		t.Fatalf("Put current: %v", err)
	}
	if c.Version != 2 {
		t.Errorf("Version = %d, want 2", c.Version)
	}

	// Updating a missing campaign with a nonzero expectation conflicts.
	ghost := &Campaign{ID: "01JNGHOST"}
	if err := s.Put(ctx, ghost, 3); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Put missing = %v, want version conflict", err)
	}
}

func TestMemStoreGet_Isolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	c := &Campaign{ID: "01JNCAMP", MemberIDs: []string{"a"}}
	if err := s.Put(ctx, c, 0); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Get(ctx, "01JNCAMP")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v), want found", ok, err)
	}
	got.MemberIDs[0] = "mutated"
	again, _, _ := s.Get(ctx, "01JNCAMP")
	if again.MemberIDs[0] != "a" {
		t.Error("mutating a Get result leaked into the store")
	}

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Error("Get(missing) should not be found")
	}
}

func TestMemStoreFindByMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	older := &Campaign{ID: "01JNAAA", MemberIDs: []string{"shared", "x"}}
	newer := &Campaign{ID: "01JNBBB", MemberIDs: []string{"shared", "y"}}
	archived := &Campaign{ID: "01JN000", MemberIDs: []string{"shared"}, Archived: true}
	for _, c := range []*Campaign{older, newer, archived} {
		if err := s.Put(ctx, c, 0); err != nil {
			t.Fatal(err)
		}
	}

	got, ok, err := s.FindByMember(ctx, "shared")
	if err != nil || !ok {
		t.Fatalf("FindByMember = (%v, %v), want found", ok, err)
	}
	if got.ID != "01JNAAA" {
		t.Errorf("FindByMember = %s, want the lowest active campaign id", got.ID)
	}

	if _, ok, _ := s.FindByMember(ctx, "nobody"); ok {
		t.Error("FindByMember(nobody) should not be found")
	}
}

func TestMemStoreList_OrderedByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	for _, id := range []string{"01JNC", "01JNA", "01JNB"} {
		if err := s.Put(ctx, &Campaign{ID: id}, 0); err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 3 || out[0].ID != "01JNA" || out[2].ID != "01JNC" {
		ids := make([]string, len(out))
		for i, c := range out {
			ids[i] = c.ID
		}
		t.Errorf("List order = %v, want ascending by id", ids)
	}
}

func TestCampaignObserve(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Campaign{}
	c.observe(base)
	c.observe(base.Add(-time.Hour))
	c.observe(base.Add(2 * time.Hour))
	c.observe(time.Time{})

	if !c.FirstSeen.Equal(base.Add(-time.Hour)) {
		t.Errorf("FirstSeen = %v, want the earliest observation", c.FirstSeen)
	}
	if !c.LastSeen.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("LastSeen = %v, want the latest observation", c.LastSeen)
	}
}

func TestCampaignAddMembers(t *testing.T) {
	t.Parallel()

	c := &Campaign{}
	c.addMembers("a", "b", "a", "")
	c.addMembers("b", "c")

	want := []string{"a", "b", "c"}
	if len(c.MemberIDs) != len(want) {
		t.Fatalf("MemberIDs = %v, want %v", c.MemberIDs, want)
	}
	for i := range want {
		if c.MemberIDs[i] != want[i] {
			t.Errorf("MemberIDs = %v, want %v", c.MemberIDs, want)
			break
		}
	}
}
