package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/aegis/internal/memory"
)

// Hooks receives correlator observations; wired to Prometheus by main.
type Hooks struct {
	OnEnqueueDropped func()
	OnProcessed      func(outcome string)
}

// Config holds correlator tunables.
type Config struct {
	// Window bounds how far back the correlator looks for related records.
	Window time.Duration
	// QueueSize bounds the completion queue; enqueue never blocks.
	QueueSize int
	// MaxCASRetries bounds retries when concurrent completions race on
	// the same campaign.
	MaxCASRetries int
}

// Correlator consumes completed investigations and maintains the campaign
// set. It runs asynchronously and never blocks the completing
// investigation.
type Correlator struct {
	mem    memory.Store
	store  Store
	cfg    Config
	logger log.Logger
	hooks  Hooks
	queue  chan memory.Record
}

// NewCorrelator creates a correlator. Run must be started for Enqueue to
// have any effect.
func NewCorrelator(mem memory.Store, store Store, cfg Config, logger log.Logger, hooks Hooks) *Correlator {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 8
	}
	return &Correlator{
		mem:    mem,
		store:  store,
		cfg:    cfg,
		logger: logger,
		hooks:  hooks,
		queue:  make(chan memory.Record, cfg.QueueSize),
	}
}

// Enqueue hands a completed investigation's memory record to the
// correlator. Non-blocking: if the queue is full the record is dropped and
// counted; the next overlapping completion re-covers the cluster.
func (c *Correlator) Enqueue(rec memory.Record) bool {
	select {
	case c.queue <- rec:
		return true
	default:
		if c.hooks.OnEnqueueDropped != nil {
			c.hooks.OnEnqueueDropped()
		}
		c.logger.Warn(context.Background(), "correlator queue full, dropping record",
			"investigation_id", rec.InvestigationID)
		return false
	}
}

// Run processes the queue until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-c.queue:
			outcome, err := c.Process(ctx, rec)
			if err != nil {
				c.logger.Error(ctx, err, "campaign correlation failed",
					"investigation_id", rec.InvestigationID)
				outcome = "error"
			}
			if c.hooks.OnProcessed != nil {
				c.hooks.OnProcessed(outcome)
			}
		}
	}
}

// Process correlates one record. Outcomes: "none" (no related records),
// "joined" (added to an existing campaign, possibly merging several), or
// "created" (new campaign seeded). Exported for synchronous use in tests.
func (c *Correlator) Process(ctx context.Context, rec memory.Record) (string, error) {
	var outcome string
	for attempt := 0; attempt < c.cfg.MaxCASRetries; attempt++ {
		var err error
		outcome, err = c.correlateOnce(ctx, rec)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return outcome, err
	}
	return outcome, fmt.Errorf("campaign CAS retries exhausted for %s", rec.InvestigationID)
}

func (c *Correlator) correlateOnce(ctx context.Context, rec memory.Record) (string, error) {
	matches, err := c.mem.LookupSimilar(ctx, memory.Query{
		Fingerprint: rec.Fingerprint,
		Embedding:   rec.Embedding,
		Window:      c.cfg.Window,
		Now:         rec.Timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("memory lookup: %w", err)
	}

	var related []memory.Match
	for _, m := range matches {
		if m.InvestigationID != rec.InvestigationID {
			related = append(related, m)
		}
	}
	if len(related) == 0 {
		return "none", nil
	}

	// Collect distinct active campaigns already holding a related
	// investigation.
	involved := map[string]*Campaign{}
	for _, m := range related {
		camp, ok, err := c.store.FindByMember(ctx, m.InvestigationID)
		if err != nil {
			return "", fmt.Errorf("find campaign for %s: %w", m.InvestigationID, err)
		}
		if ok {
			involved[camp.ID] = camp
		}
	}

	if len(involved) == 0 {
		return c.seedCampaign(ctx, rec, related)
	}
	return c.joinCampaigns(ctx, rec, related, involved)
}

// seedCampaign creates a campaign from all related investigations plus the
// new one.
func (c *Correlator) seedCampaign(ctx context.Context, rec memory.Record, related []memory.Match) (string, error) {
	camp := &Campaign{ID: ulid.Make().String()}
	for _, m := range related {
		camp.addMembers(m.InvestigationID)
		camp.addTags(m.TechniqueTags...)
		camp.observe(m.Timestamp)
	}
	camp.addMembers(rec.InvestigationID)
	camp.addTags(rec.TechniqueTags...)
	camp.observe(rec.Timestamp)

	if err := c.store.Put(ctx, camp, 0); err != nil {
		return "", err
	}
	c.logger.Info(ctx, "campaign created",
		"campaign_id", camp.ID,
		"members", len(camp.MemberIDs),
	)
	return "created", nil
}

// joinCampaigns adds the record to the matched campaign, merging campaigns
// first when the record bridges several. The survivor is the lowest
// campaign id; absorbed campaigns are archived with their membership
// intact.
func (c *Correlator) joinCampaigns(ctx context.Context, rec memory.Record, related []memory.Match, involved map[string]*Campaign) (string, error) {
	ids := make([]string, 0, len(involved))
	for id := range involved {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	survivor := involved[ids[0]]
	survivorVersion := survivor.Version

	for _, id := range ids[1:] {
		loser := involved[id]
		survivor.addMembers(loser.MemberIDs...)
		survivor.addTags(loser.TechniqueTags...)
		survivor.observe(loser.FirstSeen)
		survivor.observe(loser.LastSeen)
	}
	for _, m := range related {
		survivor.addMembers(m.InvestigationID)
		survivor.addTags(m.TechniqueTags...)
		survivor.observe(m.Timestamp)
	}
	survivor.addMembers(rec.InvestigationID)
	survivor.addTags(rec.TechniqueTags...)
	survivor.observe(rec.Timestamp)

	if err := c.store.Put(ctx, survivor, survivorVersion); err != nil {
		return "", err
	}
	for _, id := range ids[1:] {
		loser := involved[id]
		loser.Archived = true
		loser.MergedInto = survivor.ID
		if err := c.store.Put(ctx, loser, loser.Version); err != nil {
			return "", err
		}
		c.logger.Info(ctx, "campaign merged",
			"campaign_id", loser.ID,
			"merged_into", survivor.ID,
		)
	}

	c.logger.Info(ctx, "campaign joined",
		"campaign_id", survivor.ID,
		"investigation_id", rec.InvestigationID,
		"members", len(survivor.MemberIDs),
	)
	return "joined", nil
}
