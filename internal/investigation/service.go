package investigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/aegis/internal/alert"
	"github.com/linnemanlabs/aegis/internal/eventbus"
	"github.com/linnemanlabs/aegis/internal/memory"
	"github.com/linnemanlabs/aegis/internal/stage"
)

// Correlator receives completed investigations for campaign clustering.
// Enqueue must not block.
type Correlator interface {
	Enqueue(rec memory.Record) bool
}

// Notifier delivers the final report to an external channel. Delivery is
// best-effort; failures are recorded as evidence, never fail the
// investigation.
type Notifier interface {
	NotifyInvestigation(ctx context.Context, inv *Investigation, report string) error
}

// ServiceHooks receives lifecycle observations; wired to Prometheus by
// Metrics.Hooks. Nil fields are skipped.
type ServiceHooks struct {
	OnSubmit       func(result string)
	OnStageDone    func(stage string, attempts int, duration float64)
	OnStageFailure func(stage, kind string)
	OnSeverity     func(score float64)
	OnPersistRetry func()
	OnDone         func(status Status, duration float64)
}

func (h ServiceHooks) submit(result string) {
	if h.OnSubmit != nil {
		h.OnSubmit(result)
	}
}

func (h ServiceHooks) stageDone(stage string, attempts int, duration float64) {
	if h.OnStageDone != nil {
		h.OnStageDone(stage, attempts, duration)
	}
}

func (h ServiceHooks) stageFailure(stage, kind string) {
	if h.OnStageFailure != nil {
		h.OnStageFailure(stage, kind)
	}
}

func (h ServiceHooks) severity(score float64) {
	if h.OnSeverity != nil {
		h.OnSeverity(score)
	}
}

func (h ServiceHooks) persistRetry() {
	if h.OnPersistRetry != nil {
		h.OnPersistRetry()
	}
}

func (h ServiceHooks) done(status Status, duration float64) {
	if h.OnDone != nil {
		h.OnDone(status, duration)
	}
}

// ServiceConfig holds orchestration tunables.
type ServiceConfig struct {
	// LowSeverityThreshold routes alerts scoring below it past deep
	// investigation.
	LowSeverityThreshold float64
	// InvestigationTimeout bounds one investigation end to end.
	InvestigationTimeout time.Duration
	// MemoryLookupWindow and MemoryLookupLimit bound the similarity lookup
	// that runs concurrently with enrichment.
	MemoryLookupWindow time.Duration
	MemoryLookupLimit  int
	// PersistInitialBackoff/PersistMaxElapsed bound retries of store
	// writes while persistence is unavailable.
	PersistInitialBackoff time.Duration
	PersistMaxElapsed     time.Duration
}

func (c *ServiceConfig) fillDefaults() {
	if c.LowSeverityThreshold == 0 {
		c.LowSeverityThreshold = 0.60
	}
	if c.InvestigationTimeout == 0 {
		c.InvestigationTimeout = 10 * time.Minute
	}
	if c.MemoryLookupWindow == 0 {
		c.MemoryLookupWindow = 72 * time.Hour
	}
	if c.MemoryLookupLimit == 0 {
		c.MemoryLookupLimit = 10
	}
	if c.PersistInitialBackoff == 0 {
		c.PersistInitialBackoff = 100 * time.Millisecond
	}
	if c.PersistMaxElapsed == 0 {
		c.PersistMaxElapsed = 30 * time.Second
	}
}

// Service owns investigation lifecycles: it accepts alerts, drives each
// investigation's state machine in its own goroutine, and fans results out
// to the memory store, correlator, notifier and event bus.
type Service struct {
	store      Store
	adapter    *stage.Adapter
	bus        *eventbus.Bus
	mem        memory.Store
	correlator Correlator
	notifier   Notifier
	cfg        ServiceConfig
	logger     log.Logger
	hooks      ServiceHooks

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewService wires the orchestrator. mem, correlator and notifier may be
// nil; the corresponding steps are skipped.
func NewService(store Store, adapter *stage.Adapter, bus *eventbus.Bus, mem memory.Store,
	correlator Correlator, notifier Notifier, cfg ServiceConfig, logger log.Logger, hooks ServiceHooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	cfg.fillDefaults()
	return &Service{
		store:      store,
		adapter:    adapter,
		bus:        bus,
		mem:        mem,
		correlator: correlator,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		hooks:      hooks,
		active:     make(map[string]context.CancelCauseFunc),
	}
}

// errCancelRequested carries the operator's reason through context cause.
type errCancelRequested struct{ reason string }

func (e *errCancelRequested) Error() string { return "cancellation requested: " + e.reason }

// Submit accepts a normalized alert and starts an investigation for it.
// A resubmission while an investigation for the same fingerprint is still
// active returns the existing investigation; once that one is terminal, a
// new submission starts a fresh investigation (which the memory store will
// relate to the first).
func (s *Service) Submit(ctx context.Context, al *alert.Alert) (*Investigation, bool, error) {
	fp := al.Fingerprint()
	if existing, ok, err := s.store.GetByFingerprint(ctx, fp); err != nil {
		s.hooks.submit("error")
		return nil, false, fmt.Errorf("dedup lookup: %w", err)
	} else if ok && !existing.Status.Terminal() {
		s.hooks.submit("duplicate")
		return existing, false, nil
	}

	inv := New(ulid.Make().String(), al, time.Now().UTC())
	if err := s.store.Put(ctx, inv); err != nil {
		s.hooks.submit("error")
		return nil, false, fmt.Errorf("persist new investigation: %w", err)
	}
	s.hooks.submit("accepted")

	// The investigation outlives the submit request.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.active[inv.ID] = cancel
	s.mu.Unlock()

	s.publishStatus(inv.ID, "", inv.Status, "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, inv.ID)
			s.mu.Unlock()
			cancel(nil)
		}()
		s.run(runCtx, inv)
	}()

	return inv.Clone(), true, nil
}

// Cancel requests cancellation of an active investigation. Returns false
// when the investigation is not running (unknown or already terminal).
func (s *Service) Cancel(id, reason string) bool {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel(&errCancelRequested{reason: reason})
	return true
}

// Get returns the stored snapshot of an investigation.
func (s *Service) Get(ctx context.Context, id string) (*Investigation, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns recent investigations.
func (s *Service) List(ctx context.Context, limit int) ([]*Investigation, error) {
	return s.store.List(ctx, limit)
}

// Drain waits for in-flight investigations to finish.
func (s *Service) Drain() { s.wg.Wait() }

// run drives one investigation from PENDING to a terminal status.
func (s *Service) run(ctx context.Context, inv *Investigation) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvestigationTimeout)
	defer cancel()

	L := s.logger.With("investigation_id", inv.ID, "alert_id", inv.Alert.ID, "fingerprint", inv.Fingerprint)
	L.Info(ctx, "investigation started", "alert_type", inv.Alert.Indicators.Type)

	// Memory lookup runs concurrently with enrichment; joined before the
	// analysis input is built.
	lookupCh := s.startLookup(ctx, inv)

	if err := s.transition(ctx, inv, EventStart); err != nil {
		s.fail(ctx, inv, "", err, start)
		return
	}

	lookupJoined := false
	for !inv.Status.Terminal() {
		stageName, ok := StageFor(inv.Status)
		if !ok {
			s.fail(ctx, inv, "", fmt.Errorf("no stage for status %s", inv.Status), start)
			return
		}

		if stageName == StageAnalysis && !lookupJoined {
			s.joinLookup(ctx, inv, lookupCh)
			lookupJoined = true
			if err := s.persist(ctx, inv); err != nil {
				s.fail(ctx, inv, stageName, err, start)
				return
			}
		}

		in := s.buildInput(inv, stageName)
		stageStart := time.Now()
		invoc, err := s.adapter.Invoke(ctx, stageName, in)
		if err != nil {
			s.recordAttempts(inv, stageName, invoc)
			s.fail(ctx, inv, stageName, err, start)
			return
		}

		s.hooks.stageDone(stageName, invoc.Attempts, time.Since(stageStart).Seconds())
		s.recordAttempts(inv, stageName, invoc)

		now := time.Now().UTC()
		rec := StageRecord{
			Stage:       stageName,
			Data:        invoc.Result.Data,
			Trace:       invoc.Result.Trace,
			Confidence:  invoc.Result.Confidence,
			Attempts:    invoc.Attempts,
			CompletedAt: now,
		}
		if err := inv.RecordStage(rec); err != nil {
			s.fail(ctx, inv, stageName, err, start)
			return
		}
		inv.AppendEvidence(stageName, "stage completed", "", now)

		ev, err := s.advanceEvent(inv, stageName, invoc.Result)
		if err != nil {
			s.fail(ctx, inv, stageName, err, start)
			return
		}

		for i, line := range invoc.Result.Trace {
			s.publishJSON(inv.ID, eventbus.KindReasoning, map[string]any{
				"stage": stageName, "step": i + 1, "text": line,
			})
		}
		s.publishJSON(inv.ID, eventbus.KindStageResult, map[string]any{
			"stage":      stageName,
			"data":       json.RawMessage(invoc.Result.Data),
			"confidence": invoc.Result.Confidence,
			"attempts":   invoc.Attempts,
		})

		if err := s.transition(ctx, inv, ev); err != nil {
			s.fail(ctx, inv, stageName, err, start)
			return
		}
	}

	inv.CompletedAt = time.Now().UTC()
	if err := s.persist(ctx, inv); err != nil {
		L.Error(ctx, err, "failed to persist completed investigation")
	}

	s.finish(ctx, inv, L)
	s.hooks.done(inv.Status, time.Since(start).Seconds())
	L.Info(ctx, "investigation complete",
		"severity_score", inv.SeverityScore,
		"abbreviated", inv.Abbreviated,
		"duration", time.Since(start).String(),
	)
	s.bus.Close(inv.ID)
}

// advanceEvent resolves the event that moves past a completed stage. The
// analysis stage branches on the severity score.
func (s *Service) advanceEvent(inv *Investigation, stageName string, res *stage.Result) (Event, error) {
	if stageName != StageAnalysis {
		ev, ok := successEvent(stageName)
		if !ok {
			return "", fmt.Errorf("no success event for stage %s", stageName)
		}
		return ev, nil
	}

	var out struct {
		SeverityScore float64 `json:"severity_score"`
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return "", stage.Violation(stageName, fmt.Errorf("decode severity score: %w", err))
	}
	if err := inv.SetSeverity(out.SeverityScore); err != nil {
		return "", err
	}
	s.hooks.severity(out.SeverityScore)

	now := time.Now().UTC()
	if out.SeverityScore < s.cfg.LowSeverityThreshold {
		inv.Abbreviated = true
		inv.AppendEvidence(stageName,
			fmt.Sprintf("severity %.2f below threshold %.2f, skipping deep investigation",
				out.SeverityScore, s.cfg.LowSeverityThreshold), "", now)
		return EventScoredLow, nil
	}
	inv.AppendEvidence(stageName,
		fmt.Sprintf("severity %.2f at or above threshold %.2f, deep investigation required",
			out.SeverityScore, s.cfg.LowSeverityThreshold), "", now)
	return EventScoredHigh, nil
}

// buildInput assembles the read-only snapshot a stage receives.
func (s *Service) buildInput(inv *Investigation, stageName string) stage.Input {
	prior := make(map[string]json.RawMessage, len(inv.StageResults))
	for _, rec := range inv.StageResults {
		prior[rec.Stage] = rec.Data
	}
	in := stage.Input{
		InvestigationID: inv.ID,
		Alert:           inv.Alert,
		Prior:           prior,
		Related:         s.relatedFor(inv),
	}
	if stageName == StageResponse {
		in.Abbreviated = inv.Abbreviated
	}
	return in
}

func (s *Service) relatedFor(inv *Investigation) []stage.Related {
	out := make([]stage.Related, 0, len(inv.relatedMatches))
	for _, m := range inv.relatedMatches {
		out = append(out, stage.Related{
			InvestigationID: m.InvestigationID,
			Similarity:      m.Similarity,
			Severity:        m.SeverityScore,
			Summary:         m.OutcomeSummary,
		})
	}
	return out
}

// startLookup kicks off the similarity lookup that overlaps enrichment.
func (s *Service) startLookup(ctx context.Context, inv *Investigation) <-chan []memory.Match {
	ch := make(chan []memory.Match, 1)
	if s.mem == nil {
		close(ch)
		return ch
	}
	go func() {
		defer close(ch)
		matches, err := s.mem.LookupSimilar(ctx, memory.Query{
			Fingerprint: inv.Fingerprint,
			Embedding:   memory.Embed(inv.Alert.IndicatorText()),
			Window:      s.cfg.MemoryLookupWindow,
			Now:         time.Now().UTC(),
			Limit:       s.cfg.MemoryLookupLimit,
		})
		if err != nil {
			s.logger.Warn(ctx, "memory lookup failed", "investigation_id", inv.ID, "error", err)
			return
		}
		ch <- matches
	}()
	return ch
}

// joinLookup attaches the lookup result to the investigation before the
// analysis input is built.
func (s *Service) joinLookup(ctx context.Context, inv *Investigation, ch <-chan []memory.Match) {
	var matches []memory.Match
	select {
	case matches = <-ch:
	case <-ctx.Done():
		return
	}
	if len(matches) == 0 {
		return
	}

	inv.relatedMatches = matches
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.InvestigationID)
	}
	inv.AddRelated(ids...)
	inv.AppendEvidence("memory",
		fmt.Sprintf("%d related past investigations (top similarity %.2f, exact=%t)",
			len(matches), matches[0].Similarity, matches[0].Exact),
		matches[0].InvestigationID, time.Now().UTC())
}

// transition applies one state machine event, persisting the updated
// investigation before the new status becomes observable.
func (s *Service) transition(ctx context.Context, inv *Investigation, ev Event) error {
	from := inv.Status
	next, err := Next(from, ev)
	if err != nil {
		return err
	}
	inv.Status = next
	if err := s.persist(ctx, inv); err != nil {
		inv.Status = from
		return err
	}
	s.publishStatus(inv.ID, from, next, ev)
	return nil
}

// persist writes the investigation, retrying with backoff while the store
// is unavailable. The transition is held, never silently dropped.
func (s *Service) persist(ctx context.Context, inv *Investigation) error {
	snapshot := inv.Clone()
	attempt := func() (struct{}, error) {
		if err := s.store.Put(ctx, snapshot); err != nil {
			s.hooks.persistRetry()
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.PersistInitialBackoff

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(s.cfg.PersistMaxElapsed),
	)
	if err != nil {
		return fmt.Errorf("persistence unavailable: %w", err)
	}
	return nil
}

// recordAttempts appends evidence for every failed attempt of a stage
// invocation, preserving the full audit history.
func (s *Service) recordAttempts(inv *Investigation, stageName string, invoc *stage.Invocation) {
	if invoc == nil {
		return
	}
	now := time.Now().UTC()
	for i, attemptErr := range invoc.AttemptErrors {
		inv.AppendEvidence(stageName,
			fmt.Sprintf("attempt %d failed: %v", i+1, attemptErr), "", now)
	}
}

// fail moves the investigation to FAILED, recording evidence before the
// status change and emitting an explicit failure event so observers are
// never left inferring failure from silence.
func (s *Service) fail(ctx context.Context, inv *Investigation, stageName string, cause error, start time.Time) {
	kind := stage.KindOf(cause)
	reason := cause.Error()

	var cancelReq *errCancelRequested
	if errors.As(context.Cause(ctx), &cancelReq) {
		kind = stage.FailureCancelled
		reason = cancelReq.Error()
	}

	ev := EventFailed
	if kind == stage.FailureCancelled {
		ev = EventCancelled
	}
	s.hooks.stageFailure(stageName, string(kind))

	now := time.Now().UTC()
	inv.AppendEvidence(stageName, "investigation failed: "+reason, "", now)
	inv.FailureReason = reason
	from := inv.Status
	if next, terr := Next(from, ev); terr == nil {
		inv.Status = next
	} else {
		inv.Status = StatusFailed
	}
	inv.CompletedAt = now

	// Best effort under a possibly-cancelled context; fall back to a
	// detached context so the terminal state is not lost.
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistMaxElapsed)
		defer cancel()
	}
	if err := s.persist(persistCtx, inv); err != nil {
		s.logger.Error(ctx, err, "failed to persist failed investigation", "investigation_id", inv.ID)
	}

	s.publishJSON(inv.ID, eventbus.KindFailure, map[string]any{
		"stage":  stageName,
		"kind":   string(kind),
		"reason": reason,
	})
	s.publishStatus(inv.ID, from, inv.Status, ev)
	s.hooks.done(inv.Status, time.Since(start).Seconds())
	s.logger.Warn(ctx, "investigation failed",
		"investigation_id", inv.ID, "stage", stageName, "kind", string(kind), "reason", reason)
	s.bus.Close(inv.ID)
}

// finish runs the completion side effects: memory insert, campaign
// correlation and notification. All best-effort relative to the already
// terminal investigation.
func (s *Service) finish(ctx context.Context, inv *Investigation, L log.Logger) {
	rec := s.memoryRecord(inv)

	if s.mem != nil {
		if err := s.mem.Insert(ctx, rec); err != nil {
			L.Error(ctx, err, "memory insert failed")
		}
	}
	if s.correlator != nil {
		s.correlator.Enqueue(rec)
	}
	if s.notifier != nil {
		report := s.reportText(inv)
		if err := s.notifier.NotifyInvestigation(ctx, inv, report); err != nil {
			L.Warn(ctx, "notification failed", "error", err)
			inv.AppendEvidence(StageCommunication, "notification delivery failed: "+err.Error(), "", time.Now().UTC())
			if perr := s.persist(ctx, inv); perr != nil {
				L.Error(ctx, perr, "failed to persist notification evidence")
			}
		}
	}
}

// memoryRecord projects a completed investigation into its memory row.
func (s *Service) memoryRecord(inv *Investigation) memory.Record {
	var tags []string
	category := "Unknown"
	if rec, ok := inv.StageResult(StageAnalysis); ok {
		var out struct {
			Techniques []struct {
				ID string `json:"technique_id"`
			} `json:"mitre_techniques"`
			ThreatCategory string `json:"threat_category"`
		}
		if json.Unmarshal(rec.Data, &out) == nil {
			for _, t := range out.Techniques {
				tags = append(tags, t.ID)
			}
			if out.ThreatCategory != "" {
				category = out.ThreatCategory
			}
		}
	}
	ts := inv.CompletedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return memory.Record{
		InvestigationID: inv.ID,
		Fingerprint:     inv.Fingerprint,
		Embedding:       memory.Embed(inv.Alert.IndicatorText()),
		SeverityScore:   inv.SeverityScore,
		OutcomeSummary: fmt.Sprintf("%s: %s scored %.2f",
			category, inv.Alert.Indicators.Type, inv.SeverityScore),
		TechniqueTags: tags,
		SourceIP:      inv.Alert.Indicators.SourceIP,
		Timestamp:     ts,
	}
}

func (s *Service) reportText(inv *Investigation) string {
	rec, ok := inv.StageResult(StageCommunication)
	if !ok {
		return ""
	}
	var out struct {
		Report string `json:"report"`
	}
	if json.Unmarshal(rec.Data, &out) != nil {
		return ""
	}
	return out.Report
}

func (s *Service) publishStatus(id string, from, to Status, ev Event) {
	s.publishJSON(id, eventbus.KindStatus, map[string]any{
		"from":   string(from),
		"status": string(to),
		"event":  string(ev),
	})
}

func (s *Service) publishJSON(id string, kind eventbus.Kind, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.bus.Publish(id, kind, b)
}
