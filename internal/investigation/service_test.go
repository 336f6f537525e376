package investigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/aegis/internal/eventbus"
	"github.com/linnemanlabs/aegis/internal/memory"
	"github.com/linnemanlabs/aegis/internal/stage"
)

// fakeStore is an in-memory Store with injectable Put failures.
type fakeStore struct {
	mu       sync.Mutex
	byID     map[string]*Investigation
	seen     map[string]string
	putFails int // fail this many Puts before succeeding
	puts     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*Investigation), seen: make(map[string]string)}
}

func (s *fakeStore) Get(_ context.Context, id string) (*Investigation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	return inv.Clone(), true, nil
}

func (s *fakeStore) GetByFingerprint(_ context.Context, fp string) (*Investigation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.seen[fp]
	if !ok {
		return nil, false, nil
	}
	return s.byID[id].Clone(), true, nil
}

func (s *fakeStore) Put(_ context.Context, inv *Investigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putFails > 0 {
		s.putFails--
		return errors.New("store unavailable")
	}
	s.byID[inv.ID] = inv.Clone()
	s.seen[inv.Fingerprint] = inv.ID
	return nil
}

func (s *fakeStore) List(_ context.Context, _ int) ([]*Investigation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Investigation, 0, len(s.byID))
	for _, inv := range s.byID {
		out = append(out, inv.Clone())
	}
	return out, nil
}

// fakeStage runs a caller-provided function under a stage name.
type fakeStage struct {
	name string
	keys []string
	run  func(ctx context.Context, in stage.Input) (*stage.Result, error)
}

func (f *fakeStage) Name() string         { return f.name }
func (f *fakeStage) OutputKeys() []string { return f.keys }
func (f *fakeStage) Run(ctx context.Context, in stage.Input) (*stage.Result, error) {
	return f.run(ctx, in)
}

func staticStage(name string, data string) *fakeStage {
	return &fakeStage{
		name: name,
		run: func(context.Context, stage.Input) (*stage.Result, error) {
			return &stage.Result{Data: json.RawMessage(data), Trace: []string{name + " done"}, Confidence: 0.9}, nil
		},
	}
}

// pipeline returns the standard five fake stages, scoring analysis at the
// given severity.
func pipeline(score float64) []stage.Stage {
	return []stage.Stage{
		staticStage(StageEnrichment, `{"siem_summary":{}}`),
		staticStage(StageAnalysis, fmt.Sprintf(`{"severity_score":%.2f}`, score)),
		staticStage(StageInvestigation, `{"plan":[]}`),
		staticStage(StageResponse, `{"severity_label":"HIGH"}`),
		staticStage(StageCommunication, `{"report":"SECURITY ALERT INVESTIGATION REPORT"}`),
	}
}

type fakeCorrelator struct {
	mu   sync.Mutex
	recs []memory.Record
}

func (c *fakeCorrelator) Enqueue(rec memory.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return true
}

type fakeNotifier struct {
	mu      sync.Mutex
	reports []string
	err     error
}

func (n *fakeNotifier) NotifyInvestigation(_ context.Context, _ *Investigation, report string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, report)
	return n.err
}

func testService(t *testing.T, store Store, mem memory.Store, corr Correlator, notif Notifier, stages ...stage.Stage) (*Service, *eventbus.Bus, chan Status) {
	t.Helper()
	bus := eventbus.New(nil)
	adapter := stage.NewAdapter(stage.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		DefaultTimeout: time.Second,
	}, nil, stages...)

	done := make(chan Status, 4)
	svc := NewService(store, adapter, bus, mem, corr, notif, ServiceConfig{
		PersistInitialBackoff: time.Millisecond,
		PersistMaxElapsed:     200 * time.Millisecond,
	}, nil, ServiceHooks{
		OnDone: func(status Status, _ float64) { done <- status },
	})
	return svc, bus, done
}

func waitDone(t *testing.T, done chan Status) Status {
	t.Helper()
	select {
	case st := <-done:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for investigation to finish")
		return ""
	}
}

func TestSubmit_HighSeverityFullPipeline(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	mem := newFakeMemory()
	corr := &fakeCorrelator{}
	notif := &fakeNotifier{}
	svc, _, done := testService(t, store, mem, corr, notif, pipeline(0.90)...)

	inv, created, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Fatal("first Submit should create")
	}

	if st := waitDone(t, done); st != StatusComplete {
		t.Fatalf("final status = %s, want %s", st, StatusComplete)
	}
	svc.Drain()

	final, ok, _ := svc.Get(context.Background(), inv.ID)
	if !ok {
		t.Fatal("completed investigation not in store")
	}
	if final.Status != StatusComplete {
		t.Errorf("Status = %s, want complete", final.Status)
	}
	if final.SeverityScore != 0.90 {
		t.Errorf("SeverityScore = %v, want 0.90", final.SeverityScore)
	}
	if final.Abbreviated {
		t.Error("high severity run must not be abbreviated")
	}
	if len(final.StageResults) != 5 {
		t.Errorf("StageResults len = %d, want 5", len(final.StageResults))
	}
	if final.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	// Completion side effects.
	if len(mem.inserted) != 1 {
		t.Errorf("memory inserts = %d, want 1", len(mem.inserted))
	}
	if len(corr.recs) != 1 {
		t.Errorf("correlator enqueues = %d, want 1", len(corr.recs))
	}
	if len(notif.reports) != 1 || notif.reports[0] != "SECURITY ALERT INVESTIGATION REPORT" {
		t.Errorf("notifier reports = %v, want the communication report", notif.reports)
	}
}

func TestSubmit_LowSeveritySkipsDeepInvestigation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc, _, done := testService(t, store, nil, nil, nil, pipeline(0.30)...)

	inv, _, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if st := waitDone(t, done); st != StatusComplete {
		t.Fatalf("final status = %s, want %s", st, StatusComplete)
	}
	svc.Drain()

	final, _, _ := svc.Get(context.Background(), inv.ID)
	if !final.Abbreviated {
		t.Error("low severity run must be abbreviated")
	}
	if len(final.StageResults) != 4 {
		t.Errorf("StageResults len = %d, want 4 (investigation stage skipped)", len(final.StageResults))
	}
	if _, ok := final.StageResult(StageInvestigation); ok {
		t.Error("investigation stage must not run for a low-severity alert")
	}
}

func TestSubmit_DedupWhileActive(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	release := make(chan struct{})
	blocking := &fakeStage{
		name: StageEnrichment,
		run: func(ctx context.Context, _ stage.Input) (*stage.Result, error) {
			select {
			case <-release:
				return &stage.Result{Data: json.RawMessage(`{}`), Confidence: 1}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	stages := append([]stage.Stage{blocking}, pipeline(0.9)[1:]...)
	svc, _, done := testService(t, store, nil, nil, nil, stages...)

	first, created, err := svc.Submit(context.Background(), testAlert())
	if err != nil || !created {
		t.Fatalf("first Submit = (%v, %v)", created, err)
	}

	second, created, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if created {
		t.Error("second Submit while active should dedup")
	}
	if second.ID != first.ID {
		t.Errorf("dedup returned %s, want %s", second.ID, first.ID)
	}

	close(release)
	if st := waitDone(t, done); st != StatusComplete {
		t.Fatalf("final status = %s", st)
	}
	svc.Drain()

	// After the first is terminal, the same alert starts a fresh
	// investigation.
	third, created, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("third Submit: %v", err)
	}
	if !created {
		t.Error("Submit after terminal should create a new investigation")
	}
	if third.ID == first.ID {
		t.Error("new investigation must have a new id")
	}
	waitDone(t, done)
	svc.Drain()
}

func TestSubmit_ContractViolationFails(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	bad := &fakeStage{
		name: StageEnrichment,
		run: func(context.Context, stage.Input) (*stage.Result, error) {
			return &stage.Result{Data: json.RawMessage(`not json`), Confidence: 1}, nil
		},
	}
	stages := append([]stage.Stage{bad}, pipeline(0.9)[1:]...)
	svc, _, done := testService(t, store, nil, nil, nil, stages...)

	inv, _, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if st := waitDone(t, done); st != StatusFailed {
		t.Fatalf("final status = %s, want failed", st)
	}
	svc.Drain()

	final, _, _ := svc.Get(context.Background(), inv.ID)
	if final.FailureReason == "" {
		t.Error("FailureReason not recorded")
	}
	if final.CompletedAt.IsZero() {
		t.Error("CompletedAt not set on failure")
	}
}

func TestSubmit_TransientRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	var mu sync.Mutex
	attempts := 0
	flaky := &fakeStage{
		name: StageEnrichment,
		run: func(context.Context, stage.Input) (*stage.Result, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return nil, stage.ErrRateLimited
			}
			return &stage.Result{Data: json.RawMessage(`{}`), Confidence: 1}, nil
		},
	}
	stages := append([]stage.Stage{flaky}, pipeline(0.9)[1:]...)
	svc, _, done := testService(t, store, nil, nil, nil, stages...)

	inv, _, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st := waitDone(t, done); st != StatusComplete {
		t.Fatalf("final status = %s, want complete", st)
	}
	svc.Drain()

	final, _, _ := svc.Get(context.Background(), inv.ID)
	rec, ok := final.StageResult(StageEnrichment)
	if !ok {
		t.Fatal("enrichment record missing")
	}
	if rec.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", rec.Attempts)
	}

	// The two failed attempts are on the evidence trail.
	failures := 0
	for _, ev := range final.EvidenceTrail {
		if ev.Stage == StageEnrichment && ev.Claim != "stage completed" {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("failed attempt evidence = %d, want 2", failures)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	started := make(chan struct{})
	var once sync.Once
	blocking := &fakeStage{
		name: StageEnrichment,
		run: func(ctx context.Context, _ stage.Input) (*stage.Result, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	stages := append([]stage.Stage{blocking}, pipeline(0.9)[1:]...)
	svc, _, done := testService(t, store, nil, nil, nil, stages...)

	inv, _, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if !svc.Cancel(inv.ID, "false positive") {
		t.Fatal("Cancel should return true for an active investigation")
	}
	if st := waitDone(t, done); st != StatusFailed {
		t.Fatalf("final status = %s, want failed", st)
	}
	svc.Drain()

	final, _, _ := svc.Get(context.Background(), inv.ID)
	if final.FailureReason == "" || final.Status != StatusFailed {
		t.Errorf("cancelled investigation: status=%s reason=%q", final.Status, final.FailureReason)
	}

	if svc.Cancel(inv.ID, "again") {
		t.Error("Cancel on a terminal investigation should return false")
	}
	if svc.Cancel("missing", "x") {
		t.Error("Cancel on an unknown id should return false")
	}
}

func TestPersist_RetriesStoreFailures(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	gate := make(chan struct{})
	gated := &fakeStage{
		name: StageEnrichment,
		run: func(ctx context.Context, _ stage.Input) (*stage.Result, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &stage.Result{Data: json.RawMessage(`{}`), Confidence: 1}, nil
		},
	}
	stages := append([]stage.Stage{gated}, pipeline(0.9)[1:]...)
	svc, _, done := testService(t, store, nil, nil, nil, stages...)

	var retries atomic.Int32
	svc.hooks.OnPersistRetry = func() { retries.Add(1) }

	inv, _, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Inject two failures into the Put that follows enrichment; the write is
	// retried, never dropped.
	store.mu.Lock()
	store.putFails = 2
	store.mu.Unlock()
	close(gate)

	if st := waitDone(t, done); st != StatusComplete {
		t.Fatalf("final status = %s, want complete", st)
	}
	svc.Drain()

	if got := retries.Load(); got < 2 {
		t.Errorf("persist retries = %d, want >= 2", got)
	}
	final, ok, _ := svc.Get(context.Background(), inv.ID)
	if !ok || final.Status != StatusComplete {
		t.Error("investigation lost despite retried persistence")
	}
}

func TestRun_MemoryLookupJoinsBeforeAnalysis(t *testing.T) {
	t.Parallel()

	mem := newFakeMemory()
	mem.matches = []memory.Match{
		{Record: memory.Record{InvestigationID: "01JNOLD", SeverityScore: 0.8, OutcomeSummary: "prior hit"}, Similarity: 1, Exact: true},
	}

	var mu sync.Mutex
	var analysisRelated []stage.Related
	analysis := &fakeStage{
		name: StageAnalysis,
		run: func(_ context.Context, in stage.Input) (*stage.Result, error) {
			mu.Lock()
			analysisRelated = in.Related
			mu.Unlock()
			return &stage.Result{Data: json.RawMessage(`{"severity_score":0.9}`), Confidence: 1}, nil
		},
	}
	stages := pipeline(0.9)
	stages[1] = analysis

	store := newFakeStore()
	svc, _, done := testService(t, store, mem, nil, nil, stages...)

	inv, _, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st := waitDone(t, done); st != StatusComplete {
		t.Fatalf("final status = %s", st)
	}
	svc.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(analysisRelated) != 1 || analysisRelated[0].InvestigationID != "01JNOLD" {
		t.Errorf("analysis Related = %+v, want the memory match", analysisRelated)
	}

	final, _, _ := svc.Get(context.Background(), inv.ID)
	if len(final.RelatedIDs) != 1 || final.RelatedIDs[0] != "01JNOLD" {
		t.Errorf("RelatedIDs = %v, want [01JNOLD]", final.RelatedIDs)
	}
}

func TestRun_PublishesOrderedEvents(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	gate := make(chan struct{})
	gated := &fakeStage{
		name: StageEnrichment,
		run: func(ctx context.Context, _ stage.Input) (*stage.Result, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &stage.Result{Data: json.RawMessage(`{}`), Confidence: 1}, nil
		},
	}
	stages := append([]stage.Stage{gated}, pipeline(0.9)[1:]...)
	svc, bus, done := testService(t, store, nil, nil, nil, stages...)

	inv, _, err := svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Attach before the pipeline proceeds so the tail covers every later
	// transition.
	sub := bus.Subscribe(inv.ID, 256, func() json.RawMessage { return json.RawMessage(`null`) })
	defer sub.Cancel()
	close(gate)

	if st := waitDone(t, done); st != StatusComplete {
		t.Fatalf("final status = %s", st)
	}
	svc.Drain()

	var last uint64
	sawStatus := false
	for ev := range sub.C {
		if ev.Kind == eventbus.KindSnapshot {
			continue
		}
		if ev.Sequence <= last {
			t.Errorf("sequence went backwards: %d after %d", ev.Sequence, last)
		}
		last = ev.Sequence
		if ev.Kind == eventbus.KindStatus {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Error("expected at least one status event on the tail")
	}
}

// fakeMemory records inserts and serves canned lookup matches.
type fakeMemory struct {
	mu       sync.Mutex
	inserted []memory.Record
	matches  []memory.Match
}

func newFakeMemory() *fakeMemory { return &fakeMemory{} }

func (m *fakeMemory) Insert(_ context.Context, rec memory.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, rec)
	return nil
}

func (m *fakeMemory) LookupSimilar(context.Context, memory.Query) ([]memory.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matches, nil
}
