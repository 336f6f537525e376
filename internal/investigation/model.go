package investigation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/aegis/internal/alert"
	"github.com/linnemanlabs/aegis/internal/memory"
)

// Status tracks where an investigation is in its lifecycle.
type Status string

const (
	StatusPending       Status = "pending"
	StatusEnriching     Status = "enriching"
	StatusAnalyzing     Status = "analyzing"
	StatusInvestigating Status = "investigating"
	StatusResponding    Status = "responding"
	StatusReporting     Status = "reporting"
	StatusComplete      Status = "complete"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Stage names, in pipeline order.
const (
	StageEnrichment    = "enrichment"
	StageAnalysis      = "analysis"
	StageInvestigation = "investigation"
	StageResponse      = "response"
	StageCommunication = "communication"
)

// StageOrder is the full pipeline order; the investigation stage is skipped
// for low-severity alerts.
var StageOrder = []string{StageEnrichment, StageAnalysis, StageInvestigation, StageResponse, StageCommunication}

// StageRecord is one completed stage's output. Each stage writes exactly one
// record; records are never overwritten.
type StageRecord struct {
	Stage       string          `json:"stage"`
	Data        json.RawMessage `json:"data"`
	Trace       []string        `json:"reasoning_trace,omitempty"`
	Confidence  float64         `json:"confidence"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Evidence is one append-only audit trail entry.
type Evidence struct {
	Stage string    `json:"stage"`
	Claim string    `json:"claim"`
	Ref   string    `json:"supporting_data_ref,omitempty"`
	At    time.Time `json:"at"`
}

// Investigation is the central aggregate, one per alert. It is exclusively
// owned by the state machine while active; after reaching a terminal status
// it becomes read-only and visible to the memory store.
type Investigation struct {
	ID            string        `json:"id"`
	Alert         *alert.Alert  `json:"alert"`
	Fingerprint   string        `json:"fingerprint"`
	Status        Status        `json:"status"`
	StageResults  []StageRecord `json:"stage_results"`
	EvidenceTrail []Evidence    `json:"evidence_trail"`
	RelatedIDs    []string      `json:"related_investigation_ids,omitempty"`
	Abbreviated   bool          `json:"abbreviated,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`

	// severityScore is written at most once, by the analysis stage.
	severitySet   bool
	SeverityScore float64 `json:"severity_score"`

	// relatedMatches holds the joined memory lookup result for building
	// stage inputs; the durable projection is RelatedIDs.
	relatedMatches []memory.Match
}

// New creates a pending investigation for the given alert.
func New(id string, al *alert.Alert, now time.Time) *Investigation {
	return &Investigation{
		ID:          id,
		Alert:       al,
		Fingerprint: al.Fingerprint(),
		Status:      StatusPending,
		CreatedAt:   now,
	}
}

// AppendEvidence adds an audit trail entry. The trail only ever grows.
func (inv *Investigation) AppendEvidence(stage, claim, ref string, at time.Time) {
	inv.EvidenceTrail = append(inv.EvidenceTrail, Evidence{Stage: stage, Claim: claim, Ref: ref, At: at})
}

// RecordStage appends a stage record. A stage may be recorded only once.
func (inv *Investigation) RecordStage(rec StageRecord) error {
	for _, existing := range inv.StageResults {
		if existing.Stage == rec.Stage {
			return fmt.Errorf("stage %q already recorded", rec.Stage)
		}
	}
	inv.StageResults = append(inv.StageResults, rec)
	return nil
}

// StageResult returns the recorded output for a stage, if present.
func (inv *Investigation) StageResult(stage string) (StageRecord, bool) {
	for _, rec := range inv.StageResults {
		if rec.Stage == stage {
			return rec, true
		}
	}
	return StageRecord{}, false
}

// SetSeverity records the severity score. It may be called exactly once;
// later calls are rejected so the score is immutable after analysis.
func (inv *Investigation) SetSeverity(score float64) error {
	if inv.severitySet {
		return fmt.Errorf("severity score already set to %.2f", inv.SeverityScore)
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("severity score %.2f out of range [0,1]", score)
	}
	inv.SeverityScore = score
	inv.severitySet = true
	return nil
}

// SeveritySet reports whether the analysis stage has scored this alert.
func (inv *Investigation) SeveritySet() bool { return inv.severitySet }

// AddRelated merges investigation ids into the related set, preserving
// insertion order and dropping duplicates and self-references.
func (inv *Investigation) AddRelated(ids ...string) {
	seen := make(map[string]bool, len(inv.RelatedIDs))
	for _, id := range inv.RelatedIDs {
		seen[id] = true
	}
	for _, id := range ids {
		if id == "" || id == inv.ID || seen[id] {
			continue
		}
		inv.RelatedIDs = append(inv.RelatedIDs, id)
		seen[id] = true
	}
}

// Clone returns a deep-enough copy for handing out snapshots: slices are
// copied so the caller cannot grow or reorder the originals. The alert is
// shared because it is immutable.
func (inv *Investigation) Clone() *Investigation {
	cp := *inv
	cp.StageResults = append([]StageRecord(nil), inv.StageResults...)
	cp.EvidenceTrail = append([]Evidence(nil), inv.EvidenceTrail...)
	cp.RelatedIDs = append([]string(nil), inv.RelatedIDs...)
	cp.relatedMatches = append([]memory.Match(nil), inv.relatedMatches...)
	return &cp
}

// MarkSeverityLoaded restores the write-once guard on an investigation
// rehydrated from storage that already carries a severity score.
func (inv *Investigation) MarkSeverityLoaded() {
	if len(inv.StageResults) > 0 || inv.SeverityScore > 0 {
		for _, rec := range inv.StageResults {
			if rec.Stage == StageAnalysis {
				inv.severitySet = true
				return
			}
		}
	}
}
