// Package stage defines the uniform invocation contract for reasoning
// stages and the adapter that enforces it: per-stage timeouts, bounded
// retries with exponential backoff for transient failures, and output
// schema validation at the boundary.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linnemanlabs/aegis/internal/alert"
)

// Related summarizes a past investigation surfaced by the memory lookup.
type Related struct {
	InvestigationID string  `json:"investigation_id"`
	Similarity      float64 `json:"similarity"`
	Severity        float64 `json:"severity_score"`
	Summary         string  `json:"summary,omitempty"`
}

// Input is the read-only snapshot a stage receives. Prior holds the data
// produced by earlier stages, keyed by stage name.
type Input struct {
	InvestigationID string
	Alert           *alert.Alert
	Prior           map[string]json.RawMessage
	Related         []Related

	// Abbreviated is set on the response stage input when deep
	// investigation was skipped for a low-severity alert, so the output
	// can note reduced evidence depth.
	Abbreviated bool
}

// Result is a stage's accepted output: the produced data, an ordered
// human-readable reasoning trace for streaming, and a confidence indicator.
type Result struct {
	Data       json.RawMessage `json:"data"`
	Trace      []string        `json:"reasoning_trace"`
	Confidence float64         `json:"confidence"`
}

// Stage is one reasoning stage. OutputKeys declares the top-level JSON keys
// the stage's Data must contain; the adapter validates them before
// accepting a result.
type Stage interface {
	Name() string
	OutputKeys() []string
	Run(ctx context.Context, in Input) (*Result, error)
}

// FailureKind classifies stage failures for retry policy.
type FailureKind string

const (
	// FailureTransient covers timeouts and rate limits; retried with backoff.
	FailureTransient FailureKind = "transient"
	// FailureContract covers malformed or out-of-schema output; never retried.
	FailureContract FailureKind = "contract_violation"
	// FailureCancelled covers caller cancellation; never retried.
	FailureCancelled FailureKind = "cancelled"
)

// Failure is a classified stage failure.
type Failure struct {
	Kind  FailureKind
	Stage string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", f.Stage, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient wraps err as a retryable failure.
func Transient(stage string, err error) *Failure {
	return &Failure{Kind: FailureTransient, Stage: stage, Err: err}
}

// Violation wraps err as a non-retryable contract violation.
func Violation(stage string, err error) *Failure {
	return &Failure{Kind: FailureContract, Stage: stage, Err: err}
}

// ErrRateLimited marks provider throttling; always treated as transient.
var ErrRateLimited = errors.New("rate limited")

// KindOf classifies an arbitrary error from a stage invocation.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrRateLimited):
		return FailureTransient
	default:
		// Unclassified provider errors are assumed transient: the retry
		// budget bounds the damage and a contract check still gates the
		// output on success.
		return FailureTransient
	}
}
