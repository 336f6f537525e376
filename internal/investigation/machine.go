package investigation

import "fmt"

// Event is a trigger for a status transition.
type Event string

const (
	// EventStart begins enrichment for a pending investigation.
	EventStart Event = "start"
	// EventEnriched records successful context enrichment.
	EventEnriched Event = "enriched"
	// EventScoredHigh routes a scored alert into deep investigation.
	EventScoredHigh Event = "scored_high"
	// EventScoredLow skips deep investigation for a low-severity alert.
	EventScoredLow Event = "scored_low"
	// EventInvestigated records a completed investigation plan.
	EventInvestigated Event = "investigated"
	// EventResponded records generated remediation.
	EventResponded Event = "responded"
	// EventReported records the final report and notification.
	EventReported Event = "reported"
	// EventFailed aborts from any non-terminal status.
	EventFailed Event = "failed"
	// EventCancelled aborts on operator request.
	EventCancelled Event = "cancelled"
)

// transitions enumerates every legal (status, event) pair. Anything not in
// this table is an illegal transition.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventStart: StatusEnriching,
	},
	StatusEnriching: {
		EventEnriched: StatusAnalyzing,
	},
	StatusAnalyzing: {
		EventScoredHigh: StatusInvestigating,
		EventScoredLow:  StatusResponding,
	},
	StatusInvestigating: {
		EventInvestigated: StatusResponding,
	},
	StatusResponding: {
		EventResponded: StatusReporting,
	},
	StatusReporting: {
		EventReported: StatusComplete,
	},
}

// Next is the pure transition function. EventFailed and EventCancelled are
// legal from any non-terminal status; everything else must appear in the
// transition table.
func Next(from Status, ev Event) (Status, error) {
	if from.Terminal() {
		return from, fmt.Errorf("investigation is terminal (%s), cannot apply %s", from, ev)
	}
	if ev == EventFailed || ev == EventCancelled {
		return StatusFailed, nil
	}
	to, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("illegal transition: %s + %s", from, ev)
	}
	return to, nil
}

// StageFor maps a status to the stage the machine runs while in it.
// Pending and terminal statuses run no stage.
func StageFor(s Status) (string, bool) {
	switch s {
	case StatusEnriching:
		return StageEnrichment, true
	case StatusAnalyzing:
		return StageAnalysis, true
	case StatusInvestigating:
		return StageInvestigation, true
	case StatusResponding:
		return StageResponse, true
	case StatusReporting:
		return StageCommunication, true
	default:
		return "", false
	}
}

// successEvent maps a completed stage to the event that advances past it.
// The analysis stage is resolved by the caller via the severity branch.
func successEvent(stage string) (Event, bool) {
	switch stage {
	case StageEnrichment:
		return EventEnriched, true
	case StageInvestigation:
		return EventInvestigated, true
	case StageResponse:
		return EventResponded, true
	case StageCommunication:
		return EventReported, true
	default:
		return "", false
	}
}
