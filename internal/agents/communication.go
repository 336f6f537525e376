package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/aegis/internal/investigation"
	"github.com/linnemanlabs/aegis/internal/stage"
)

// CommunicationOutput is the communication stage's data contract.
type CommunicationOutput struct {
	Report string `json:"report"`
}

// Communication renders the final human-readable incident report. It is
// deterministic: the report is assembled from upstream stage output, not
// from a model completion.
type Communication struct{}

// NewCommunication creates the communication stage.
func NewCommunication() *Communication { return &Communication{} }

func (c *Communication) Name() string { return investigation.StageCommunication }

func (c *Communication) OutputKeys() []string { return []string{"report"} }

// Run implements stage.Stage.
func (c *Communication) Run(_ context.Context, in stage.Input) (*stage.Result, error) {
	var analysis AnalysisOutput
	priorData(in.Prior, investigation.StageAnalysis, &analysis)
	var response ResponseOutput
	priorData(in.Prior, investigation.StageResponse, &response)

	var b strings.Builder
	b.WriteString("SECURITY ALERT INVESTIGATION REPORT\n")
	b.WriteString("=====================================\n\n")
	fmt.Fprintf(&b, "Investigation ID: %s\n", in.InvestigationID)
	fmt.Fprintf(&b, "Alert ID: %s\n", in.Alert.ID)
	fmt.Fprintf(&b, "Timestamp: %s\n", in.Alert.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "Alert Type: %s\n", orUnknown(in.Alert.Indicators.Type))

	b.WriteString("\nTHREAT ASSESSMENT\n-----------------\n")
	fmt.Fprintf(&b, "Severity Score: %.2f / 1.00\n", analysis.SeverityScore)
	fmt.Fprintf(&b, "Severity: %s\n", response.SeverityLabel)
	fmt.Fprintf(&b, "Attack Stage: %s\n", orUnknown(analysis.AttackStage))
	fmt.Fprintf(&b, "Threat Category: %s\n", orUnknown(analysis.ThreatCategory))

	b.WriteString("\nMITRE ATT&CK MAPPINGS\n---------------------\n")
	if len(analysis.Techniques) == 0 {
		b.WriteString("- No MITRE techniques identified\n")
	}
	for _, t := range analysis.Techniques {
		fmt.Fprintf(&b, "- %s: %s (Confidence: %.0f%%)\n", t.ID, t.Name, t.Confidence*100)
	}

	b.WriteString("\nRECOMMENDATIONS\n---------------\n")
	i := 0
	for _, a := range response.ImmediateAction {
		i++
		fmt.Fprintf(&b, "%d. %s\n", i, a.Action)
	}
	for _, a := range response.FollowUpActions {
		i++
		fmt.Fprintf(&b, "%d. %s\n", i, a.Action)
	}
	if i == 0 {
		b.WriteString("- None\n")
	}

	b.WriteString("\nINVESTIGATION STATUS\n--------------------\n")
	if response.Abbreviated {
		b.WriteString("Scope: abbreviated (deep investigation skipped for low severity)\n")
	} else {
		b.WriteString("Scope: full\n")
	}
	b.WriteString("Investigated By: aegis orchestrator\n")

	out := CommunicationOutput{Report: b.String()}
	return &stage.Result{
		Data: mustJSON(out),
		Trace: []string{
			"assembled incident report from stage outputs",
			fmt.Sprintf("report covers %d techniques and %d recommendations", len(analysis.Techniques), i),
		},
		Confidence: 1,
	}, nil
}
