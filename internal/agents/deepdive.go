package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/aegis/internal/investigation"
	"github.com/linnemanlabs/aegis/internal/stage"
)

// DeepDiveOutput is the investigation stage's data contract.
type DeepDiveOutput struct {
	Plan      []string        `json:"plan"`
	Findings  json.RawMessage `json:"findings"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// DeepDive is the deep investigation stage, run only for alerts that
// scored at or above the investigation threshold.
type DeepDive struct {
	deps Deps
}

// NewDeepDive creates the investigation stage.
func NewDeepDive(deps Deps) *DeepDive { return &DeepDive{deps: deps} }

func (d *DeepDive) Name() string { return investigation.StageInvestigation }

func (d *DeepDive) OutputKeys() []string { return []string{"plan", "findings"} }

// Run implements stage.Stage.
func (d *DeepDive) Run(ctx context.Context, in stage.Input) (*stage.Result, error) {
	var analysis AnalysisOutput
	priorData(in.Prior, investigation.StageAnalysis, &analysis)

	if d.deps.Provider != nil {
		res, err := d.completePlan(ctx, in, analysis)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	ind := in.Alert.Indicators
	out := DeepDiveOutput{
		Plan: []string{
			"Check the user's recent login history for anomalies",
			fmt.Sprintf("Review network traffic to and from %s", orUnknown(ind.SourceIP)),
			fmt.Sprintf("Scan endpoint %s for malware artifacts", orUnknown(ind.Hostname)),
			"Check for similar alerts in the past 7 days",
		},
		Findings: mustJSON(map[string]any{
			"related_investigations": len(in.Related),
			"c2_indicators":          false,
			"malware_found":          false,
		}),
		Reasoning: "plan derived from indicator set; no investigation tooling configured",
	}

	return &stage.Result{
		Data: mustJSON(out),
		Trace: []string{
			fmt.Sprintf("built %d-step investigation plan", len(out.Plan)),
			fmt.Sprintf("%d related past investigations in scope", len(in.Related)),
		},
		Confidence: 0.5,
	}, nil
}

func (d *DeepDive) completePlan(ctx context.Context, in stage.Input, analysis AnalysisOutput) (*stage.Result, error) {
	ind := in.Alert.Indicators

	related := "none"
	if len(in.Related) > 0 {
		related = fmt.Sprintf("%d prior investigations with overlapping indicators (top similarity %.2f)",
			len(in.Related), in.Related[0].Similarity)
	}

	user := fmt.Sprintf(`You are a senior SOC investigator. Generate an investigation plan and findings
for this alert and return JSON with keys "plan" (array of 4-6 actionable step
strings, prioritized) and "findings" (object summarizing what each step would
reveal given the context below).

ALERT:
- Type: %s
- Source IP: %s
- Destination IP: %s
- User: %s
- Hostname: %s
- Severity score: %.2f
- Threat category: %s

RELATED HISTORY: %s

Return ONLY the JSON object.`,
		ind.Type, orUnknown(ind.SourceIP), orUnknown(ind.DestinationIP),
		orUnknown(ind.User), orUnknown(ind.Hostname),
		analysis.SeverityScore, orUnknown(analysis.ThreatCategory), related)

	comp, err := d.deps.Provider.Complete(ctx,
		"You are an expert SOC investigator. Generate precise, actionable investigation plans. Return only valid JSON.",
		user)
	if err != nil {
		return nil, err
	}

	var out DeepDiveOutput
	if jerr := json.Unmarshal([]byte(extractJSON(comp.Text)), &out); jerr != nil || len(out.Plan) == 0 {
		return nil, nil
	}
	if len(out.Findings) == 0 {
		out.Findings = json.RawMessage(`{}`)
	}

	trace := []string{fmt.Sprintf("generated %d-step investigation plan", len(out.Plan))}
	trace = append(trace, out.Plan...)

	return &stage.Result{
		Data:       mustJSON(out),
		Trace:      trace,
		Confidence: 0.8,
	}, nil
}
