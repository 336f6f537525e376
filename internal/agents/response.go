package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/aegis/internal/investigation"
	"github.com/linnemanlabs/aegis/internal/stage"
)

// Severity labels derived from the numeric score.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
)

// SeverityLabel maps a severity score to its label.
func SeverityLabel(score float64) string {
	switch {
	case score >= 0.85:
		return SeverityCritical
	case score >= 0.65:
		return SeverityHigh
	case score >= 0.45:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Action is a single remediation step.
type Action struct {
	Action   string `json:"action"`
	Priority int    `json:"priority"`
}

// ResponseOutput is the response stage's data contract.
type ResponseOutput struct {
	SeverityLabel   string   `json:"severity_label"`
	ImmediateAction []Action `json:"immediate_actions"`
	FollowUpActions []Action `json:"follow_up_actions"`
	EstimatedTime   string   `json:"estimated_time"`
	// Abbreviated notes that deep investigation was skipped, so the
	// playbook rests on reduced evidence depth.
	Abbreviated bool `json:"abbreviated,omitempty"`
}

// Response builds the remediation playbook.
type Response struct {
	deps Deps
}

// NewResponse creates the response stage.
func NewResponse(deps Deps) *Response { return &Response{deps: deps} }

func (r *Response) Name() string { return investigation.StageResponse }

func (r *Response) OutputKeys() []string {
	return []string{"severity_label", "immediate_actions", "follow_up_actions"}
}

// Run implements stage.Stage.
func (r *Response) Run(ctx context.Context, in stage.Input) (*stage.Result, error) {
	var analysis AnalysisOutput
	priorData(in.Prior, investigation.StageAnalysis, &analysis)
	label := SeverityLabel(analysis.SeverityScore)

	var recommendations []string
	if r.deps.Provider != nil {
		recs, err := r.completeRecommendations(ctx, in, analysis, label)
		if err != nil {
			return nil, err
		}
		recommendations = recs
	}
	if len(recommendations) == 0 {
		recommendations = ruleRecommendations(analysis.SeverityScore, in.Alert.Indicators.SourceIP,
			in.Alert.Indicators.User, in.Alert.Indicators.Hostname)
	}

	out := buildPlaybook(label, recommendations, in.Abbreviated)

	trace := []string{
		"severity label: " + label,
		fmt.Sprintf("%d immediate, %d follow-up actions", len(out.ImmediateAction), len(out.FollowUpActions)),
	}
	if in.Abbreviated {
		trace = append(trace, "abbreviated response: deep investigation skipped for low severity")
	}

	return &stage.Result{
		Data:       mustJSON(out),
		Trace:      trace,
		Confidence: 0.7,
	}, nil
}

// buildPlaybook splits recommendations into immediate and follow-up buckets
// by their urgency prefix.
func buildPlaybook(label string, recommendations []string, abbreviated bool) ResponseOutput {
	out := ResponseOutput{
		SeverityLabel: label,
		Abbreviated:   abbreviated,
	}
	switch label {
	case SeverityCritical:
		out.EstimatedTime = "15 minutes"
	case SeverityHigh:
		out.EstimatedTime = "30 minutes"
	default:
		out.EstimatedTime = "1 hour"
	}

	for i, rec := range recommendations {
		action := Action{Action: rec, Priority: i + 1}
		if strings.Contains(rec, "IMMEDIATE") || strings.Contains(rec, "URGENT") {
			out.ImmediateAction = append(out.ImmediateAction, action)
		} else {
			out.FollowUpActions = append(out.FollowUpActions, action)
		}
	}
	if len(out.ImmediateAction) == 0 && len(recommendations) > 0 {
		out.ImmediateAction = []Action{{Action: recommendations[0], Priority: 1}}
		if len(out.FollowUpActions) > 0 {
			out.FollowUpActions = out.FollowUpActions[1:]
		}
	}
	if out.ImmediateAction == nil {
		out.ImmediateAction = []Action{}
	}
	if out.FollowUpActions == nil {
		out.FollowUpActions = []Action{}
	}
	return out
}

func ruleRecommendations(score float64, sourceIP, user, hostname string) []string {
	switch {
	case score >= 0.90:
		return []string{
			fmt.Sprintf("IMMEDIATE: Isolate endpoint %s from the network", orUnknown(hostname)),
			fmt.Sprintf("IMMEDIATE: Reset credentials for user %s", orUnknown(user)),
			fmt.Sprintf("URGENT: Block source IP %s at the perimeter firewall", orUnknown(sourceIP)),
			"Conduct full endpoint forensics",
			"Notify security leadership immediately",
		}
	case score >= 0.70:
		return []string{
			fmt.Sprintf("IMMEDIATE: Isolate endpoint %s", orUnknown(hostname)),
			fmt.Sprintf("Reset password for user %s", orUnknown(user)),
			fmt.Sprintf("Block source IP %s temporarily", orUnknown(sourceIP)),
			"Review related logs for the last 24 hours",
			"Notify the security team",
		}
	default:
		return []string{
			fmt.Sprintf("Monitor activity of user %s for 24 hours", orUnknown(user)),
			"Review endpoint logs",
			fmt.Sprintf("Add source IP %s to the watchlist", orUnknown(sourceIP)),
			"Document in the incident tracking system",
		}
	}
}

func (r *Response) completeRecommendations(ctx context.Context, in stage.Input, analysis AnalysisOutput, label string) ([]string, error) {
	ind := in.Alert.Indicators

	count := 4
	if label == SeverityCritical || label == SeverityHigh {
		count = 5
	}

	user := fmt.Sprintf(`Generate %d specific remediation actions, most critical first, for this alert.

ALERT:
- Type: %s
- Severity: %s (score %.2f)
- Threat category: %s
- User: %s
- Hostname: %s
- Source IP: %s

For CRITICAL or HIGH severity, prefix time-sensitive actions with
"IMMEDIATE:" or "URGENT:". Each action is one clear sentence referencing the
actual user, host and addresses. Return ONLY a numbered list, one action per
line.`,
		count, ind.Type, label, analysis.SeverityScore, orUnknown(analysis.ThreatCategory),
		orUnknown(ind.User), orUnknown(ind.Hostname), orUnknown(ind.SourceIP))

	comp, err := r.deps.Provider.Complete(ctx,
		"You are a security incident response expert. Be specific and actionable.",
		user)
	if err != nil {
		return nil, err
	}

	var recs []string
	for _, line := range strings.Split(comp.Text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line[0] >= '0' && line[0] <= '9' || strings.HasPrefix(line, "-") {
			cleaned := strings.TrimLeft(line, "0123456789.-) ")
			if cleaned != "" {
				recs = append(recs, cleaned)
			}
		}
	}
	return recs, nil
}
