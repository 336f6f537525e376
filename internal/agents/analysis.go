package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/aegis/internal/investigation"
	"github.com/linnemanlabs/aegis/internal/stage"
)

// AnalysisOutput is the analysis stage's data contract. SeverityScore is
// the pipeline's branching signal and becomes the investigation's
// write-once severity.
type AnalysisOutput struct {
	SeverityScore  float64     `json:"severity_score"`
	Techniques     []Technique `json:"mitre_techniques"`
	AttackStage    string      `json:"attack_stage"`
	ThreatCategory string      `json:"threat_category"`
	Reasoning      string      `json:"reasoning,omitempty"`
}

// TechniqueTags flattens the matched technique ids for memory indexing.
func (o *AnalysisOutput) TechniqueTags() []string {
	tags := make([]string, 0, len(o.Techniques))
	for _, t := range o.Techniques {
		tags = append(tags, t.ID)
	}
	return tags
}

// Analysis maps the alert to MITRE techniques and scores its severity.
type Analysis struct {
	deps Deps
}

// NewAnalysis creates the analysis stage.
func NewAnalysis(deps Deps) *Analysis { return &Analysis{deps: deps} }

func (a *Analysis) Name() string { return investigation.StageAnalysis }

func (a *Analysis) OutputKeys() []string {
	return []string{"severity_score", "mitre_techniques", "threat_category"}
}

// Run implements stage.Stage.
func (a *Analysis) Run(ctx context.Context, in stage.Input) (*stage.Result, error) {
	ind := in.Alert.Indicators
	techniques := MapTechniques(ind.Type, ind.Description)

	var enrichment EnrichmentOutput
	priorData(in.Prior, investigation.StageEnrichment, &enrichment)

	if a.deps.Provider != nil {
		res, err := a.completeScore(ctx, in, techniques, enrichment)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	out := a.ruleScore(in, techniques, enrichment)
	return &stage.Result{
		Data: mustJSON(out),
		Trace: []string{
			fmt.Sprintf("matched %d MITRE techniques by behavioral keywords", len(techniques)),
			fmt.Sprintf("rule-based severity score %.2f", out.SeverityScore),
			"threat category: " + out.ThreatCategory,
		},
		Confidence: 0.6,
	}, nil
}

// ruleScore computes the deterministic severity score: weighted technique
// confidence, floored by the reported severity and attack type, adjusted by
// address reputation.
func (a *Analysis) ruleScore(in stage.Input, techniques []Technique, enrichment EnrichmentOutput) AnalysisOutput {
	ind := in.Alert.Indicators

	out := AnalysisOutput{
		Techniques:     techniques,
		AttackStage:    "Unknown",
		ThreatCategory: "Unclassified Threat",
		SeverityScore:  0.50,
	}

	if len(techniques) > 0 {
		top := techniques[0]
		out.AttackStage = top.Tactic
		out.ThreatCategory = CategoryForTactic(top.Tactic)

		var sum, maxConf float64
		for _, t := range techniques {
			sum += t.Confidence
			if t.Confidence > maxConf {
				maxConf = t.Confidence
			}
		}
		weighted := sum / float64(len(techniques))
		out.SeverityScore = weighted*0.7 + maxConf*0.3
	}

	switch strings.ToLower(ind.Severity) {
	case "critical", "high":
		out.SeverityScore = maxf(0.70, out.SeverityScore)
	case "medium":
		out.SeverityScore = maxf(0.55, out.SeverityScore)
	}

	typ := strings.ToLower(ind.Type)
	switch {
	case strings.Contains(typ, "brute"), strings.Contains(typ, "unauthorized"):
		out.SeverityScore = maxf(0.60, out.SeverityScore)
	case strings.Contains(typ, "phishing"):
		out.SeverityScore = maxf(0.65, out.SeverityScore)
	case strings.Contains(typ, "malware"), strings.Contains(typ, "ransomware"):
		out.SeverityScore = maxf(0.75, out.SeverityScore)
	}

	switch enrichment.ThreatIntel.Reputation {
	case "malicious":
		bonus := 0.20
		switch {
		case enrichment.ThreatIntel.Score >= 6.0:
			bonus += 0.30
		case enrichment.ThreatIntel.Score >= 4.0:
			bonus += 0.20
		case enrichment.ThreatIntel.Score >= 2.0:
			bonus += 0.10
		}
		out.SeverityScore += bonus
	case "suspicious":
		if enrichment.ThreatIntel.Score >= 3.0 {
			out.SeverityScore += 0.10
		} else {
			out.SeverityScore += 0.08
		}
	}

	out.SeverityScore = clamp(out.SeverityScore)
	out.Reasoning = fmt.Sprintf("rule-based: %d technique matches, reported severity %s, reputation %s",
		len(techniques), orUnknown(ind.Severity), orUnknown(enrichment.ThreatIntel.Reputation))
	return out
}

func (a *Analysis) completeScore(ctx context.Context, in stage.Input, techniques []Technique, enrichment EnrichmentOutput) (*stage.Result, error) {
	ind := in.Alert.Indicators

	var mitre strings.Builder
	for _, t := range techniques {
		fmt.Fprintf(&mitre, "- %s: %s (tactic: %s, confidence: %.0f%%)\n", t.ID, t.Name, t.Tactic, t.Confidence*100)
	}
	if mitre.Len() == 0 {
		mitre.WriteString("none matched\n")
	}

	user := fmt.Sprintf(`Calculate a severity score (0.0-1.0) for this security alert.

ALERT:
- Type: %s
- Reported severity: %s
- Source IP: %s
- User: %s
- Hostname: %s
- Description: %s

MITRE TECHNIQUES MATCHED:
%s
THREAT INTELLIGENCE:
- IP reputation: %s
- Intel score: %.1f/10

Consider reported severity (critical=0.7-1.0, high=0.6-0.9, medium=0.4-0.7,
low=0.2-0.5), technique relevance and reputation. Brute force, phishing and
malware are inherently high-risk patterns.

Return ONLY a JSON object:
{"severity_score": 0.75, "reasoning": "brief explanation"}`,
		ind.Type, orUnknown(ind.Severity), orUnknown(ind.SourceIP),
		orUnknown(ind.User), orUnknown(ind.Hostname), ind.Description,
		mitre.String(), orUnknown(enrichment.ThreatIntel.Reputation), enrichment.ThreatIntel.Score)

	comp, err := a.deps.Provider.Complete(ctx,
		"You are an expert security analyst. Calculate accurate severity scores from alert context. Return only valid JSON.",
		user)
	if err != nil {
		return nil, err
	}

	var scored struct {
		SeverityScore float64 `json:"severity_score"`
		Reasoning     string  `json:"reasoning"`
	}
	if jerr := json.Unmarshal([]byte(extractJSON(comp.Text)), &scored); jerr != nil {
		return nil, nil
	}

	out := a.ruleScore(in, techniques, enrichment)
	out.SeverityScore = clamp(scored.SeverityScore)
	out.Reasoning = scored.Reasoning

	return &stage.Result{
		Data: mustJSON(out),
		Trace: []string{
			fmt.Sprintf("matched %d MITRE techniques by behavioral keywords", len(techniques)),
			fmt.Sprintf("model severity score %.2f", out.SeverityScore),
			out.Reasoning,
		},
		Confidence: 0.8,
	}, nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
