package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/aegis/internal/investigation"
	"github.com/linnemanlabs/aegis/internal/stage"
)

// EnrichmentOutput is the enrichment stage's data contract.
type EnrichmentOutput struct {
	SIEMSummary  string      `json:"siem_summary"`
	ThreatIntel  ThreatIntel `json:"threat_intel"`
	UserActivity string      `json:"user_activity,omitempty"`
	EndpointData string      `json:"endpoint_data,omitempty"`
}

// ThreatIntel is the reputation verdict for the alert's source address.
type ThreatIntel struct {
	IPAddress  string   `json:"ip_address,omitempty"`
	Reputation string   `json:"ip_reputation"`
	Score      float64  `json:"threat_score"`
	Categories []string `json:"categories,omitempty"`
}

// Enrichment gathers surrounding context for the alert: SIEM activity,
// address reputation, user and endpoint posture.
type Enrichment struct {
	deps Deps
}

// NewEnrichment creates the enrichment stage.
func NewEnrichment(deps Deps) *Enrichment { return &Enrichment{deps: deps} }

func (e *Enrichment) Name() string { return investigation.StageEnrichment }

func (e *Enrichment) OutputKeys() []string { return []string{"siem_summary", "threat_intel"} }

// Run implements stage.Stage.
func (e *Enrichment) Run(ctx context.Context, in stage.Input) (*stage.Result, error) {
	ind := in.Alert.Indicators

	if e.deps.Provider != nil {
		res, err := e.completeEnrichment(ctx, in)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	// Fallback: summarize what the alert itself carries.
	out := EnrichmentOutput{
		SIEMSummary: fmt.Sprintf("alert %s from %s: %s activity involving source %s",
			in.Alert.ID, in.Alert.Source, ind.Type, orUnknown(ind.SourceIP)),
		ThreatIntel: ThreatIntel{
			IPAddress:  ind.SourceIP,
			Reputation: "unknown",
		},
	}
	if ind.User != "" {
		out.UserActivity = "user " + ind.User + " referenced by alert; no history available"
	}
	if ind.Hostname != "" {
		out.EndpointData = "endpoint " + ind.Hostname + " referenced by alert; posture unknown"
	}

	return &stage.Result{
		Data: mustJSON(out),
		Trace: []string{
			"collected indicators from normalized alert",
			"no enrichment sources configured, reputation unknown",
		},
		Confidence: 0.4,
	}, nil
}

func (e *Enrichment) completeEnrichment(ctx context.Context, in stage.Input) (*stage.Result, error) {
	ind := in.Alert.Indicators
	user := fmt.Sprintf(`Gather enrichment context for this security alert and return JSON with keys
"siem_summary" (string), "threat_intel" (object with "ip_reputation", "threat_score" 0-10, "categories"),
"user_activity" (string) and "endpoint_data" (string).

Alert ID: %s
Type: %s
Severity: %s
Source IP: %s
Destination IP: %s
User: %s
Hostname: %s
Description: %s

Return ONLY the JSON object.`,
		in.Alert.ID, ind.Type, ind.Severity,
		orUnknown(ind.SourceIP), orUnknown(ind.DestinationIP),
		orUnknown(ind.User), orUnknown(ind.Hostname), ind.Description)

	comp, err := e.deps.Provider.Complete(ctx,
		"You are a SOC enrichment analyst. Summarize available context for an alert. Return only valid JSON.",
		user)
	if err != nil {
		return nil, err
	}

	var out EnrichmentOutput
	if jerr := json.Unmarshal([]byte(extractJSON(comp.Text)), &out); jerr != nil || out.SIEMSummary == "" {
		// Unusable model output; the caller falls back to rules.
		return nil, nil
	}
	return &stage.Result{
		Data: mustJSON(out),
		Trace: []string{
			"queried enrichment sources for alert context",
			"ip reputation: " + out.ThreatIntel.Reputation,
			out.SIEMSummary,
		},
		Confidence: 0.75,
	}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
