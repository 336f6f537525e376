// Package agents implements the five reasoning stages of an investigation:
// enrichment, analysis, investigation, response and communication. Each
// stage asks the configured model provider first and falls back to
// deterministic rules when no provider is configured or its output cannot
// be parsed.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Completion is a single model completion with usage accounting.
type Completion struct {
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider produces completions for stage prompts. A nil Provider is legal;
// stages then run on their fallback rules only.
type Provider interface {
	Complete(ctx context.Context, system, user string) (*Completion, error)
	Model() string
}

// Deps bundles what every stage needs.
type Deps struct {
	Provider Provider
}

// extractJSON strips a markdown code fence if present and returns the JSON
// body. Models wrap structured output in fences often enough that every
// stage needs this.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	parts := strings.SplitN(text, "```", 3)
	if len(parts) < 2 {
		return text
	}
	body := parts[1]
	body = strings.TrimPrefix(body, "json")
	return strings.TrimSpace(body)
}

// mustJSON marshals v, which is built from static types and cannot fail.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("agents: marshal output: %v", err))
	}
	return b
}

// clamp bounds a score to [0,1].
func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// priorData returns the named stage's output from the prior map, decoded
// into dst. Missing entries are not an error; stages tolerate absent
// upstream data.
func priorData(prior map[string]json.RawMessage, stageName string, dst any) bool {
	raw, ok := prior[stageName]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
