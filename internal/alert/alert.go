// Package alert defines the canonical alert schema and normalization of
// heterogeneous inbound payloads into it.
package alert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Indicators is the normalized, investigation-relevant view of an alert.
// Fields not recognized by the normalizer are preserved in Extra.
type Indicators struct {
	Type          string            `json:"type"`
	Severity      string            `json:"severity"`
	Title         string            `json:"title,omitempty"`
	Description   string            `json:"description,omitempty"`
	SourceIP      string            `json:"source_ip,omitempty"`
	DestinationIP string            `json:"destination_ip,omitempty"`
	User          string            `json:"user,omitempty"`
	Hostname      string            `json:"hostname,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Alert is the canonical, immutable input to an investigation.
type Alert struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Timestamp  time.Time       `json:"timestamp"`
	RawPayload json.RawMessage `json:"raw_payload"`
	Indicators Indicators      `json:"indicators"`
}

// Fingerprint returns a stable hash over the normalized indicator set.
// Alerts describing the same activity (same type, addresses, principal and
// host) hash identically regardless of the raw payload's shape.
func (a *Alert) Fingerprint() string {
	parts := []string{
		"type=" + strings.ToLower(a.Indicators.Type),
		"src=" + a.Indicators.SourceIP,
		"dst=" + a.Indicators.DestinationIP,
		"user=" + strings.ToLower(a.Indicators.User),
		"host=" + strings.ToLower(a.Indicators.Hostname),
	}
	keys := make([]string, 0, len(a.Indicators.Extra))
	for k := range a.Indicators.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+a.Indicators.Extra[k])
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(parts, "|")))
}

// IndicatorText flattens the indicators into a single text blob for
// embedding. Order is deterministic so equal alerts embed identically.
func (a *Alert) IndicatorText() string {
	var b strings.Builder
	b.WriteString(a.Indicators.Type)
	b.WriteByte(' ')
	b.WriteString(a.Indicators.Title)
	b.WriteByte(' ')
	b.WriteString(a.Indicators.Description)
	b.WriteByte(' ')
	b.WriteString(a.Indicators.SourceIP)
	b.WriteByte(' ')
	b.WriteString(a.Indicators.DestinationIP)
	b.WriteByte(' ')
	b.WriteString(a.Indicators.User)
	b.WriteByte(' ')
	b.WriteString(a.Indicators.Hostname)
	keys := make([]string, 0, len(a.Indicators.Extra))
	for k := range a.Indicators.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(a.Indicators.Extra[k])
	}
	return b.String()
}
