package alert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Known field spellings across common alert sources. First match wins.
var (
	idFields       = []string{"id", "alert_id", "event_id", "_id", "uuid"}
	typeFields     = []string{"type", "alert_type", "category", "rule_name", "alertname", "signature"}
	severityFields = []string{"severity", "priority", "level", "urgency"}
	titleFields    = []string{"title", "name", "summary", "rule_name", "alertname"}
	descFields     = []string{"description", "message", "_raw", "details", "annotation"}
	srcIPFields    = []string{"source_ip", "src_ip", "source.ip", "src", "client_ip", "remote_addr"}
	dstIPFields    = []string{"destination_ip", "dst_ip", "destination.ip", "dst", "dest_ip"}
	userFields     = []string{"user", "username", "user.name", "account", "principal"}
	hostFields     = []string{"hostname", "host", "host.name", "computer_name", "device"}
	timeFields     = []string{"timestamp", "_time", "@timestamp", "time", "event_time", "created_at"}
)

// Normalize converts an arbitrary JSON alert payload into the canonical
// schema. It is deterministic: the same payload always normalizes to the
// same indicators (the alert ID is taken from the payload when present,
// otherwise left empty for the caller to assign). Unrecognized scalar
// fields are retained in Indicators.Extra so nothing is silently dropped.
func Normalize(source string, raw json.RawMessage, now time.Time) (*Alert, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode alert payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty alert payload")
	}

	flat := map[string]string{}
	flatten("", payload, flat)

	al := &Alert{
		ID:         pick(flat, idFields),
		Source:     source,
		RawPayload: raw,
		Indicators: Indicators{
			Type:          normalizeType(pick(flat, typeFields)),
			Severity:      normalizeSeverity(pick(flat, severityFields)),
			Title:         pick(flat, titleFields),
			Description:   pick(flat, descFields),
			SourceIP:      pick(flat, srcIPFields),
			DestinationIP: pick(flat, dstIPFields),
			User:          pick(flat, userFields),
			Hostname:      pick(flat, hostFields),
		},
	}

	if ts := pick(flat, timeFields); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			al.Timestamp = t
		}
	}
	if al.Timestamp.IsZero() {
		al.Timestamp = now.UTC()
	}

	// Everything not consumed above goes into Extra.
	consumed := map[string]bool{}
	for _, set := range [][]string{idFields, typeFields, severityFields, titleFields,
		descFields, srcIPFields, dstIPFields, userFields, hostFields, timeFields} {
		for _, f := range set {
			consumed[f] = true
		}
	}
	for k, v := range flat {
		if consumed[k] || v == "" {
			continue
		}
		if al.Indicators.Extra == nil {
			al.Indicators.Extra = map[string]string{}
		}
		al.Indicators.Extra[k] = v
	}

	return al, nil
}

// flatten walks nested objects into dotted keys, keeping scalar leaves only.
func flatten(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case string:
		out[prefix] = t
	case float64:
		out[prefix] = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		out[prefix] = fmt.Sprintf("%t", t)
	default:
		// arrays and nulls are not indicator material
	}
}

func pick(flat map[string]string, fields []string) string {
	for _, f := range fields {
		if v, ok := flat[f]; ok && v != "" {
			return v
		}
	}
	return ""
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch {
	case t == "":
		return "other"
	case strings.Contains(t, "phish"):
		return "phishing"
	case strings.Contains(t, "brute") || strings.Contains(t, "password"):
		return "brute_force"
	case strings.Contains(t, "malware") || strings.Contains(t, "ransom"):
		return "malware"
	case strings.Contains(t, "exfil"):
		return "data_exfiltration"
	case strings.Contains(t, "unauthorized") || strings.Contains(t, "login"):
		return "unauthorized_access"
	default:
		return t
	}
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "p1", "1":
		return "critical"
	case "high", "p2", "2", "error":
		return "high"
	case "medium", "p3", "3", "warning", "warn":
		return "medium"
	case "low", "p4", "4", "info":
		return "low"
	default:
		return "medium"
	}
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
