package alert

import (
	"encoding/json"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalize_CanonicalFields(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"alert_id": "cs-9001",
		"alert_type": "Brute Force Attempt",
		"severity": "High",
		"title": "Repeated SSH failures",
		"description": "36 failed logins in 4 minutes",
		"src_ip": "203.0.113.7",
		"dst_ip": "10.0.0.12",
		"username": "svc-backup",
		"host": "bastion-01",
		"timestamp": "2026-03-01T11:55:00Z"
	}`)

	al, err := Normalize("crowdstrike", raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if al.ID != "cs-9001" {
		t.Errorf("ID = %q, want cs-9001", al.ID)
	}
	if al.Source != "crowdstrike" {
		t.Errorf("Source = %q", al.Source)
	}
	if al.Indicators.Type != "brute_force" {
		t.Errorf("Type = %q, want brute_force", al.Indicators.Type)
	}
	if al.Indicators.Severity != "high" {
		t.Errorf("Severity = %q, want high", al.Indicators.Severity)
	}
	if al.Indicators.SourceIP != "203.0.113.7" || al.Indicators.DestinationIP != "10.0.0.12" {
		t.Errorf("IPs = %q/%q", al.Indicators.SourceIP, al.Indicators.DestinationIP)
	}
	if al.Indicators.User != "svc-backup" || al.Indicators.Hostname != "bastion-01" {
		t.Errorf("User/Host = %q/%q", al.Indicators.User, al.Indicators.Hostname)
	}
	want := time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC)
	if !al.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", al.Timestamp, want)
	}
}

func TestNormalize_FieldSpellingVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, al *Alert)
	}{
		{
			"splunk style",
			`{"_id":"sp-1","signature":"password spray detected","urgency":"2","_raw":"raw event text","client_ip":"198.51.100.3","_time":"2026-03-01 10:00:00"}`,
			func(t *testing.T, al *Alert) {
				if al.ID != "sp-1" {
					t.Errorf("ID = %q", al.ID)
				}
				if al.Indicators.Type != "brute_force" {
					t.Errorf("Type = %q, want brute_force", al.Indicators.Type)
				}
				if al.Indicators.Severity != "high" {
					t.Errorf("Severity = %q, want high (urgency 2)", al.Indicators.Severity)
				}
				if al.Indicators.SourceIP != "198.51.100.3" {
					t.Errorf("SourceIP = %q", al.Indicators.SourceIP)
				}
				if al.Indicators.Description != "raw event text" {
					t.Errorf("Description = %q", al.Indicators.Description)
				}
			},
		},
		{
			"prometheus style nested",
			`{"alertname":"PhishingEmailReported","level":"warning","host":{"name":"mail-02"},"user":{"name":"jdoe"}}`,
			func(t *testing.T, al *Alert) {
				if al.Indicators.Type != "phishing" {
					t.Errorf("Type = %q, want phishing", al.Indicators.Type)
				}
				if al.Indicators.Severity != "medium" {
					t.Errorf("Severity = %q, want medium (warning)", al.Indicators.Severity)
				}
				if al.Indicators.Hostname != "mail-02" {
					t.Errorf("Hostname = %q, want dotted host.name pickup", al.Indicators.Hostname)
				}
				if al.Indicators.User != "jdoe" {
					t.Errorf("User = %q, want dotted user.name pickup", al.Indicators.User)
				}
			},
		},
		{
			"minimal payload defaults",
			`{"message":"something odd"}`,
			func(t *testing.T, al *Alert) {
				if al.Indicators.Type != "other" {
					t.Errorf("Type = %q, want other", al.Indicators.Type)
				}
				if al.Indicators.Severity != "medium" {
					t.Errorf("Severity = %q, want medium default", al.Indicators.Severity)
				}
				if !al.Timestamp.Equal(now) {
					t.Errorf("Timestamp = %v, want submission time", al.Timestamp)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			al, err := Normalize("generic", json.RawMessage(tt.payload), now)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			tt.check(t, al)
		})
	}
}

func TestNormalize_UnrecognizedFieldsKeptInExtra(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"type":"malware","severity":"high","process_name":"evil.exe","pid":4312,"sandboxed":false,"score":1.25,"ratio":1.5}`)
	al, err := Normalize("edr", raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if al.Indicators.Extra["process_name"] != "evil.exe" {
		t.Errorf("Extra[process_name] = %q", al.Indicators.Extra["process_name"])
	}
	if al.Indicators.Extra["pid"] != "4312" {
		t.Errorf("Extra[pid] = %q, want numeric scalar retained", al.Indicators.Extra["pid"])
	}
	if al.Indicators.Extra["sandboxed"] != "false" {
		t.Errorf("Extra[sandboxed] = %q", al.Indicators.Extra["sandboxed"])
	}
	// Floats render with no trailing zeros, whatever the fraction.
	if al.Indicators.Extra["score"] != "1.25" {
		t.Errorf("Extra[score] = %q, want 1.25", al.Indicators.Extra["score"])
	}
	if al.Indicators.Extra["ratio"] != "1.5" {
		t.Errorf("Extra[ratio] = %q, want 1.5", al.Indicators.Extra["ratio"])
	}
}

func TestNormalize_Rejections(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`not json`, `{}`, `[]`, `null`} {
		if _, err := Normalize("generic", json.RawMessage(raw), now); err == nil {
			t.Errorf("Normalize(%q) should fail", raw)
		}
	}
}

func TestNormalizeType(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"", "other"},
		{"Phishing Email", "phishing"},
		{"brute force", "brute_force"},
		{"Password Spray", "brute_force"},
		{"Ransomware Detected", "malware"},
		{"data EXFILtration", "data_exfiltration"},
		{"unauthorized access", "unauthorized_access"},
		{"suspicious login", "unauthorized_access"},
		{"lateral_movement", "lateral_movement"},
	}
	for _, tt := range tests {
		if got := normalizeType(tt.in); got != tt.want {
			t.Errorf("normalizeType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"critical", "critical"}, {"P1", "critical"}, {"1", "critical"},
		{"High", "high"}, {"p2", "high"}, {"error", "high"},
		{"warning", "medium"}, {"3", "medium"},
		{"info", "low"}, {"p4", "low"},
		{"", "medium"}, {"weird", "medium"},
	}
	for _, tt := range tests {
		if got := normalizeSeverity(tt.in); got != tt.want {
			t.Errorf("normalizeSeverity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFingerprint_StableAcrossPayloadShapes(t *testing.T) {
	t.Parallel()

	a, err := Normalize("crowdstrike",
		json.RawMessage(`{"alert_type":"brute force","severity":"high","src_ip":"203.0.113.7","username":"Admin","host":"BASTION-01"}`), now)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Normalize("splunk",
		json.RawMessage(`{"signature":"password spray","urgency":"3","source_ip":"203.0.113.7","user":"admin","hostname":"bastion-01"}`), now)
	if err != nil {
		t.Fatal(err)
	}

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprints differ for same normalized activity: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}

	c, err := Normalize("splunk",
		json.RawMessage(`{"signature":"password spray","source_ip":"203.0.113.8","user":"admin","hostname":"bastion-01"}`), now)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different source IPs must not collide")
	}
}

func TestFingerprint_ExtraOrderIndependent(t *testing.T) {
	t.Parallel()

	al := &Alert{Indicators: Indicators{
		Type:  "malware",
		Extra: map[string]string{"b": "2", "a": "1", "c": "3"},
	}}
	first := al.Fingerprint()
	for i := 0; i < 10; i++ {
		if got := al.Fingerprint(); got != first {
			t.Fatal("fingerprint depends on map iteration order")
		}
	}
}

func FuzzNormalize(f *testing.F) {
	f.Add(`{"type":"malware","severity":"high"}`)
	f.Add(`{"nested":{"deeply":{"host":"x"}}}`)
	f.Add(`{"a":1,"b":true,"c":null,"d":[1,2]}`)

	f.Fuzz(func(t *testing.T, payload string) {
		al, err := Normalize("fuzz", json.RawMessage(payload), now)
		if err != nil {
			return
		}
		if al.Indicators.Type == "" || al.Indicators.Severity == "" {
			t.Errorf("normalized alert missing defaults: %+v", al.Indicators)
		}
		if al.Timestamp.IsZero() {
			t.Error("normalized alert missing timestamp")
		}
		// Determinism: normalizing the same payload twice fingerprints
		// identically.
		again, err := Normalize("fuzz", json.RawMessage(payload), now)
		if err != nil {
			t.Fatalf("second Normalize failed: %v", err)
		}
		if al.Fingerprint() != again.Fingerprint() {
			t.Error("fingerprint not deterministic")
		}
	})
}
