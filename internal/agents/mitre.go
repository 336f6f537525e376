package agents

import "strings"

// Technique is a MITRE ATT&CK technique match.
type Technique struct {
	ID         string  `json:"technique_id"`
	Name       string  `json:"name"`
	Tactic     string  `json:"tactic"`
	Confidence float64 `json:"confidence"`
}

// tacticCategories derives a threat category from the dominant tactic.
var tacticCategories = map[string]string{
	"Initial Access":       "Initial Compromise",
	"Execution":            "Malware Execution",
	"Persistence":          "System Persistence",
	"Privilege Escalation": "Privilege Abuse",
	"Defense Evasion":      "Detection Evasion",
	"Credential Access":    "Credential Theft",
	"Discovery":            "Reconnaissance",
	"Lateral Movement":     "Network Propagation",
	"Collection":           "Data Harvesting",
	"Command and Control":  "C2 Communication",
	"Exfiltration":         "Data Theft",
	"Impact":               "System Impact",
}

// CategoryForTactic maps a tactic to its threat category, defaulting to
// "Suspicious Activity".
func CategoryForTactic(tactic string) string {
	if c, ok := tacticCategories[tactic]; ok {
		return c
	}
	return "Suspicious Activity"
}

// techniqueRule maps behavioral keywords in the alert type or description
// to a technique.
type techniqueRule struct {
	keywords  []string
	technique Technique
}

var techniqueRules = []techniqueRule{
	{
		keywords: []string{"phishing", "spearphish", "attachment"},
		technique: Technique{
			ID: "T1566.001", Name: "Phishing: Spearphishing Attachment",
			Tactic: "Initial Access", Confidence: 0.92,
		},
	},
	{
		keywords: []string{"brute", "unauthorized", "password spray", "failed login"},
		technique: Technique{
			ID: "T1110.001", Name: "Brute Force: Password Guessing",
			Tactic: "Credential Access", Confidence: 0.88,
		},
	},
	{
		keywords: []string{"malware", "beacon", "c2", "command and control"},
		technique: Technique{
			ID: "T1071.001", Name: "Application Layer Protocol: Web Protocols",
			Tactic: "Command and Control", Confidence: 0.90,
		},
	},
	{
		keywords: []string{"ransomware", "encrypt"},
		technique: Technique{
			ID: "T1486", Name: "Data Encrypted for Impact",
			Tactic: "Impact", Confidence: 0.90,
		},
	},
	{
		keywords: []string{"exfiltration", "exfil", "data transfer"},
		technique: Technique{
			ID: "T1048", Name: "Exfiltration Over Alternative Protocol",
			Tactic: "Exfiltration", Confidence: 0.85,
		},
	},
	{
		keywords: []string{"rdp", "remote desktop", "lateral"},
		technique: Technique{
			ID: "T1021.001", Name: "Remote Services: Remote Desktop Protocol",
			Tactic: "Lateral Movement", Confidence: 0.84,
		},
	},
	{
		keywords: []string{"powershell", "script"},
		technique: Technique{
			ID: "T1059.001", Name: "Command and Scripting Interpreter: PowerShell",
			Tactic: "Execution", Confidence: 0.86,
		},
	},
}

// MapTechniques maps alert text to MITRE techniques by behavioral keyword.
// The alert type is the stronger signal; the description is consulted when
// the type matches nothing.
func MapTechniques(alertType, description string) []Technique {
	if out := matchRules(strings.ToLower(alertType)); len(out) > 0 {
		return out
	}
	return matchRules(strings.ToLower(description))
}

func matchRules(text string) []Technique {
	if text == "" {
		return nil
	}
	var out []Technique
	seen := make(map[string]bool)
	for _, rule := range techniqueRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) && !seen[rule.technique.ID] {
				out = append(out, rule.technique)
				seen[rule.technique.ID] = true
				break
			}
		}
	}
	return out
}
