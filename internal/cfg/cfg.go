package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds aegis-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIAuthToken          string
	ClaudeAPIKey          string
	ClaudeModel           string
	DatabaseURL           string
	SlackWebhookURL       string

	LowSeverityThreshold  float64
	SimilarityThreshold   float64
	CampaignWindowHours   int
	MemoryLookupLimit     int
	StageTimeoutSeconds   int
	StageMaxAttempts      int
	InvestigationTimeoutS int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIAuthToken, "api-auth-token", "", "bearer token required on API requests (empty = no auth)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider (empty = deterministic fallback stages)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.Float64Var(&c.LowSeverityThreshold, "low-severity-threshold", 0.60, "severity score below which deep investigation is skipped (0..1)")
	fs.Float64Var(&c.SimilarityThreshold, "similarity-threshold", 0.70, "minimum embedding cosine similarity for memory matches (0..1)")
	fs.IntVar(&c.CampaignWindowHours, "campaign-window-hours", 72, "lookback window for memory and campaign correlation in hours (1..720)")
	fs.IntVar(&c.MemoryLookupLimit, "memory-lookup-limit", 10, "maximum related investigations attached per lookup (1..100)")
	fs.IntVar(&c.StageTimeoutSeconds, "stage-timeout-seconds", 60, "default per-stage timeout in seconds (1..600)")
	fs.IntVar(&c.StageMaxAttempts, "stage-max-attempts", 3, "attempt budget per stage invocation (1..10)")
	fs.IntVar(&c.InvestigationTimeoutS, "investigation-timeout-seconds", 600, "end-to-end investigation timeout in seconds (1..3600)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Claude model is required even when the key is absent; the fallback
	// stages still report which model they would have used
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	// Written as negated range checks so NaN is rejected too.
	if !(c.LowSeverityThreshold >= 0 && c.LowSeverityThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid LOW_SEVERITY_THRESHOLD %.2f (must be 0..1)", c.LowSeverityThreshold))
	}
	if !(c.SimilarityThreshold >= 0 && c.SimilarityThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid SIMILARITY_THRESHOLD %.2f (must be 0..1)", c.SimilarityThreshold))
	}
	if c.CampaignWindowHours <= 0 || c.CampaignWindowHours > 720 {
		errs = append(errs, fmt.Errorf("invalid CAMPAIGN_WINDOW_HOURS %d (must be 1..720)", c.CampaignWindowHours))
	}
	if c.MemoryLookupLimit <= 0 || c.MemoryLookupLimit > 100 {
		errs = append(errs, fmt.Errorf("invalid MEMORY_LOOKUP_LIMIT %d (must be 1..100)", c.MemoryLookupLimit))
	}
	if c.StageTimeoutSeconds <= 0 || c.StageTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid STAGE_TIMEOUT_SECONDS %d (must be 1..600)", c.StageTimeoutSeconds))
	}
	if c.StageMaxAttempts <= 0 || c.StageMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid STAGE_MAX_ATTEMPTS %d (must be 1..10)", c.StageMaxAttempts))
	}
	if c.InvestigationTimeoutS <= 0 || c.InvestigationTimeoutS > 3600 {
		errs = append(errs, fmt.Errorf("invalid INVESTIGATION_TIMEOUT_SECONDS %d (must be 1..3600)", c.InvestigationTimeoutS))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
