// Package slack sends investigation outcomes to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/investigation"
)

const (
	maxReportLen = 3000
	httpTimeout  = 10 * time.Second
)

// Notifier sends investigation outcomes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, notifications
// are a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// NotifyInvestigation posts a completed or failed investigation to the
// configured Slack webhook. If no webhook URL is configured, it returns nil
// immediately.
func (n *Notifier) NotifyInvestigation(ctx context.Context, inv *investigation.Investigation, report string) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(inv, report)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "investigation_id", inv.ID)
	return nil
}

func buildMessage(inv *investigation.Investigation, report string) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(inv),
			{"type": "divider"},
			fieldsBlock(inv),
			{"type": "divider"},
			reportBlock(report),
			{"type": "divider"},
			contextBlock(inv),
		},
	}
}

func headerBlock(inv *investigation.Investigation) map[string]any {
	emoji := severityEmoji(inv.Status, inv.SeverityScore)
	title := "Investigation Complete"
	if inv.Status == investigation.StatusFailed {
		title = "Investigation Failed"
	}
	text := fmt.Sprintf("%s %s: %s", emoji, title, inv.Alert.Indicators.Type)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(inv *investigation.Investigation) map[string]any {
	duration := inv.CompletedAt.Sub(inv.CreatedAt).Seconds()
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", inv.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %.2f", inv.SeverityScore),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", duration),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Alert:* %s", inv.Alert.ID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", inv.Alert.Source),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Related:* %d", len(inv.RelatedIDs)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reportBlock(report string) map[string]any {
	text := truncate(strings.TrimSpace(report), maxReportLen)
	if text == "" {
		text = "_No report available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Report*\n\n```%s```", text),
		},
	}
}

func contextBlock(inv *investigation.Investigation) map[string]any {
	ts := inv.CompletedAt
	if ts.IsZero() {
		ts = inv.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("aegis • investigation %s • %s", inv.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(status investigation.Status, score float64) string {
	if status == investigation.StatusFailed {
		return "\U0001f534" // red circle
	}
	switch {
	case score >= 0.85:
		return "\U0001f534" // red circle
	case score >= 0.45:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
