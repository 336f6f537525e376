// Package claude adapts the Anthropic API to the stage provider contract.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/aegis/internal/agents"
	"github.com/linnemanlabs/aegis/internal/stage"
)

const defaultMaxTokens = 4096

// Client implements agents.Provider against the Claude messages API.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTokens overrides the per-completion output token budget.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New creates a Claude client with an explicit API key and model name.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Complete implements agents.Provider. Rate-limit and overload responses
// are surfaced as stage.ErrRateLimited so the stage adapter retries them
// with backoff.
func (c *Client) Complete(ctx context.Context, system, user string) (*agents.Completion, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			switch apierr.StatusCode {
			case http.StatusTooManyRequests, http.StatusServiceUnavailable:
				return nil, fmt.Errorf("claude %d: %w", apierr.StatusCode, stage.ErrRateLimited)
			}
		}
		return nil, fmt.Errorf("claude api: %w", err)
	}

	var parts []string
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			parts = append(parts, resp.Content[i].Text)
		}
	}

	return &agents.Completion{
		Text:         strings.Join(parts, ""),
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}
