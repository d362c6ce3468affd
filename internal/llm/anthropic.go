package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/travelroboto/trip-ingest/internal/resilience"
	"github.com/travelroboto/trip-ingest/pkg/anthropic"
)

var newAnthropicClient = func(key string) anthropic.Client {
	return anthropic.NewClient(key)
}

// AnthropicCompleter calls the Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
}

// NewAnthropicCompleter wraps an Anthropic client.
func NewAnthropicCompleter(client anthropic.Client) *AnthropicCompleter {
	return &AnthropicCompleter{client: client}
}

// Complete sends the prompt as a single user turn. Errors carrying a
// retryable HTTP status are marked transient.
func (c *AnthropicCompleter) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []anthropic.Message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return "", resilience.NewTransientError(err, code)
		}
		return "", eris.Wrapf(err, "llm: %s", req.Capability)
	}
	resp.Usage.LogCost(req.Model, req.Capability)
	return resp.Text, nil
}
