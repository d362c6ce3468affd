// Package llm adapts model providers to the single text-completion call the
// agents need, and guards that call with rate limiting, retries, a circuit
// breaker and a hard deadline.
package llm

import (
	"context"

	"github.com/rotisserie/eris"
)

// Request is one completion call.
type Request struct {
	// Capability names the calling agent for cost attribution and logs.
	Capability string
	Model      string
	System     string
	Prompt     string
	MaxTokens  int64
}

// Completer returns the model's text answer to a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider string
	APIKey   string
	// BaseURL overrides the OpenAI-compatible endpoint.
	BaseURL string
}

// NewCompleter builds the completer for the configured provider.
func NewCompleter(cfg ProviderConfig) (Completer, error) {
	switch cfg.Provider {
	case "", ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, eris.New("llm: anthropic key is required")
		}
		return NewAnthropicCompleter(newAnthropicClient(cfg.APIKey)), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, eris.New("llm: openai key or base_url is required")
		}
		return NewOpenAICompleter(cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, eris.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
