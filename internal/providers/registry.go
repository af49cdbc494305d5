package providers

import (
	"fmt"
	"time"
)

// LLMProviderConfig selects and configures the enrichment endpoint.
type LLMProviderConfig struct {
	Type        string // "openai", "anthropic", "mock"
	BaseURL     string
	Model       string
	APIKey      string
	Temperature *float64 // nil selects the provider default
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
	RateLimit   int // Requests per minute; 0 disables pacing
}

// New builds the client described by cfg, wrapped in a rate limiter when
// cfg.RateLimit is set. The limiter is returned so callers can report on it.
func New(cfg LLMProviderConfig) (LLMClient, *RateLimiter, error) {
	var client LLMClient
	switch cfg.Type {
	case OpenAIName, "":
		if cfg.APIKey == "" {
			return nil, nil, fmt.Errorf("provider %q: api_key is required", OpenAIName)
		}
		client = NewOpenAIClient(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	case AnthropicName:
		if cfg.APIKey == "" {
			return nil, nil, fmt.Errorf("provider %q: api_key is required", AnthropicName)
		}
		client = NewAnthropicClient(AnthropicConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	case MockClientName:
		client = NewMockClient()
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Type)
	}

	if cfg.RateLimit <= 0 {
		return client, nil, nil
	}
	limiter := NewRateLimiter(cfg.RateLimit)
	return WithRateLimit(client, limiter), limiter, nil
}
