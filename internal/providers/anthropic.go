package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

const (
	AnthropicName = "anthropic"

	anthropicDefaultModel     = "claude-3-5-haiku-latest"
	anthropicDefaultMaxTokens = 8192
)

// AnthropicConfig holds configuration for the Anthropic Messages API.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64 // 0.3 when nil; llmkit leaves 0 off the wire, so the API default applies
}

// AnthropicClient implements LLMClient on top of llmkit.
type AnthropicClient struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64

	// prompt is swapped in tests
	prompt func(system, user, apiKey string, settings types.RequestSettings) (string, error)
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = anthropicDefaultMaxTokens
	}
	return &AnthropicClient{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: temperatureOr(cfg.Temperature),
		prompt:      promptAnthropic,
	}
}

func promptAnthropic(system, user, apiKey string, settings types.RequestSettings) (string, error) {
	resp, err := anthropic.PromptWithSettings(system, user, "", apiKey, settings)
	if err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Content[0].Text, nil
}

// Name returns the provider identifier.
func (c *AnthropicClient) Name() string {
	return AnthropicName
}

// Chat sends the conversation as one system prompt plus the user turns.
// llmkit calls are not context aware; a cancelled ctx returns early and
// the in-flight call is abandoned.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat request requires at least one message")
	}

	system, rest := splitMessages(req.Messages)
	turns := make([]string, 0, len(rest))
	for _, m := range rest {
		turns = append(turns, m.Content)
	}

	settings := types.RequestSettings{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if req.Model != "" {
		settings.Model = req.Model
	}
	if req.MaxTokens > 0 {
		settings.MaxTokens = req.MaxTokens
	}
	if req.Temperature != 0 {
		settings.Temperature = req.Temperature
	}

	result := &ChatResult{
		Provider:  AnthropicName,
		ModelUsed: settings.Model,
		RequestID: req.RequestID,
	}

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := c.prompt(system, strings.Join(turns, "\n\n"), c.apiKey, settings)
		done <- reply{text: text, err: err}
	}()

	var r reply
	select {
	case <-ctx.Done():
		result.ErrorType = "context_cancelled"
		result.ErrorMessage = ctx.Err().Error()
		result.ExecutionTime = time.Since(start)
		return result, ctx.Err()
	case r = <-done:
	}

	result.ExecutionTime = time.Since(start)
	if r.err != nil {
		result.ErrorType = errorType(r.err)
		result.ErrorMessage = r.err.Error()
		return result, fmt.Errorf("anthropic chat: %w", r.err)
	}
	if strings.TrimSpace(r.text) == "" {
		result.ErrorType = "empty_response"
		result.ErrorMessage = ErrEmptyResponse.Error()
		return result, ErrEmptyResponse
	}

	result.Content = r.text
	result.Success = true
	return result, nil
}

var _ LLMClient = (*AnthropicClient)(nil)
