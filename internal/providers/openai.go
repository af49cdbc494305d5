package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIName = "openai"

	openAIDefaultModel       = "gpt-4o-mini"
	openAIDefaultTemperature = 0.3
	openAIDefaultTopP        = 0.95
)

// OpenAIConfig holds configuration for an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string        // Any OpenAI-compatible endpoint; empty uses api.openai.com
	Model       string        // Default model for requests that do not set one
	Temperature *float64      // 0.3 when nil; 0 is sent as 0
	TopP        float64       // 0.95 when unset
	MaxTokens   int           // 0 leaves the limit to the endpoint
	MaxRetries  int           // SDK transport retries; the pipeline retries on its own
	Timeout     time.Duration // HTTP timeout (default 300s)
	HTTPClient  *http.Client  // Optional (tests)
}

// OpenAIClient implements LLMClient using the official OpenAI SDK.
type OpenAIClient struct {
	model       string
	temperature float64
	topP        float64
	maxTokens   int
	client      openai.Client
}

// NewOpenAIClient creates a new chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.TopP == 0 {
		cfg.TopP = openAIDefaultTopP
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		model:       cfg.Model,
		temperature: temperatureOr(cfg.Temperature),
		topP:        cfg.TopP,
		maxTokens:   cfg.MaxTokens,
		client:      openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Model returns the configured default model.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Chat sends one chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat request requires at least one message")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	topP := req.TopP
	if topP == 0 {
		topP = c.topP
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(temperature),
		TopP:        openai.Float(topP),
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	result := &ChatResult{
		Provider:  OpenAIName,
		ModelUsed: model,
		RequestID: req.RequestID,
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	result.ExecutionTime = time.Since(start)
	if err != nil {
		err = mapOpenAIError(err)
		result.ErrorType = errorType(err)
		result.ErrorMessage = err.Error()
		return result, err
	}

	if resp.Model != "" {
		result.ModelUsed = resp.Model
	}
	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		result.ErrorType = "empty_response"
		result.ErrorMessage = ErrEmptyResponse.Error()
		return result, ErrEmptyResponse
	}

	result.Content = resp.Choices[0].Message.Content
	result.Success = true
	return result, nil
}

func temperatureOr(t *float64) float64 {
	if t == nil {
		return openAIDefaultTemperature
	}
	return *t
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		return &StatusError{Provider: "OpenAI", StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	return err
}

func errorType(err error) string {
	var statusErr *StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "context_cancelled"
	case errors.As(err, &statusErr):
		return "http_error"
	}
	if _, ok := IsRateLimitError(err); ok {
		return "rate_limit"
	}
	return "transport_error"
}

var _ LLMClient = (*OpenAIClient)(nil)
