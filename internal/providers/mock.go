package providers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is an LLMClient for dry runs and tests. With no ResponseText
// and no Respond func it echoes the last user message back, which is a valid
// enrichment of a record batch.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	ResponseText string
	Respond      func(req *ChatRequest) (string, error)

	// State
	requestCount atomic.Int64
}

// NewMockClient creates an echoing mock client.
func NewMockClient() *MockClient {
	return &MockClient{Latency: 10 * time.Millisecond}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// Chat sends a mock chat request.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	result := &ChatResult{
		RequestID: req.RequestID,
		Provider:  MockClientName,
		ModelUsed: req.Model,
	}
	if result.RequestID == "" {
		result.RequestID = fmt.Sprintf("mock-%d", count)
	}

	if c.ShouldFail {
		result.ErrorType = "mock_failure"
		result.ErrorMessage = "mock client configured to fail"
		return result, fmt.Errorf("mock client configured to fail")
	}
	if c.FailAfter > 0 && int(count) > c.FailAfter {
		result.ErrorType = "mock_failure"
		result.ErrorMessage = fmt.Sprintf("mock client failed after %d requests", c.FailAfter)
		return result, fmt.Errorf("mock client failed after %d requests", c.FailAfter)
	}

	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			result.ErrorType = "context_cancelled"
			result.ErrorMessage = ctx.Err().Error()
			return result, ctx.Err()
		}
	}

	var content string
	switch {
	case c.Respond != nil:
		text, err := c.Respond(req)
		if err != nil {
			result.ErrorType = "mock_failure"
			result.ErrorMessage = err.Error()
			return result, err
		}
		content = text
	case c.ResponseText != "":
		content = c.ResponseText
	default:
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				content = req.Messages[i].Content
				break
			}
		}
	}

	result.Success = true
	result.Content = content
	result.ExecutionTime = time.Since(start)

	// Rough token estimate
	for _, m := range req.Messages {
		result.PromptTokens += len(m.Content) / 4
	}
	result.CompletionTokens = len(content) / 4
	result.TotalTokens = result.PromptTokens + result.CompletionTokens
	return result, nil
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

var _ LLMClient = (*MockClient)(nil)
