package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aktagon/llmkit/anthropic/types"
)

func TestOpenAIChatSuccess(t *testing.T) {
	var payload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"poet-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"[]"}}],
			"usage":{"prompt_tokens":11,"completion_tokens":2,"total_tokens":13}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "poet-model",
	})

	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages:  SystemUser("annotate", "[]"),
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !result.Success || result.Content != "[]" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.TotalTokens != 13 || result.RequestID != "req-1" {
		t.Errorf("unexpected usage or request id: %+v", result)
	}
	if got, _ := payload["model"].(string); got != "poet-model" {
		t.Errorf("expected model poet-model, got %q", got)
	}
	if got, _ := payload["temperature"].(float64); got != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", got)
	}
	if got, _ := payload["top_p"].(float64); got != 0.95 {
		t.Errorf("expected top_p 0.95, got %v", got)
	}
	msgs, _ := payload["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if role, _ := msgs[0].(map[string]any)["role"].(string); role != "system" {
		t.Errorf("expected system message first, got %q", role)
	}
}

func TestOpenAIChatRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
	_, err := client.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", "u")})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rle.RetryAfter != 3*time.Second {
		t.Errorf("expected RetryAfter=3s, got %v", rle.RetryAfter)
	}
}

func TestOpenAIChatServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
	result, err := client.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", "u")})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", statusErr.StatusCode)
	}
	if result == nil || result.Success || result.ErrorType != "http_error" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestOpenAIChatEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
	_, err := client.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", "u")})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestAnthropicChat(t *testing.T) {
	client := NewAnthropicClient(AnthropicConfig{APIKey: "k", Model: "claude-test"})

	var gotSystem, gotUser string
	var gotSettings types.RequestSettings
	client.prompt = func(system, user, apiKey string, settings types.RequestSettings) (string, error) {
		gotSystem, gotUser, gotSettings = system, user, settings
		return `[{"title":"a"}]`, nil
	}

	result, err := client.Chat(context.Background(), &ChatRequest{Messages: SystemUser("sys", "records")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.Content != `[{"title":"a"}]` || !result.Success {
		t.Errorf("unexpected result: %+v", result)
	}
	if gotSystem != "sys" || gotUser != "records" {
		t.Errorf("unexpected prompt split: %q / %q", gotSystem, gotUser)
	}
	if gotSettings.Model != "claude-test" || gotSettings.MaxTokens != anthropicDefaultMaxTokens {
		t.Errorf("unexpected settings: %+v", gotSettings)
	}

	client.prompt = func(string, string, string, types.RequestSettings) (string, error) {
		return "", errors.New("boom")
	}
	if _, err := client.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", "u")}); err == nil {
		t.Error("expected error from failing prompt")
	}
}

func TestZeroTemperatureIsSent(t *testing.T) {
	zero := 0.0

	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"[]"}}]}`))
	}))
	defer server.Close()

	openaiClient := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Temperature: &zero})
	if _, err := openaiClient.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", "u")}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got, ok := payload["temperature"].(float64); !ok || got != 0 {
		t.Errorf("expected temperature 0 in request, got %v", payload["temperature"])
	}

	anthropicClient := NewAnthropicClient(AnthropicConfig{APIKey: "k", Temperature: &zero})
	var got types.RequestSettings
	anthropicClient.prompt = func(_, _, _ string, settings types.RequestSettings) (string, error) {
		got = settings
		return "[]", nil
	}
	if _, err := anthropicClient.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", "u")}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got.Temperature != 0 {
		t.Errorf("expected temperature 0, got %v", got.Temperature)
	}

	if def := NewAnthropicClient(AnthropicConfig{APIKey: "k"}); def.temperature != openAIDefaultTemperature {
		t.Errorf("expected default temperature when unset, got %v", def.temperature)
	}
}

func TestAnthropicChatHonorsContext(t *testing.T) {
	client := NewAnthropicClient(AnthropicConfig{APIKey: "k"})
	release := make(chan struct{})
	defer close(release)
	client.prompt = func(string, string, string, types.RequestSettings) (string, error) {
		<-release
		return "[]", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Chat(ctx, &ChatRequest{Messages: SystemUser("s", "u")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMockClientEcho(t *testing.T) {
	c := NewMockClient()
	c.Latency = 0

	result, err := c.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", `[{"title":"x"}]`)})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.Content != `[{"title":"x"}]` {
		t.Errorf("expected echo of user message, got %q", result.Content)
	}

	c.FailAfter = 1
	if _, err := c.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", "u")}); err == nil {
		t.Error("expected failure after first request")
	}
	if c.RequestCount() != 2 {
		t.Errorf("expected 2 requests, got %d", c.RequestCount())
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	status := rl.Status()
	if status.TotalConsumed != 60 || status.TokensLimit != 60 {
		t.Errorf("unexpected status: %+v", status)
	}

	// bucket is empty; the next token takes about a second
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := rl.Wait(cctx); err == nil {
		t.Error("expected Wait to give up before the deadline")
	}
}

func TestRateLimiterHoldsAfter429(t *testing.T) {
	rl := NewRateLimiter(600)
	rl.Record429(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected callers to be held, got %v", err)
	}
	if st := rl.Status(); st.PausedUntil.IsZero() || st.TotalConsumed != 0 {
		t.Errorf("unexpected status: %+v", st)
	}

	// without Retry-After nothing is held
	rl = NewRateLimiter(600)
	rl.Record429(0)
	if err := rl.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestWithRateLimitRecords429(t *testing.T) {
	rl := NewRateLimiter(100)
	inner := &MockClient{Respond: func(*ChatRequest) (string, error) {
		return "", &RateLimitError{Message: "slow", RetryAfter: time.Second, StatusCode: 429}
	}}
	client := WithRateLimit(inner, rl)

	_, err := client.Chat(context.Background(), &ChatRequest{Messages: SystemUser("s", "u")})
	if _, ok := IsRateLimitError(err); !ok {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	status := rl.Status()
	if status.Last429Time.IsZero() {
		t.Error("expected 429 to be recorded")
	}
	if status.TokensAvailable != 0 {
		t.Errorf("expected drained bucket, got %d tokens", status.TokensAvailable)
	}
	if client.Name() != MockClientName {
		t.Errorf("wrapper should keep the inner name, got %q", client.Name())
	}
}

func TestNew(t *testing.T) {
	t.Run("mock", func(t *testing.T) {
		client, limiter, err := New(LLMProviderConfig{Type: "mock"})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if client.Name() != MockClientName || limiter != nil {
			t.Errorf("unexpected client %q limiter %v", client.Name(), limiter)
		}
	})

	t.Run("openai requires key", func(t *testing.T) {
		if _, _, err := New(LLMProviderConfig{Type: "openai"}); err == nil {
			t.Error("expected error without api key")
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		client, limiter, err := New(LLMProviderConfig{Type: "openai", APIKey: "k", RateLimit: 30})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if limiter == nil || client.Name() != OpenAIName {
			t.Errorf("expected limited openai client, got %q %v", client.Name(), limiter)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := New(LLMProviderConfig{Type: "carrier-pigeon"})
		if !errors.Is(err, ErrUnknownProvider) {
			t.Errorf("expected ErrUnknownProvider, got %v", err)
		}
	})
}
