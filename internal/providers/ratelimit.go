package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerMinute applies when a provider sets no rate_limit.
const DefaultRequestsPerMinute = 150

// RateLimiter paces requests per minute across every worker talking to the
// same endpoint. A 429 with Retry-After holds all callers until it expires.
type RateLimiter struct {
	limiter *rate.Limiter
	rpm     int

	mu            sync.Mutex
	pausedUntil   time.Time
	totalConsumed int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable int           `json:"tokens_available" yaml:"tokens_available"`
	TokensLimit     int           `json:"tokens_limit" yaml:"tokens_limit"`
	TotalConsumed   int64         `json:"total_consumed" yaml:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited" yaml:"total_waited"`
	Last429Time     time.Time     `json:"last_429_time,omitempty" yaml:"last_429_time,omitempty"`
	PausedUntil     time.Time     `json:"paused_until,omitempty" yaml:"paused_until,omitempty"`
}

// NewRateLimiter creates a limiter starting with a full minute of burst.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
		rpm:     requestsPerMinute,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()

	r.mu.Lock()
	pause := time.Until(r.pausedUntil)
	r.mu.Unlock()
	if pause > 0 {
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.totalConsumed++
	r.totalWaited += time.Since(start)
	r.mu.Unlock()
	return nil
}

// Record429 notes a rate limit response and, when the server asked for a
// pause, holds every caller until it has passed.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.last429Time = now
	if until := now.Add(retryAfter); retryAfter > 0 && until.After(r.pausedUntil) {
		r.pausedUntil = until
	}
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	available := int(r.limiter.Tokens())
	if time.Now().Before(r.pausedUntil) {
		available = 0
	}
	return RateLimiterStatus{
		TokensAvailable: available,
		TokensLimit:     r.rpm,
		TotalConsumed:   r.totalConsumed,
		TotalWaited:     r.totalWaited,
		Last429Time:     r.last429Time,
		PausedUntil:     r.pausedUntil,
	}
}

// limitedClient paces calls to an LLMClient through a RateLimiter.
type limitedClient struct {
	LLMClient
	limiter *RateLimiter
}

// WithRateLimit wraps client so every Chat waits for the limiter first.
func WithRateLimit(client LLMClient, limiter *RateLimiter) LLMClient {
	if limiter == nil {
		return client
	}
	return &limitedClient{LLMClient: client, limiter: limiter}
}

func (c *limitedClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.LLMClient.Chat(ctx, req)
	if rle, ok := IsRateLimitError(err); ok {
		c.limiter.Record429(rle.RetryAfter)
	}
	return result, err
}
