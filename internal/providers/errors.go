package providers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEmptyResponse is returned when a provider answers without content.
	ErrEmptyResponse = errors.New("empty response from provider")
	// ErrUnknownProvider is returned by New for an unsupported type.
	ErrUnknownProvider = errors.New("unknown provider type")
)

// RateLimitError reports a 429 from a provider.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// IsRateLimitError unwraps err looking for a RateLimitError.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// StatusError is a non-2xx provider response other than 429.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (status %d)", e.Provider, e.StatusCode)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
