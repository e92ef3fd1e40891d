package llm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitError is returned on HTTP 429.
type RateLimitError struct {
	// Hint is the provider's Retry-After value, zero when absent.
	Hint time.Duration
	Body string
}

func (e *RateLimitError) Error() string {
	if e.Hint > 0 {
		return fmt.Sprintf("llm rate limited (retry after %s)", e.Hint)
	}
	return "llm rate limited"
}

// RetryAfter reports the provider hint.
func (e *RateLimitError) RetryAfter() (time.Duration, bool) {
	return e.Hint, e.Hint > 0
}

// APIError is any other non-200 response. It is not retried.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm API error %d: %s", e.StatusCode, e.Body)
}

// TransientError wraps a timeout or connection failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return "llm request failed: " + e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}
