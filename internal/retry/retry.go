// Package retry runs a single call with exponential backoff for
// transient failures while surfacing rate limits to the caller as a
// distinct signal instead of retrying them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Config controls backoff.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration // used when the provider gives no hint
}

// DefaultConfig returns the backoff used for LLM calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		RateLimitDelay: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = d.RateLimitDelay
	}
}

// RateLimiter is implemented by errors that mean the provider is
// throttling us. ok is false when the provider sent no usable hint.
type RateLimiter interface {
	RetryAfter() (d time.Duration, ok bool)
}

// Transient is implemented by errors worth retrying: timeouts and
// connection failures.
type Transient interface {
	Transient() bool
}

// RateLimitSignal is returned, never retried, when the wrapped call hit
// a rate limit. Callers above the LLM boundary use RetryAfter to tell
// the user how long to wait.
type RateLimitSignal struct {
	RetryAfter time.Duration
	Err        error
}

func (s *RateLimitSignal) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", s.RetryAfter, s.Err)
}

func (s *RateLimitSignal) Unwrap() error { return s.Err }

// Executor applies a Config to calls.
type Executor struct {
	config Config
	logger *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		config: cfg,
		logger: logger.With("component", "retry"),
		sleep:  sleepCtx,
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.config }

// Do runs fn through e. Transient errors are retried up to MaxRetries
// times with delay min(BaseDelay*2^attempt, MaxDelay); a rate limit
// returns a *RateLimitSignal at once; any other error returns as is.
func Do[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if sig := e.rateLimit(err); sig != nil {
			e.logger.Warn("rate limited",
				"attempt", attempt+1,
				"retry_after", sig.RetryAfter,
			)
			return zero, sig
		}

		if ctx.Err() != nil || !IsTransient(err) {
			return zero, err
		}

		if attempt < e.config.MaxRetries {
			delay := e.Backoff(attempt)
			e.logger.Warn("transient failure, backing off",
				"attempt", attempt+1,
				"max_attempts", e.config.MaxRetries+1,
				"delay", delay,
				"error", err,
			)
			if err := e.sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
	}

	e.logger.Error("retries exhausted",
		"attempts", e.config.MaxRetries+1,
		"error", lastErr,
	)
	return zero, lastErr
}

// Backoff returns the delay after the given zero-based attempt.
func (e *Executor) Backoff(attempt int) time.Duration {
	d := e.config.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= e.config.MaxDelay {
			return e.config.MaxDelay
		}
	}
	return min(d, e.config.MaxDelay)
}

func (e *Executor) rateLimit(err error) *RateLimitSignal {
	var already *RateLimitSignal
	if errors.As(err, &already) {
		return already
	}
	var rl RateLimiter
	if !errors.As(err, &rl) {
		return nil
	}
	wait := e.config.RateLimitDelay
	if hint, ok := rl.RetryAfter(); ok && hint > 0 {
		wait = min(hint, e.config.MaxDelay)
	}
	return &RateLimitSignal{RetryAfter: wait, Err: err}
}

// IsTransient reports whether err is a timeout or connection failure.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
