package llm

import (
	"context"

	"github.com/nugget/aide/internal/retry"
)

// RetryingClient runs every call of an inner Client through a retry
// executor. Rate limits come back as *retry.RateLimitSignal.
type RetryingClient struct {
	inner Client
	exec  *retry.Executor
}

// WithRetry decorates c.
func WithRetry(c Client, exec *retry.Executor) *RetryingClient {
	return &RetryingClient{inner: c, exec: exec}
}

// Chat implements Client.
func (r *RetryingClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	return retry.Do(ctx, r.exec, func(ctx context.Context) (*ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}
