package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// rateLimiter caps forwarded events per interval and drops the excess.
// It uses atomic counters for lock-free operation on the hot path.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	total    atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the counter at each interval boundary and logs a
// warning if anything was dropped. It blocks until ctx is cancelled.
func (r *rateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *rateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt events dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow reports whether one more event fits in the current interval.
func (r *rateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		r.total.Add(1)
		return false
	}
	return true
}

// droppedTotal is the number of events dropped since start.
func (r *rateLimiter) droppedTotal() int64 { return r.total.Load() }
