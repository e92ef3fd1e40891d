package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiredPattern matches expiry events in every logical database.
const expiredPattern = "__keyevent@*__:expired"

// Redis is a [Store] backed by a Redis server.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to the server described by url
// (redis://[:password@]host:port/db) and verifies the connection.
func NewRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, logger: logger.With("component", "kv", "backend", "redis")}, nil
}

// Get implements [Store].
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements [Store].
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetEX implements [Store].
func (r *Redis) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setex %s: %w", key, err)
	}
	return nil
}

// Take implements [Store] with GETDEL.
func (r *Redis) Take(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getdel %s: %w", key, err)
	}
	return v, true, nil
}

// Delete implements [Store].
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del %v: %w", keys, err)
	}
	return nil
}

// Keys implements [Store] with SCAN so large keyspaces never block the
// server.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := globEscape(prefix) + "*"
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// SAdd implements [Store].
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem implements [Store].
func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SMembers implements [Store].
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// Expirations implements [Store] through keyspace notifications. It
// turns on expired-event notifications with CONFIG SET; managed servers
// that forbid CONFIG must have notify-keyspace-events set to include
// "Ex" already.
func (r *Redis) Expirations(ctx context.Context) (<-chan string, error) {
	if err := r.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		r.logger.Warn("could not enable keyspace notifications, relying on server config",
			"error", err,
		)
	}

	ps := r.client.PSubscribe(ctx, expiredPattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", expiredPattern, err)
	}
	r.logger.Info("subscribed to key expirations", "pattern", expiredPattern)

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping implements [Store].
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements [Store].
func (r *Redis) Close() error {
	return r.client.Close()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// globEscape escapes the characters SCAN MATCH treats as wildcards.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
