// Package kv is the key-value layer every piece of persistent state in
// aide goes through: conversation history, inactivity markers, reminder
// and watcher records, pending confirmations and wizard state.
//
// Two backends implement [Store]. Redis is the production backend and
// reports expirations through keyspace notifications. SQLite serves
// single-node installs and tests, and reports expirations by sweeping
// for keys past their deadline.
package kv

import (
	"context"
	"time"
)

// Store is the set of operations the rest of aide needs from a
// key-value backend. Keys live in one flat namespace; a key holds
// either a string value or a set, never both.
type Store interface {
	// Get returns the string stored at key. ok is false when the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value at key with no expiry, clearing any previous TTL.
	Set(ctx context.Context, key, value string) error

	// SetEX stores value at key, expiring after ttl.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error

	// Take returns the string stored at key and deletes it in one
	// atomic step. Of several concurrent callers at most one sees ok.
	Take(ctx context.Context, key string) (value string, ok bool, err error)

	// Delete removes keys of either kind. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns every live key starting with prefix, in no
	// particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns the members of the set at key, empty if absent.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Expirations streams the names of keys as their TTL lapses. The
	// channel closes when ctx is cancelled.
	Expirations(ctx context.Context) (<-chan string, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

var (
	_ Store = (*Redis)(nil)
	_ Store = (*SQLite)(nil)
)
