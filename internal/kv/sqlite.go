package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a [Store] backed by a single SQLite file. TTLs are stored
// as absolute deadlines; reads ignore keys past their deadline, and a
// sweep started by [SQLite.Expirations] deletes them and reports their
// names.
type SQLite struct {
	db     *sql.DB
	sweep  time.Duration
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at path. sweep is
// the expiry scan interval used by Expirations.
func NewSQLite(path string, sweep time.Duration, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sweep <= 0 {
		sweep = 30 * time.Second
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway and this
	// avoids SQLITE_BUSY under concurrent goroutines.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, sweep: sweep, logger: logger.With("component", "kv", "backend", "sqlite")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv_strings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS kv_strings_expires ON kv_strings (expires_at)
		WHERE expires_at IS NOT NULL;
	CREATE TABLE IF NOT EXISTS kv_sets (
		key    TEXT NOT NULL,
		member TEXT NOT NULL,
		PRIMARY KEY (key, member)
	);
	`)
	return err
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Get implements [Store].
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_strings
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements [Store].
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	return s.upsert(ctx, key, value, sql.NullInt64{})
}

// SetEX implements [Store].
func (s *SQLite) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	deadline := sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
	return s.upsert(ctx, key, value, deadline)
}

func (s *SQLite) upsert(ctx context.Context, key, value string, deadline sql.NullInt64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_strings (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, deadline,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Take implements [Store]. An expired row is deleted but not
// returned.
func (s *SQLite) Take(ctx context.Context, key string) (string, bool, error) {
	var (
		value    string
		deadline sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM kv_strings WHERE key = ? RETURNING value, expires_at`, key,
	).Scan(&value, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take %s: %w", key, err)
	}
	if deadline.Valid && deadline.Int64 <= nowMillis() {
		return "", false, nil
	}
	return value, true, nil
}

// Delete implements [Store].
func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_sets WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete set %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Keys implements [Store].
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_strings
		 WHERE substr(key, 1, length(?1)) = ?1 AND (expires_at IS NULL OR expires_at > ?2)
		 UNION
		 SELECT DISTINCT key FROM kv_sets WHERE substr(key, 1, length(?1)) = ?1`,
		prefix, nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SAdd implements [Store].
func (s *SQLite) SAdd(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO kv_sets (key, member) VALUES (?, ?)`, key, m,
		); err != nil {
			return fmt.Errorf("sadd %s: %w", key, err)
		}
	}
	return nil
}

// SRem implements [Store].
func (s *SQLite) SRem(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_sets WHERE key = ? AND member = ?`, key, m,
		); err != nil {
			return fmt.Errorf("srem %s: %w", key, err)
		}
	}
	return nil
}

// SMembers implements [Store].
func (s *SQLite) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_sets WHERE key = ? ORDER BY member`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Expirations implements [Store] by sweeping every s.sweep for keys
// past their deadline. Each expired key is deleted before its name is
// sent, so a key is reported at most once.
func (s *SQLite) Expirations(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			keys, err := s.reapExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("expiry sweep failed", "error", err)
				}
				continue
			}
			for _, k := range keys {
				select {
				case out <- k:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SQLite) reapExpired(ctx context.Context) ([]string, error) {
	now := nowMillis()
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_strings WHERE expires_at IS NOT NULL AND expires_at <= ?`, now,
	)
	if err != nil {
		return nil, err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reaped := keys[:0]
	for _, k := range keys {
		// The key may have been refreshed between the select and now.
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_strings WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`, k, now,
		)
		if err != nil {
			return reaped, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reaped = append(reaped, k)
		}
	}
	return reaped, nil
}

// Ping implements [Store].
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [Store].
func (s *SQLite) Close() error {
	return s.db.Close()
}
