// Package postgres provides a PostgreSQL-backed Store for credgate.
//
// Keys live in a single table with an expires_at column. Expiry is evaluated
// against the database clock, so every gateway instance sees the same
// deadlines. SetIfAbsent is a single INSERT ... ON CONFLICT statement, which
// makes the lock safe for multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/credgate"
)

// Store is a PostgreSQL-backed credgate.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ credgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "credgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "credgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) keysTable() string { return s.tablePrefix + "keys" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at);
	`, s.keysTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("credgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND expires_at > now()`, s.keysTable()),
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credgate/postgres: get: %w", err)
	}
	return value, true, nil
}

// Set stores value at key, replacing any previous value and TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return credgate.ErrInvalidTTL
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value, expires_at)
			VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
			s.keysTable()),
		key, value, ttl.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("credgate/postgres: set: %w", err)
	}
	return nil
}

// SetIfAbsent stores value at key only when key holds no live value. An
// expired row is overwritten in place.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, credgate.ErrInvalidTTL
	}
	var inserted bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (key, value, expires_at)
			VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
			WHERE %[1]s.expires_at <= now()
			RETURNING true`, s.keysTable()),
		key, value, ttl.Milliseconds(),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credgate/postgres: set if absent: %w", err)
	}
	return inserted, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.keysTable()),
		key,
	)
	if err != nil {
		return fmt.Errorf("credgate/postgres: delete: %w", err)
	}
	return nil
}

// PurgeExpired removes rows whose TTL has passed. Expired rows are already
// invisible to Get, so this only reclaims space.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= now()`, s.keysTable()),
	)
	if err != nil {
		return 0, fmt.Errorf("credgate/postgres: purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
