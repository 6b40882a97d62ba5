// Package postgres implements the blob store on a PostgreSQL table via the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"provcore/internal/blob/core"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/provcore?sslmode=disable"
)

// Store persists blobs in one PostgreSQL table. Upserts run in implicit
// transactions, giving the required write atomicity.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed blob store using the provided DSN (falls
// back to defaultDSN) and ensures the blobs table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open(defaultDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		payload BYTEA NOT NULL,
		modified_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create blobs table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Driver() core.Driver { return core.DriverPostgres }

// Exists reports whether the key has a stored blob.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE key = $1`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select blob: %w", err)
	}
	return true, nil
}

// Read returns the stored bytes for key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM blobs WHERE key = $1`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("select blob: %w", err)
	}
	return payload, nil
}

// Write stores data under key, replacing any previous blob.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO blobs (key, payload, modified_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET payload = excluded.payload, modified_at = excluded.modified_at`,
		key, data)
	if err != nil {
		return fmt.Errorf("upsert blob: %w", err)
	}
	return nil
}

// ModifiedAt returns the last write time of the blob at key.
func (s *Store) ModifiedAt(ctx context.Context, key string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT modified_at FROM blobs WHERE key = $1`, key).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, &core.NotFoundError{Key: key}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("select blob: %w", err)
	}
	return t.UTC(), nil
}
