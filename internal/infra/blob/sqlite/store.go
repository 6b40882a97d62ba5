// Package sqlite implements the blob store on a single embedded sqlite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"provcore/internal/blob/core"
)

// Store persists blobs in one sqlite table. A transactional UPSERT per write
// gives the required write atomicity.
type Store struct {
	db   *sql.DB
	path string
}

// New constructs a sqlite-backed blob store at path, creating the file and
// schema if needed.
func New(path string) (*Store, error) {
	if path == "" {
		path = "provcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		modified_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create blobs table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Driver() core.Driver { return core.DriverSQLite }

// Exists reports whether the key has a stored blob.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE key = ?`, key).Scan(&one)
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
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM blobs WHERE key = ?`, key).Scan(&payload)
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
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `INSERT INTO blobs (key, payload, modified_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, modified_at = excluded.modified_at`,
		key, data, now)
	if err != nil {
		return fmt.Errorf("upsert blob: %w", err)
	}
	return nil
}

// ModifiedAt returns the last write time of the blob at key.
func (s *Store) ModifiedAt(ctx context.Context, key string) (time.Time, error) {
	var stamp string
	err := s.db.QueryRowContext(ctx, `SELECT modified_at FROM blobs WHERE key = ?`, key).Scan(&stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, &core.NotFoundError{Key: key}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("select blob: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse modified_at: %w", err)
	}
	return t, nil
}
