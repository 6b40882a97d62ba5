// Package core defines the core abstractions for blob storage backends
// used by the object store.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem represents the local filesystem implementation.
	DriverFilesystem Driver = "fs" // local filesystem (default)
	// DriverMemory represents an in-memory implementation typically used in tests.
	DriverMemory Driver = "memory" // in-memory (tests)
	// DriverS3 represents an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3" // S3 / MinIO compatible
	// DriverSQLite represents an embedded sqlite-file implementation.
	DriverSQLite Driver = "sqlite" // embedded sqlite file
	// DriverPostgres represents a PostgreSQL-backed implementation.
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Store maps opaque storage keys to byte blobs. Writes must be atomic: a
// crash must never leave a partially written blob visible. Only the database
// commit path writes through this interface.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	ModifiedAt(ctx context.Context, key string) (time.Time, error)
	Driver() Driver
}

// NotFoundError reports a read of a missing key. A recoverable condition the
// caller is expected to handle.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blob %s not found", e.Key)
}

// IsNotFound reports whether err denotes a missing blob.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
