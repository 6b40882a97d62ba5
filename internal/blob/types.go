// Package blob re-exports core blob abstractions for stable internal imports.
package blob

import (
	"provcore/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// Store is the interface for blob storage backends.
	Store = core.Store
	// NotFoundError reports a read of a missing key.
	NotFoundError = core.NotFoundError
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverSQLite is the embedded sqlite driver.
	DriverSQLite = core.DriverSQLite
	// DriverPostgres is the PostgreSQL driver.
	DriverPostgres = core.DriverPostgres
)

// IsNotFound reports whether err denotes a missing blob.
func IsNotFound(err error) bool { return core.IsNotFound(err) }
