package blob

import (
	"context"
	"fmt"
	"os"

	"provcore/internal/infra/blob/fs"
	"provcore/internal/infra/blob/memory"
	"provcore/internal/infra/blob/postgres"
	"provcore/internal/infra/blob/s3"
	"provcore/internal/infra/blob/sqlite"
)

// Open selects a blob.Store implementation using environment variables.
//
//	PROVCORE_BLOB_DRIVER: fs|memory|s3|sqlite|postgres (default fs)
//	PROVCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./provdata)
//	PROVCORE_BLOB_SQLITE_PATH: sqlite file when driver=sqlite (default ./provcore.db)
//	PROVCORE_BLOB_POSTGRES_DSN: postgres DSN when driver=postgres
//	(S3 specific variables documented in the s3 package)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("PROVCORE_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("PROVCORE_BLOB_FS_ROOT"))
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return s3.OpenFromEnv(ctx)
	case DriverSQLite:
		return NewSQLite(os.Getenv("PROVCORE_BLOB_SQLITE_PATH"))
	case DriverPostgres:
		return NewPostgres(ctx, os.Getenv("PROVCORE_BLOB_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem constructs a filesystem-backed blob.Store rooted at the
// provided path. Returns blob.Store to encourage call sites to depend on the
// interface instead of concrete implementations.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory constructs an in-memory blob.Store for tests.
func NewMemory() Store {
	return memory.New()
}

// NewSQLite constructs a sqlite-backed blob.Store at the provided file path.
func NewSQLite(path string) (Store, error) {
	return sqlite.New(path)
}

// NewPostgres constructs a PostgreSQL-backed blob.Store from the DSN.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	return postgres.New(ctx, dsn)
}
