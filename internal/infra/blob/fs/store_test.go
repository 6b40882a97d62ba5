package fs

import (
	"bytes"
	"context"
	"testing"
	"time"

	"provcore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_WriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)

	if err := store.Write(ctx, "objects/abc", []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok, err := store.Exists(ctx, "objects/abc")
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	data, err := store.Read(ctx, "objects/abc")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("unexpected data %q", data)
	}
	mod, err := store.ModifiedAt(ctx, "objects/abc")
	if err != nil {
		t.Fatalf("modified at: %v", err)
	}
	if time.Since(mod) > time.Minute {
		t.Fatalf("implausible modification time %v", mod)
	}
	if store.Driver() != core.DriverFilesystem {
		t.Fatalf("driver = %s", store.Driver())
	}
}

func TestStore_OverwriteReplaces(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if err := store.Write(ctx, "roots/activities", []byte("v1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Write(ctx, "roots/activities", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := store.Read(ctx, "roots/activities")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("overwrite kept %q", data)
	}
}

func TestStore_MissingKey(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)

	ok, err := store.Exists(ctx, "objects/missing")
	if err != nil || ok {
		t.Fatalf("exists on missing: %v %v", ok, err)
	}
	if _, err := store.Read(ctx, "objects/missing"); !core.IsNotFound(err) {
		t.Fatalf("read missing: %v, want NotFoundError", err)
	}
	if _, err := store.ModifiedAt(ctx, "objects/missing"); !core.IsNotFound(err) {
		t.Fatalf("modified at missing: %v, want NotFoundError", err)
	}
}

func TestStore_PathTraversal(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"../escape", "/abs", "a/../../b", ""} {
		if err := store.Write(ctx, key, []byte("x")); err == nil {
			t.Fatalf("key %q accepted", key)
		}
		if _, err := store.Read(ctx, key); err == nil {
			t.Fatalf("read of key %q accepted", key)
		}
	}
}
