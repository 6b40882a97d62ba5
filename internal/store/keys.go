package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// ObjectKey derives the storage key for an object identifier. The fixed-width
// hash keeps directory fan-out bounded on filesystem backends.
func ObjectKey(oid string) string {
	sum := sha256.Sum256([]byte(oid))
	return "objects/" + hex.EncodeToString(sum[:8])
}

// RootKey derives the storage key for a named root index or catalog.
func RootKey(name string) string {
	return "roots/" + name
}
