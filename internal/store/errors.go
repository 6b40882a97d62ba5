package store

import "fmt"

// NotFoundError reports a missing key in an index. A recoverable condition:
// "no entry yet for this key" is not exceptional at the caller level.
type NotFoundError struct {
	Index string
	Key   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("index %s has no entry for key %q", e.Index, e.Key)
}

// InvalidKeyTypeError reports an explicit key whose type does not match the
// index's configured key type.
type InvalidKeyTypeError struct {
	Index string
	Key   any
	Want  string
}

func (e *InvalidKeyTypeError) Error() string {
	return fmt.Sprintf("index %s requires %s keys, got %T", e.Index, e.Want, e.Key)
}

// MissingAttributeError reports that an index's key derivation did not
// resolve on the supplied object.
type MissingAttributeError struct {
	Index     string
	Attribute string
	OID       string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("index %s cannot derive key %q for object %s", e.Index, e.Attribute, e.OID)
}

// UnindexedObjectError reports a catalog edge referencing an object that was
// never registered with the catalog. The catalog never silently creates
// partial state.
type UnindexedObjectError struct {
	Catalog string
	OID     string
}

func (e *UnindexedObjectError) Error() string {
	return fmt.Sprintf("catalog %s has no indexed object %s", e.Catalog, e.OID)
}

// InvalidArgumentError reports a programmer error in a query argument.
type InvalidArgumentError struct {
	Op     string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}
