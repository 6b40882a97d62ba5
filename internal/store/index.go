package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"provcore/pkg/domain"
)

// KeyFunc derives an index key from an object. Returns MissingAttributeError
// when the configured attribute path does not resolve.
type KeyFunc func(domain.Persistent) (string, error)

// IndexSpec declares a named root index. KeyAttribute documents the derived
// attribute path; KeyFor computes it. When KeyFor is nil the index accepts
// explicit keys only.
type IndexSpec struct {
	Name         string
	KeyAttribute string
	KeyFor       KeyFunc
	IsList       bool
	KeyType      string // optional type tag for explicit keys; "" means string
}

// Index is a named mapping from a derived key to one stored object, or in
// list mode to an ordered sequence of objects sharing a key. Inserting an
// existing non-list key replaces the previous value.
type Index struct {
	spec    IndexSpec
	entries map[string][]domain.Ref
	db      *Database
}

func newIndex(spec IndexSpec, db *Database) *Index {
	return &Index{spec: spec, entries: make(map[string][]domain.Ref), db: db}
}

// Name returns the index name.
func (i *Index) Name() string { return i.spec.Name }

// IsList reports whether keys map to ordered sequences.
func (i *Index) IsList() bool { return i.spec.IsList }

// Len returns the number of distinct keys.
func (i *Index) Len() int { return len(i.entries) }

// Add inserts the object under its derived key, or under the explicit key if
// one is supplied. List indexes append; others replace (last writer wins).
// The object is touched and registered with the owning database.
func (i *Index) Add(obj domain.Persistent, explicitKey ...any) error {
	var key string
	switch {
	case len(explicitKey) > 1:
		return &domain.UsageError{Op: "Index.Add", Reason: "at most one explicit key is allowed"}
	case len(explicitKey) == 1:
		k, ok := explicitKey[0].(string)
		if !ok {
			want := i.spec.KeyType
			if want == "" {
				want = "string"
			}
			return &InvalidKeyTypeError{Index: i.spec.Name, Key: explicitKey[0], Want: want}
		}
		key = k
	case i.spec.KeyFor != nil:
		k, err := i.spec.KeyFor(obj)
		if err != nil {
			return err
		}
		key = k
	default:
		return &domain.UsageError{Op: "Index.Add", Reason: fmt.Sprintf("index %s has no key derivation and no explicit key was given", i.spec.Name)}
	}

	ref := domain.Ref{Kind: obj.Kind(), OID: obj.OID()}
	if i.spec.IsList {
		i.entries[key] = append(i.entries[key], ref)
	} else {
		i.entries[key] = []domain.Ref{ref}
	}
	i.db.register(obj)
	obj.Touch()
	i.db.markRootDirty(i.spec.Name)
	return nil
}

// Get returns the object stored under key. On a list index it returns the
// first element. Missing keys yield NotFoundError.
func (i *Index) Get(key string) (domain.Persistent, error) {
	refs, ok := i.entries[key]
	if !ok || len(refs) == 0 {
		return nil, &NotFoundError{Index: i.spec.Name, Key: key}
	}
	return i.db.Resolve(refs[0])
}

// List returns the ordered objects stored under key. A missing key yields an
// empty slice, not an error.
func (i *Index) List(key string) ([]domain.Persistent, error) {
	refs := i.entries[key]
	out := make([]domain.Persistent, 0, len(refs))
	for _, ref := range refs {
		obj, err := i.db.Resolve(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Pop removes and returns the object stored under key. Missing keys yield
// NotFoundError; callers treating absence as normal check for it.
func (i *Index) Pop(key string) (domain.Persistent, error) {
	if i.spec.IsList {
		return nil, &domain.UsageError{Op: "Index.Pop", Reason: fmt.Sprintf("index %s is a list index", i.spec.Name)}
	}
	obj, err := i.Get(key)
	if err != nil {
		return nil, err
	}
	delete(i.entries, key)
	i.db.markRootDirty(i.spec.Name)
	return obj, nil
}

// Keys returns the current keys in sorted order. Re-iterating re-reads the
// current state, not a frozen snapshot.
func (i *Index) Keys() []string {
	keys := make([]string, 0, len(i.entries))
	for k := range i.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the stored objects in key order, list entries flattened in
// insertion order.
func (i *Index) Values() ([]domain.Persistent, error) {
	var out []domain.Persistent
	for _, k := range i.Keys() {
		objs, err := i.List(k)
		if err != nil {
			return nil, err
		}
		out = append(out, objs...)
	}
	return out, nil
}

// Item pairs an index key with the objects stored under it.
type Item struct {
	Key     string
	Objects []domain.Persistent
}

// Items returns every key with its resolved objects, sorted by key. Like
// Keys, re-iterating re-reads the current state.
func (i *Index) Items() ([]Item, error) {
	items := make([]Item, 0, len(i.entries))
	for _, key := range i.Keys() {
		objs, err := i.List(key)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Key: key, Objects: objs})
	}
	return items, nil
}

type indexPayload struct {
	Name         string                  `json:"name"`
	KeyAttribute string                  `json:"key_attribute,omitempty"`
	IsList       bool                    `json:"is_list,omitempty"`
	KeyType      string                  `json:"key_type,omitempty"`
	Entries      map[string][]domain.Ref `json:"entries"`
}

func (i *Index) marshal() ([]byte, error) {
	return json.Marshal(indexPayload{
		Name:         i.spec.Name,
		KeyAttribute: i.spec.KeyAttribute,
		IsList:       i.spec.IsList,
		KeyType:      i.spec.KeyType,
		Entries:      i.entries,
	})
}

func (i *Index) unmarshal(data []byte) error {
	var p indexPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode index %s: %w", i.spec.Name, err)
	}
	if p.Name != i.spec.Name {
		return fmt.Errorf("index blob %s does not match configured root %s", p.Name, i.spec.Name)
	}
	if p.Entries == nil {
		p.Entries = make(map[string][]domain.Ref)
	}
	i.entries = p.Entries
	return nil
}
