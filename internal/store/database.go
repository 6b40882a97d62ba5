// Package store implements the persistent object database: lazy-loaded
// objects addressed by logical identifier, named root indices and catalogs,
// and two-phase transactional commit to blob storage.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"provcore/internal/blob/core"
	"provcore/pkg/domain"
)

// Config declares the fixed set of root indices and catalogs a database
// owns. Roots are created once at Initialize and loaded lazily afterwards.
type Config struct {
	Indexes  []IndexSpec
	Catalogs []CatalogSpec
}

// Database owns the root indices/catalogs, the arena of resident objects,
// and the dirty set awaiting commit. It is the only component that reads or
// writes blob storage. Single writer; external locking is the caller's job.
type Database struct {
	blobs      core.Store
	cfg        Config
	indexes    map[string]*Index
	catalogs   map[string]*Catalog
	arena      map[string]domain.Persistent
	dirty      map[string]domain.Persistent
	dirtyRoots map[string]bool
	rootsReady bool
}

// New constructs a database over the given blob store. Roots are not touched
// until Initialize or the first access.
func New(blobs core.Store, cfg Config) *Database {
	return &Database{
		blobs:      blobs,
		cfg:        cfg,
		arena:      make(map[string]domain.Persistent),
		dirty:      make(map[string]domain.Persistent),
		dirtyRoots: make(map[string]bool),
	}
}

type envelope struct {
	Kind    domain.Kind     `json:"kind"`
	OID     string          `json:"oid"`
	Payload json.RawMessage `json:"payload"`
}

type rootEnvelope struct {
	Type    string          `json:"type"` // "index" or "catalog"
	Payload json.RawMessage `json:"payload"`
}

// Initialize creates the configured roots and persists the empty root
// structure. Destructive: existing roots are overwritten and previously
// stored objects become unreferenced orphans. Only call when establishing a
// brand-new store.
func (db *Database) Initialize(ctx context.Context) error {
	db.indexes = make(map[string]*Index)
	db.catalogs = make(map[string]*Catalog)
	db.arena = make(map[string]domain.Persistent)
	db.dirty = make(map[string]domain.Persistent)
	db.dirtyRoots = make(map[string]bool)
	for _, spec := range db.cfg.Indexes {
		db.indexes[spec.Name] = newIndex(spec, db)
		db.dirtyRoots[spec.Name] = true
	}
	for _, spec := range db.cfg.Catalogs {
		db.catalogs[spec.Name] = newCatalog(spec, db)
		db.dirtyRoots[spec.Name] = true
	}
	db.rootsReady = true
	return db.writeRoots(ctx)
}

// ensureRoots loads the root structure from storage on first access when the
// database was opened over an existing store without Initialize.
func (db *Database) ensureRoots(ctx context.Context) error {
	if db.rootsReady {
		return nil
	}
	indexes := make(map[string]*Index, len(db.cfg.Indexes))
	catalogs := make(map[string]*Catalog, len(db.cfg.Catalogs))
	for _, spec := range db.cfg.Indexes {
		idx := newIndex(spec, db)
		if err := db.loadRoot(ctx, spec.Name, "index", idx.unmarshal); err != nil {
			return err
		}
		indexes[spec.Name] = idx
	}
	for _, spec := range db.cfg.Catalogs {
		cat := newCatalog(spec, db)
		if err := db.loadRoot(ctx, spec.Name, "catalog", cat.unmarshal); err != nil {
			return err
		}
		catalogs[spec.Name] = cat
	}
	db.indexes = indexes
	db.catalogs = catalogs
	db.rootsReady = true
	return nil
}

func (db *Database) loadRoot(ctx context.Context, name, rootType string, restore func([]byte) error) error {
	data, err := db.blobs.Read(ctx, RootKey(name))
	if core.IsNotFound(err) {
		return &domain.UsageError{Op: "Database", Reason: fmt.Sprintf("root %s missing; store was never initialized", name)}
	}
	if err != nil {
		return err
	}
	var env rootEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode root %s: %w", name, err)
	}
	if env.Type != rootType {
		return fmt.Errorf("root %s has type %s, want %s", name, env.Type, rootType)
	}
	return restore(env.Payload)
}

// Index returns the named root index, loading roots from storage if needed.
func (db *Database) Index(ctx context.Context, name string) (*Index, error) {
	if err := db.ensureRoots(ctx); err != nil {
		return nil, err
	}
	idx, ok := db.indexes[name]
	if !ok {
		return nil, &domain.UsageError{Op: "Database.Index", Reason: fmt.Sprintf("no root index named %s", name)}
	}
	return idx, nil
}

// Catalog returns the named root catalog, loading roots from storage if needed.
func (db *Database) Catalog(ctx context.Context, name string) (*Catalog, error) {
	if err := db.ensureRoots(ctx); err != nil {
		return nil, err
	}
	cat, ok := db.catalogs[name]
	if !ok {
		return nil, &domain.UsageError{Op: "Database.Catalog", Reason: fmt.Sprintf("no root catalog named %s", name)}
	}
	return cat, nil
}

// Get resolves an object identifier to a (possibly ghost) handle. The
// returned object's fields load from storage on first access, not here, so
// querying one object never pulls in its transitive closure.
func (db *Database) Get(oid string) (domain.Persistent, error) {
	kind, err := domain.KindOf(oid)
	if err != nil {
		return nil, err
	}
	return db.Resolve(domain.Ref{Kind: kind, OID: oid})
}

// Resolve returns the resident handle for a reference, or constructs a ghost
// bound to this database. All cross-object links flow through here.
func (db *Database) Resolve(ref domain.Ref) (domain.Persistent, error) {
	if obj, ok := db.arena[ref.OID]; ok {
		return obj, nil
	}
	obj, err := domain.NewOfKind(ref.Kind, ref.OID)
	if err != nil {
		return nil, err
	}
	obj.SetState(domain.StateGhost)
	db.bind(obj)
	db.arena[ref.OID] = obj
	return obj, nil
}

// Add registers an object for persistence at the next commit. The object
// must implement the persistence contract.
func (db *Database) Add(obj any) error {
	p, ok := obj.(domain.Persistent)
	if !ok {
		return &domain.UsageError{Op: "Database.Add", Reason: fmt.Sprintf("cannot add objects of type %T", obj)}
	}
	db.register(p)
	return nil
}

// register makes the object resident and dirty. Idempotent.
func (db *Database) register(p domain.Persistent) {
	db.bind(p)
	db.arena[p.OID()] = p
	db.dirty[p.OID()] = p
}

func (db *Database) bind(p domain.Persistent) {
	p.Bind(domain.Binding{
		Notify:  func() { db.dirty[p.OID()] = p },
		Load:    func() error { return db.load(context.Background(), p) },
		Resolve: db.Resolve,
	})
}

func (db *Database) load(ctx context.Context, p domain.Persistent) error {
	data, err := db.blobs.Read(ctx, ObjectKey(p.OID()))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode object %s: %w", p.OID(), err)
	}
	if env.OID != p.OID() {
		return fmt.Errorf("object blob %s does not match requested %s", env.OID, p.OID())
	}
	if err := p.UnmarshalPayload(env.Payload); err != nil {
		return err
	}
	p.SetState(domain.StateUpToDate)
	return nil
}

func (db *Database) markRootDirty(name string) {
	db.dirtyRoots[name] = true
}

// Commit persists every dirty object, then the dirty roots, in that order.
// The ordering is a correctness invariant: if the process crashes between
// the phases, the worst outcome is unreferenced orphan blobs, never a root
// index pointing at a blob that was never written. After the root writes
// succeed the dirty set is cleared and touched objects become up to date.
func (db *Database) Commit(ctx context.Context) error {
	if !db.rootsReady {
		if err := db.ensureRoots(ctx); err != nil {
			return err
		}
	}

	// Phase 1: object blobs, in stable order.
	oids := make([]string, 0, len(db.dirty))
	for oid := range db.dirty {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	for _, oid := range oids {
		p := db.dirty[oid]
		if p.State() == domain.StateGhost {
			// Never persisted locally and never loaded; nothing to write.
			continue
		}
		payload, err := p.MarshalPayload()
		if err != nil {
			return fmt.Errorf("marshal %s: %w", oid, err)
		}
		data, err := json.Marshal(envelope{Kind: p.Kind(), OID: oid, Payload: payload})
		if err != nil {
			return fmt.Errorf("marshal envelope %s: %w", oid, err)
		}
		if err := db.blobs.Write(ctx, ObjectKey(oid), data); err != nil {
			return fmt.Errorf("write %s: %w", oid, err)
		}
	}

	// Phase 2: root blobs, only after every object write completed.
	if err := db.writeRoots(ctx); err != nil {
		return err
	}

	for _, p := range db.dirty {
		if p.State() != domain.StateGhost {
			p.SetState(domain.StateUpToDate)
		}
	}
	db.dirty = make(map[string]domain.Persistent)
	return nil
}

func (db *Database) writeRoots(ctx context.Context) error {
	names := make([]string, 0, len(db.dirtyRoots))
	for name := range db.dirtyRoots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var (
			rootType string
			payload  []byte
			err      error
		)
		if idx, ok := db.indexes[name]; ok {
			rootType = "index"
			payload, err = idx.marshal()
		} else if cat, ok := db.catalogs[name]; ok {
			rootType = "catalog"
			payload, err = cat.marshal()
		} else {
			return &domain.UsageError{Op: "Database.Commit", Reason: fmt.Sprintf("dirty root %s is not configured", name)}
		}
		if err != nil {
			return fmt.Errorf("marshal root %s: %w", name, err)
		}
		data, err := json.Marshal(rootEnvelope{Type: rootType, Payload: payload})
		if err != nil {
			return fmt.Errorf("marshal root envelope %s: %w", name, err)
		}
		if err := db.blobs.Write(ctx, RootKey(name), data); err != nil {
			return fmt.Errorf("write root %s: %w", name, err)
		}
	}
	db.dirtyRoots = make(map[string]bool)
	return nil
}

// DirtyCount reports the number of objects awaiting commit.
func (db *Database) DirtyCount() int { return len(db.dirty) }
