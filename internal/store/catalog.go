package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"provcore/pkg/domain"
)

// Direction selects which side of the catalog relation a traversal follows.
type Direction int

const (
	// DirectionForward follows the relation from upstream to downstream.
	DirectionForward Direction = iota
	// DirectionBackward follows the relation from downstream to upstream.
	DirectionBackward
)

func (d Direction) String() string {
	if d == DirectionBackward {
		return "backward"
	}
	return "forward"
}

// CatalogSpec declares a named root catalog.
type CatalogSpec struct {
	Name string
}

// Edge is an explicit relation instance between already-registered objects:
// every upstream object relates forward to every downstream object.
type Edge struct {
	Upstream   []domain.Persistent
	Downstream []domain.Persistent
}

// Catalog is a relation index over pairs of derived values per object. The
// related set of each object is materialized at index time, memoized per
// object identifier, and traversed by the closure queries. It supports
// transitive closure over a DAG: the provenance relation is acyclic because
// activities are ordered by strictly increasing end time.
type Catalog struct {
	spec     CatalogSpec
	known    map[string]domain.Ref
	forward  map[string][]domain.Ref
	backward map[string][]domain.Ref
	db       *Database
}

func newCatalog(spec CatalogSpec, db *Database) *Catalog {
	return &Catalog{
		spec:     spec,
		known:    make(map[string]domain.Ref),
		forward:  make(map[string][]domain.Ref),
		backward: make(map[string][]domain.Ref),
		db:       db,
	}
}

// Name returns the catalog name.
func (c *Catalog) Name() string { return c.spec.Name }

// Register makes an object known to the catalog so edges may reference it.
// The object is touched and registered with the owning database.
func (c *Catalog) Register(obj domain.Persistent) {
	c.known[obj.OID()] = domain.Ref{Kind: obj.Kind(), OID: obj.OID()}
	c.db.register(obj)
	obj.Touch()
	c.db.markRootDirty(c.spec.Name)
}

// Known reports whether the object was registered.
func (c *Catalog) Known(oid string) bool {
	_, ok := c.known[oid]
	return ok
}

// Index records an explicit edge bidirectionally: every downstream object is
// added to each upstream object's forward set and vice versa. Edges may only
// reference registered objects.
func (c *Catalog) Index(edge Edge) error {
	for _, obj := range append(append([]domain.Persistent(nil), edge.Upstream...), edge.Downstream...) {
		if !c.Known(obj.OID()) {
			return &UnindexedObjectError{Catalog: c.spec.Name, OID: obj.OID()}
		}
	}
	for _, up := range edge.Upstream {
		for _, down := range edge.Downstream {
			c.forward[up.OID()] = appendRef(c.forward[up.OID()], c.known[down.OID()])
			c.backward[down.OID()] = appendRef(c.backward[down.OID()], c.known[up.OID()])
		}
	}
	c.db.markRootDirty(c.spec.Name)
	return nil
}

func appendRef(refs []domain.Ref, ref domain.Ref) []domain.Ref {
	for _, r := range refs {
		if r.OID == ref.OID {
			return refs
		}
	}
	return append(refs, ref)
}

func (c *Catalog) related(oid string, dir Direction) []domain.Ref {
	if dir == DirectionBackward {
		return c.backward[oid]
	}
	return c.forward[oid]
}

func sortedRefs(refs []domain.Ref) []domain.Ref {
	out := append([]domain.Ref(nil), refs...)
	sort.Slice(out, func(a, b int) bool { return out[a].OID < out[b].OID })
	return out
}

// FindRelated returns the transitive closure of the relation from obj in the
// given direction, breadth first, deduplicated by identifier. maxDepth caps
// the number of hops: 1 returns only immediate neighbors, 0 means unbounded.
// Negative depths are programmer errors.
func (c *Catalog) FindRelated(obj domain.Persistent, dir Direction, maxDepth int) ([]domain.Persistent, error) {
	if maxDepth < 0 {
		return nil, &InvalidArgumentError{Op: "Catalog.FindRelated", Reason: fmt.Sprintf("negative max depth %d", maxDepth)}
	}
	if !c.Known(obj.OID()) {
		return nil, &UnindexedObjectError{Catalog: c.spec.Name, OID: obj.OID()}
	}

	visited := map[string]bool{obj.OID(): true}
	var found []domain.Ref
	frontier := []string{obj.OID()}
	for depth := 0; len(frontier) > 0 && (maxDepth == 0 || depth < maxDepth); depth++ {
		var next []string
		for _, oid := range frontier {
			for _, ref := range c.related(oid, dir) {
				if visited[ref.OID] {
					continue
				}
				visited[ref.OID] = true
				found = append(found, ref)
				next = append(next, ref.OID)
			}
		}
		frontier = next
	}

	out := make([]domain.Persistent, 0, len(found))
	for _, ref := range sortedRefs(found) {
		resolved, err := c.db.Resolve(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// FindChains returns every distinct path from obj to a terminal node in the
// given direction, each as an ordered sequence excluding obj itself. Paths
// are only terminated at true leaves: DAG branches that reconverge yield one
// chain per distinct route. Termination is guaranteed by the acyclicity of
// the relation.
func (c *Catalog) FindChains(obj domain.Persistent, dir Direction) ([][]domain.Persistent, error) {
	if !c.Known(obj.OID()) {
		return nil, &UnindexedObjectError{Catalog: c.spec.Name, OID: obj.OID()}
	}

	var chains [][]domain.Ref
	var walk func(oid string, path []domain.Ref)
	walk = func(oid string, path []domain.Ref) {
		neighbors := sortedRefs(c.related(oid, dir))
		if len(neighbors) == 0 {
			if len(path) > 0 {
				chains = append(chains, append([]domain.Ref(nil), path...))
			}
			return
		}
		for _, ref := range neighbors {
			walk(ref.OID, append(path, ref))
		}
	}
	walk(obj.OID(), nil)

	out := make([][]domain.Persistent, 0, len(chains))
	for _, chain := range chains {
		resolved := make([]domain.Persistent, 0, len(chain))
		for _, ref := range chain {
			r, err := c.db.Resolve(ref)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, r)
		}
		out = append(out, resolved)
	}
	return out, nil
}

type catalogPayload struct {
	Name     string                  `json:"name"`
	Known    map[string]domain.Ref   `json:"known"`
	Forward  map[string][]domain.Ref `json:"forward"`
	Backward map[string][]domain.Ref `json:"backward"`
}

func (c *Catalog) marshal() ([]byte, error) {
	return json.Marshal(catalogPayload{
		Name:     c.spec.Name,
		Known:    c.known,
		Forward:  c.forward,
		Backward: c.backward,
	})
}

func (c *Catalog) unmarshal(data []byte) error {
	var p catalogPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode catalog %s: %w", c.spec.Name, err)
	}
	if p.Name != c.spec.Name {
		return fmt.Errorf("catalog blob %s does not match configured root %s", p.Name, c.spec.Name)
	}
	if p.Known == nil {
		p.Known = make(map[string]domain.Ref)
	}
	if p.Forward == nil {
		p.Forward = make(map[string][]domain.Ref)
	}
	if p.Backward == nil {
		p.Backward = make(map[string][]domain.Ref)
	}
	c.known = p.Known
	c.forward = p.Forward
	c.backward = p.Backward
	return nil
}
