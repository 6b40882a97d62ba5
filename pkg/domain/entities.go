package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityKey is the identity of an entity: two entities with the same
// checksum and path are interchangeable regardless of construction order.
type EntityKey struct {
	Checksum string
	Path     string
}

// Entity is a content-addressed snapshot of a file. Immutable after
// construction; its identifier is derived deterministically from the key.
type Entity struct {
	Record
	checksum string
	path     string
}

// NewEntity constructs a file entity. The identifier is a function of
// (checksum, path) so repeated construction yields the same object identity.
func NewEntity(checksum, path string) *Entity {
	return &Entity{
		Record:   NewImmutableRecord(KindEntity, entityOID(KindEntity, checksum, path)),
		checksum: checksum,
		path:     path,
	}
}

func entityOID(kind Kind, checksum, path string) string {
	sum := sha256.Sum256([]byte(checksum + "\x00" + path))
	return string(kind) + "-" + hex.EncodeToString(sum[:8])
}

// Checksum returns the content hash of the snapshot.
func (e *Entity) Checksum() string {
	e.ensureLoaded()
	return e.checksum
}

// Path returns the project-relative path of the snapshot.
func (e *Entity) Path() string {
	e.ensureLoaded()
	return e.path
}

// Key returns the comparable identity of the entity.
func (e *Entity) Key() EntityKey {
	e.ensureLoaded()
	return EntityKey{Checksum: e.checksum, Path: e.path}
}

// Equal reports whether two entities denote the same content at the same path.
func (e *Entity) Equal(other *Entity) bool {
	if other == nil {
		return false
	}
	return e.Key() == other.Key()
}

type entityPayload struct {
	Checksum string `json:"checksum"`
	Path     string `json:"path"`
	Members  []Ref  `json:"members,omitempty"`
}

// MarshalPayload serializes the entity fields.
func (e *Entity) MarshalPayload() ([]byte, error) {
	return json.Marshal(entityPayload{Checksum: e.checksum, Path: e.path})
}

// UnmarshalPayload restores the entity fields from stored bytes.
func (e *Entity) UnmarshalPayload(data []byte) error {
	var p entityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	e.checksum = p.Checksum
	e.path = p.Path
	return nil
}

// Collection is an entity with directory semantics: a usage or generation
// pointing at a collection logically covers every path beneath it.
type Collection struct {
	Entity
	members    []Ref
	memberObjs []Persistent
}

// NewCollection constructs a directory entity with ordered members. Members
// are entities or nested collections.
func NewCollection(checksum, path string, members ...Persistent) *Collection {
	c := &Collection{
		Entity: Entity{
			Record:   NewImmutableRecord(KindCollection, entityOID(KindCollection, checksum, path)),
			checksum: checksum,
			path:     path,
		},
	}
	for _, m := range members {
		c.members = append(c.members, Ref{Kind: m.Kind(), OID: m.OID()})
		c.memberObjs = append(c.memberObjs, m)
	}
	return c
}

// MemberRefs returns the ordered member references.
func (c *Collection) MemberRefs() []Ref {
	c.ensureLoaded()
	out := make([]Ref, len(c.members))
	copy(out, c.members)
	return out
}

// MemberHandles returns the in-memory members supplied at construction, or
// nil for a revived collection.
func (c *Collection) MemberHandles() []Persistent {
	return append([]Persistent(nil), c.memberObjs...)
}

// Members resolves the ordered member handles through the owning database.
func (c *Collection) Members() ([]Persistent, error) {
	c.ensureLoaded()
	if c.memberObjs != nil {
		return c.MemberHandles(), nil
	}
	out := make([]Persistent, 0, len(c.members))
	for _, ref := range c.members {
		m, err := c.resolve(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MarshalPayload serializes the collection fields including members.
func (c *Collection) MarshalPayload() ([]byte, error) {
	return json.Marshal(entityPayload{Checksum: c.checksum, Path: c.path, Members: c.members})
}

// UnmarshalPayload restores the collection fields from stored bytes.
func (c *Collection) UnmarshalPayload(data []byte) error {
	var p entityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode collection: %w", err)
	}
	c.checksum = p.Checksum
	c.path = p.Path
	c.members = p.Members
	c.memberObjs = nil
	return nil
}

// Usage records that an activity read an entity at a specific content state.
// Owned exclusively by its parent activity, never shared or mutated.
type Usage struct {
	Record
	entity    Ref
	path      string
	directory bool
	entityObj Persistent
}

// NewUsage constructs a usage fact for the given entity.
func NewUsage(entity *Entity) *Usage {
	return &Usage{
		Record:    NewImmutableRecord(KindUsage, newOID(KindUsage)),
		entity:    Ref{Kind: entity.Kind(), OID: entity.OID()},
		path:      entity.Path(),
		directory: entity.Kind() == KindCollection,
		entityObj: entity,
	}
}

// NewCollectionUsage constructs a usage fact covering a directory.
func NewCollectionUsage(collection *Collection) *Usage {
	return &Usage{
		Record:    NewImmutableRecord(KindUsage, newOID(KindUsage)),
		entity:    Ref{Kind: KindCollection, OID: collection.OID()},
		path:      collection.Path(),
		directory: true,
		entityObj: collection,
	}
}

func newOID(kind Kind) string {
	return string(kind) + "-" + uuid.Must(uuid.NewV7()).String()
}

// EntityRef returns the reference to the used entity.
func (u *Usage) EntityRef() Ref {
	u.ensureLoaded()
	return u.entity
}

// EntityHandle returns the in-memory entity supplied at construction, or nil
// for a revived usage.
func (u *Usage) EntityHandle() Persistent { return u.entityObj }

// Entity resolves the used entity handle through the owning database.
func (u *Usage) Entity() (Persistent, error) {
	u.ensureLoaded()
	if u.entityObj != nil {
		return u.entityObj, nil
	}
	return u.resolve(u.entity)
}

// Path returns the used path.
func (u *Usage) Path() string {
	u.ensureLoaded()
	return u.path
}

// Directory reports whether the usage covers a directory.
func (u *Usage) Directory() bool {
	u.ensureLoaded()
	return u.directory
}

type factPayload struct {
	Entity    Ref    `json:"entity"`
	Path      string `json:"path"`
	Directory bool   `json:"directory,omitempty"`
}

// MarshalPayload serializes the usage fields.
func (u *Usage) MarshalPayload() ([]byte, error) {
	return json.Marshal(factPayload{Entity: u.entity, Path: u.path, Directory: u.directory})
}

// UnmarshalPayload restores the usage fields from stored bytes.
func (u *Usage) UnmarshalPayload(data []byte) error {
	var p factPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode usage: %w", err)
	}
	u.entity = p.Entity
	u.path = p.Path
	u.directory = p.Directory
	u.entityObj = nil
	return nil
}

// Generation records that an activity wrote an entity. Owned exclusively by
// its parent activity, never shared or mutated.
type Generation struct {
	Record
	entity    Ref
	path      string
	directory bool
	entityObj Persistent
}

// NewGeneration constructs a generation fact for the given entity.
func NewGeneration(entity *Entity) *Generation {
	return &Generation{
		Record:    NewImmutableRecord(KindGeneration, newOID(KindGeneration)),
		entity:    Ref{Kind: entity.Kind(), OID: entity.OID()},
		path:      entity.Path(),
		directory: entity.Kind() == KindCollection,
		entityObj: entity,
	}
}

// NewCollectionGeneration constructs a generation fact covering a directory.
func NewCollectionGeneration(collection *Collection) *Generation {
	return &Generation{
		Record:    NewImmutableRecord(KindGeneration, newOID(KindGeneration)),
		entity:    Ref{Kind: KindCollection, OID: collection.OID()},
		path:      collection.Path(),
		directory: true,
		entityObj: collection,
	}
}

// EntityRef returns the reference to the generated entity.
func (g *Generation) EntityRef() Ref {
	g.ensureLoaded()
	return g.entity
}

// EntityHandle returns the in-memory entity supplied at construction, or nil
// for a revived generation.
func (g *Generation) EntityHandle() Persistent { return g.entityObj }

// Entity resolves the generated entity handle through the owning database.
func (g *Generation) Entity() (Persistent, error) {
	g.ensureLoaded()
	if g.entityObj != nil {
		return g.entityObj, nil
	}
	return g.resolve(g.entity)
}

// Path returns the generated path.
func (g *Generation) Path() string {
	g.ensureLoaded()
	return g.path
}

// Directory reports whether the generation covers a directory.
func (g *Generation) Directory() bool {
	g.ensureLoaded()
	return g.directory
}

// MarshalPayload serializes the generation fields.
func (g *Generation) MarshalPayload() ([]byte, error) {
	return json.Marshal(factPayload{Entity: g.entity, Path: g.path, Directory: g.directory})
}

// UnmarshalPayload restores the generation fields from stored bytes.
func (g *Generation) UnmarshalPayload(data []byte) error {
	var p factPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode generation: %w", err)
	}
	g.entity = p.Entity
	g.path = p.Path
	g.directory = p.Directory
	g.entityObj = nil
	return nil
}

// Association binds an activity to the plan it instantiated and the acting
// agent. Plans are owned outside the store; only the stable plan identifier
// is kept.
type Association struct {
	Record
	planID string
	agent  string
}

// NewAssociation constructs an association for the given plan and agent.
func NewAssociation(planID, agent string) *Association {
	return &Association{
		Record: NewRecord(KindAssociation, newOID(KindAssociation)),
		planID: planID,
		agent:  agent,
	}
}

// PlanID returns the identifier of the instantiated plan.
func (a *Association) PlanID() string {
	a.ensureLoaded()
	return a.planID
}

// Agent returns the acting agent, person or software.
func (a *Association) Agent() string {
	a.ensureLoaded()
	return a.agent
}

type associationPayload struct {
	PlanID string `json:"plan_id"`
	Agent  string `json:"agent,omitempty"`
}

// MarshalPayload serializes the association fields.
func (a *Association) MarshalPayload() ([]byte, error) {
	return json.Marshal(associationPayload{PlanID: a.planID, Agent: a.agent})
}

// UnmarshalPayload restores the association fields from stored bytes.
func (a *Association) UnmarshalPayload(data []byte) error {
	var p associationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode association: %w", err)
	}
	a.planID = p.PlanID
	a.agent = p.Agent
	return nil
}

// ActivityParams holds the inputs for constructing an activity. The runner
// that executed the plan supplies every field; the store never computes them.
type ActivityParams struct {
	StartedAt     time.Time
	EndedAt       time.Time
	Association   *Association
	Usages        []*Usage
	Generations   []*Generation
	Agents        []string
	Parameters    map[string]string
	Invalidations []string
}

// Activity is the aggregate root of provenance: one completed execution with
// its inputs, outputs, and plan association. Created once at execution
// completion and never mutated after being added to the store; corrections
// are modeled as new activities.
type Activity struct {
	Record
	startedAt     time.Time
	endedAt       time.Time
	association   Ref
	usages        []Ref
	generations   []Ref
	agents        []string
	parameters    map[string]string
	invalidations []string

	// In-memory handles populated at construction; revived activities
	// resolve refs through the owning database instead.
	assocObj *Association
	useObjs  []*Usage
	genObjs  []*Generation
}

// NewActivity constructs a completed execution record. Both timestamps are
// required and the start must not be after the end.
func NewActivity(p ActivityParams) (*Activity, error) {
	if p.StartedAt.IsZero() || p.EndedAt.IsZero() {
		return nil, &UsageError{Op: "NewActivity", Reason: "started and ended timestamps are required"}
	}
	if p.StartedAt.After(p.EndedAt) {
		return nil, &UsageError{Op: "NewActivity", Reason: "activity cannot end before it starts"}
	}
	if p.Association == nil {
		return nil, &UsageError{Op: "NewActivity", Reason: "activity requires an association"}
	}
	a := &Activity{
		Record:        NewRecord(KindActivity, newOID(KindActivity)),
		startedAt:     p.StartedAt,
		endedAt:       p.EndedAt,
		association:   Ref{Kind: KindAssociation, OID: p.Association.OID()},
		agents:        append([]string(nil), p.Agents...),
		invalidations: append([]string(nil), p.Invalidations...),
		assocObj:      p.Association,
		useObjs:       append([]*Usage(nil), p.Usages...),
		genObjs:       append([]*Generation(nil), p.Generations...),
	}
	if len(p.Parameters) > 0 {
		a.parameters = make(map[string]string, len(p.Parameters))
		for k, v := range p.Parameters {
			a.parameters[k] = v
		}
	}
	for _, u := range p.Usages {
		a.usages = append(a.usages, Ref{Kind: KindUsage, OID: u.OID()})
	}
	for _, g := range p.Generations {
		a.generations = append(a.generations, Ref{Kind: KindGeneration, OID: g.OID()})
	}
	return a, nil
}

// StartedAt returns the execution start time.
func (a *Activity) StartedAt() time.Time {
	a.ensureLoaded()
	return a.startedAt
}

// EndedAt returns the execution end time, the ordering key of provenance.
func (a *Activity) EndedAt() time.Time {
	a.ensureLoaded()
	return a.endedAt
}

// AssociationRef returns the reference to the plan association.
func (a *Activity) AssociationRef() Ref {
	a.ensureLoaded()
	return a.association
}

// Association resolves the plan association handle.
func (a *Activity) Association() (*Association, error) {
	a.ensureLoaded()
	if a.assocObj != nil {
		return a.assocObj, nil
	}
	obj, err := a.resolve(a.association)
	if err != nil {
		return nil, err
	}
	assoc, ok := obj.(*Association)
	if !ok {
		return nil, fmt.Errorf("reference %s resolved to %T, want association", a.association.OID, obj)
	}
	a.assocObj = assoc
	return assoc, nil
}

// UsageRefs returns the references to the activity's input facts.
func (a *Activity) UsageRefs() []Ref {
	a.ensureLoaded()
	out := make([]Ref, len(a.usages))
	copy(out, a.usages)
	return out
}

// Usages resolves the activity's input facts.
func (a *Activity) Usages() ([]*Usage, error) {
	a.ensureLoaded()
	if a.useObjs == nil && len(a.usages) > 0 {
		for _, ref := range a.usages {
			obj, err := a.resolve(ref)
			if err != nil {
				return nil, err
			}
			u, ok := obj.(*Usage)
			if !ok {
				return nil, fmt.Errorf("reference %s resolved to %T, want usage", ref.OID, obj)
			}
			a.useObjs = append(a.useObjs, u)
		}
	}
	return append([]*Usage(nil), a.useObjs...), nil
}

// GenerationRefs returns the references to the activity's output facts.
func (a *Activity) GenerationRefs() []Ref {
	a.ensureLoaded()
	out := make([]Ref, len(a.generations))
	copy(out, a.generations)
	return out
}

// Generations resolves the activity's output facts.
func (a *Activity) Generations() ([]*Generation, error) {
	a.ensureLoaded()
	if a.genObjs == nil && len(a.generations) > 0 {
		for _, ref := range a.generations {
			obj, err := a.resolve(ref)
			if err != nil {
				return nil, err
			}
			g, ok := obj.(*Generation)
			if !ok {
				return nil, fmt.Errorf("reference %s resolved to %T, want generation", ref.OID, obj)
			}
			a.genObjs = append(a.genObjs, g)
		}
	}
	return append([]*Generation(nil), a.genObjs...), nil
}

// Agents returns the acting agents recorded for the execution.
func (a *Activity) Agents() []string {
	a.ensureLoaded()
	return append([]string(nil), a.agents...)
}

// Parameters returns the resolved plan parameters of the execution.
func (a *Activity) Parameters() map[string]string {
	a.ensureLoaded()
	if a.parameters == nil {
		return nil
	}
	out := make(map[string]string, len(a.parameters))
	for k, v := range a.parameters {
		out[k] = v
	}
	return out
}

// Invalidations returns the paths this activity invalidated.
func (a *Activity) Invalidations() []string {
	a.ensureLoaded()
	return append([]string(nil), a.invalidations...)
}

type activityPayload struct {
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at"`
	Association   Ref               `json:"association"`
	Usages        []Ref             `json:"usages,omitempty"`
	Generations   []Ref             `json:"generations,omitempty"`
	Agents        []string          `json:"agents,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Invalidations []string          `json:"invalidations,omitempty"`
}

// MarshalPayload serializes the activity fields. Owned facts are stored as
// references; their blobs are written separately by the database.
func (a *Activity) MarshalPayload() ([]byte, error) {
	return json.Marshal(activityPayload{
		StartedAt:     a.startedAt,
		EndedAt:       a.endedAt,
		Association:   a.association,
		Usages:        a.usages,
		Generations:   a.generations,
		Agents:        a.agents,
		Parameters:    a.parameters,
		Invalidations: a.invalidations,
	})
}

// UnmarshalPayload restores the activity fields from stored bytes.
func (a *Activity) UnmarshalPayload(data []byte) error {
	var p activityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode activity: %w", err)
	}
	a.startedAt = p.StartedAt
	a.endedAt = p.EndedAt
	a.association = p.Association
	a.usages = p.Usages
	a.generations = p.Generations
	a.agents = p.Agents
	a.parameters = p.Parameters
	a.invalidations = p.Invalidations
	a.assocObj = nil
	a.useObjs = nil
	a.genObjs = nil
	return nil
}
