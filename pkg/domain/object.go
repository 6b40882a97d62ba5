// Package domain defines the persistent value types, object lifecycle
// contract, and typed errors of the provenance store.
package domain

import (
	"fmt"
)

// Kind identifies the concrete type of a stored object.
type Kind string

// Supported object kinds used in storage envelopes and references.
const (
	// KindEntity identifies a content-addressed file snapshot.
	KindEntity Kind = "entity"
	// KindCollection identifies a content-addressed directory snapshot.
	KindCollection Kind = "collection"
	// KindUsage identifies an input fact owned by an activity.
	KindUsage Kind = "usage"
	// KindGeneration identifies an output fact owned by an activity.
	KindGeneration Kind = "generation"
	// KindAssociation identifies the activity-to-plan binding.
	KindAssociation Kind = "association"
	// KindActivity identifies a completed execution record.
	KindActivity Kind = "activity"
)

// State is the lifecycle state of a persistent object.
type State string

// Lifecycle states. New objects have never been persisted; ghosts are known
// by identifier only, with fields hydrated on first access.
const (
	StateNew      State = "new"
	StateUpToDate State = "uptodate"
	StateGhost    State = "ghost"
	StateDirty    State = "dirty"
)

// Ref is a serialized link to another persistent object. Cross-object links
// are always stored as references and resolved through the owning database,
// never as direct pointers.
type Ref struct {
	Kind Kind   `json:"kind"`
	OID  string `json:"oid"`
}

// Binding wires a persistent object to its owning database. Notify registers
// the object with the dirty set, Load hydrates a ghost, and Resolve turns a
// reference into a (possibly ghost) handle.
type Binding struct {
	Notify  func()
	Load    func() error
	Resolve func(Ref) (Persistent, error)
}

// Persistent is the capability every storable object implements.
type Persistent interface {
	OID() string
	Kind() Kind
	State() State
	SetState(State)
	Touch()
	Bind(Binding)
	MarshalPayload() ([]byte, error)
	UnmarshalPayload([]byte) error
}

// Record supplies the Persistent lifecycle fields. Domain types embed it and
// call ensureLoaded at the top of every field accessor so ghost hydration is
// explicit in the accessor, not hidden behind reflection.
type Record struct {
	oid       string
	kind      Kind
	state     State
	immutable bool
	binding   Binding
	loadErr   error
}

// NewRecord constructs the lifecycle record for a mutable persistent object.
func NewRecord(kind Kind, oid string) Record {
	return Record{oid: oid, kind: kind, state: StateNew}
}

// NewImmutableRecord constructs the lifecycle record for an immutable value
// object. Immutable objects skip StateDirty: once added they are only ever
// up to date or ghost.
func NewImmutableRecord(kind Kind, oid string) Record {
	return Record{oid: oid, kind: kind, state: StateNew, immutable: true}
}

// OID returns the stable logical identifier.
func (r *Record) OID() string { return r.oid }

// Kind returns the object kind.
func (r *Record) Kind() Kind { return r.kind }

// State returns the current lifecycle state.
func (r *Record) State() State { return r.state }

// SetState overrides the lifecycle state. Reserved for the owning database.
func (r *Record) SetState(s State) { r.state = s }

// Touch registers the object with the owning database and, for mutable
// objects, transitions it to StateDirty.
func (r *Record) Touch() {
	if !r.immutable && r.state != StateGhost {
		r.state = StateDirty
	}
	if r.binding.Notify != nil {
		r.binding.Notify()
	}
}

// Bind attaches database callbacks. Called by the database when the object
// is added or revived, never by domain code.
func (r *Record) Bind(b Binding) { r.binding = b }

// LoadError reports the error, if any, from the most recent ghost hydration
// attempt triggered by a field accessor.
func (r *Record) LoadError() error { return r.loadErr }

// ensureLoaded hydrates a ghost before field access. Hydration failures are
// recorded and surfaced via LoadError; fields stay zero-valued.
func (r *Record) ensureLoaded() {
	if r.state != StateGhost || r.binding.Load == nil {
		return
	}
	r.loadErr = r.binding.Load()
}

// resolve turns a reference into a handle through the owning database.
func (r *Record) resolve(ref Ref) (Persistent, error) {
	if r.binding.Resolve == nil {
		return nil, fmt.Errorf("%s %s is not bound to a database", r.kind, r.oid)
	}
	return r.binding.Resolve(ref)
}

// NewOfKind constructs an empty object of the given kind with the supplied
// identifier. Used by the database to revive stored objects.
func NewOfKind(kind Kind, oid string) (Persistent, error) {
	switch kind {
	case KindEntity:
		return &Entity{Record: NewImmutableRecord(KindEntity, oid)}, nil
	case KindCollection:
		return &Collection{Entity: Entity{Record: NewImmutableRecord(KindCollection, oid)}}, nil
	case KindUsage:
		return &Usage{Record: NewImmutableRecord(KindUsage, oid)}, nil
	case KindGeneration:
		return &Generation{Record: NewImmutableRecord(KindGeneration, oid)}, nil
	case KindAssociation:
		return &Association{Record: NewRecord(KindAssociation, oid)}, nil
	case KindActivity:
		return &Activity{Record: NewRecord(KindActivity, oid)}, nil
	default:
		return nil, fmt.Errorf("unknown object kind %q", kind)
	}
}

// KindOf derives the object kind from an identifier prefix. Identifiers are
// minted as "<kind>-<suffix>" so a ghost handle can be constructed without
// reading the object's blob.
func KindOf(oid string) (Kind, error) {
	for _, k := range []Kind{KindCollection, KindEntity, KindUsage, KindGeneration, KindAssociation, KindActivity} {
		if len(oid) > len(k) && oid[:len(k)] == string(k) && oid[len(k)] == '-' {
			return k, nil
		}
	}
	return "", fmt.Errorf("cannot derive kind from identifier %q", oid)
}
