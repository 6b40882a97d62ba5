// Package core assembles the provenance graph gateway from the generic
// object store: activity storage, latest-activity-per-plan tracking, path
// reverse indices, and the upstream/downstream relation catalog.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"provcore/internal/store"
	"provcore/pkg/domain"
)

// Root names owned by the gateway's database.
const (
	RootActivities         = "activities"
	RootLatestByPlan       = "latest-activity-by-plan"
	RootByUsagePath        = "activities-by-usage-path"
	RootByGenerationPath   = "activities-by-generation-path"
	RootActivityCatalog    = "activity-catalog"
	opAdd                  = "gateway.add"
	opLatestPerPlan        = "gateway.latest_per_plan"
	opDownstream           = "gateway.downstream"
	opUpstream             = "gateway.upstream"
	opChains               = "gateway.chains"
)

// DefaultConfig declares the gateway's fixed root structure.
func DefaultConfig() store.Config {
	return store.Config{
		Indexes: []store.IndexSpec{
			{Name: RootActivities, KeyAttribute: "id", KeyFor: activityID},
			{Name: RootLatestByPlan, KeyAttribute: "association.plan.id", KeyType: "string"},
			{Name: RootByUsagePath, KeyAttribute: "usage.entity.path", IsList: true, KeyType: "string"},
			{Name: RootByGenerationPath, KeyAttribute: "generation.entity.path", IsList: true, KeyType: "string"},
		},
		Catalogs: []store.CatalogSpec{
			{Name: RootActivityCatalog},
		},
	}
}

func activityID(obj domain.Persistent) (string, error) {
	if _, ok := obj.(*domain.Activity); !ok {
		return "", &store.MissingAttributeError{Index: RootActivities, Attribute: "id", OID: obj.OID()}
	}
	return obj.OID(), nil
}

// ActivityGateway stores activities and answers provenance graph queries
// from the maintained indices, without scanning history.
type ActivityGateway struct {
	db      *store.Database
	metrics MetricsRecorder
}

// NewActivityGateway constructs a gateway over the given database. The
// database must be configured with DefaultConfig roots.
func NewActivityGateway(db *store.Database, opts ...GatewayOption) *ActivityGateway {
	gw := &ActivityGateway{db: db, metrics: noopRecorder{}}
	for _, opt := range opts {
		opt(gw)
	}
	return gw
}

// GatewayOption customizes gateway construction.
type GatewayOption func(*ActivityGateway)

// WithMetricsRecorder wires an observer for gateway operations.
func WithMetricsRecorder(rec MetricsRecorder) GatewayOption {
	return func(gw *ActivityGateway) {
		if rec != nil {
			gw.metrics = rec
		}
	}
}

// Database exposes the underlying store, e.g. for the export layer's reads.
func (gw *ActivityGateway) Database() *store.Database { return gw.db }

// Add inserts a completed activity into the store: the activity index, the
// path reverse indices, the latest-per-plan index, and the relation catalog.
// The caller persists the result with Database.Commit.
func (gw *ActivityGateway) Add(ctx context.Context, activity *domain.Activity) (err error) {
	defer gw.observe(ctx, opAdd, time.Now(), &err)

	if activity == nil {
		return &domain.UsageError{Op: "ActivityGateway.Add", Reason: "activity is nil"}
	}
	activity.EndedAt()
	if err := activity.LoadError(); err != nil {
		return fmt.Errorf("load activity: %w", err)
	}
	if activity.StartedAt().After(activity.EndedAt()) {
		return &domain.UsageError{Op: "ActivityGateway.Add", Reason: "activity cannot end before it starts"}
	}

	activities, err := gw.db.Index(ctx, RootActivities)
	if err != nil {
		return err
	}
	byUsage, err := gw.db.Index(ctx, RootByUsagePath)
	if err != nil {
		return err
	}
	byGeneration, err := gw.db.Index(ctx, RootByGenerationPath)
	if err != nil {
		return err
	}
	catalog, err := gw.db.Catalog(ctx, RootActivityCatalog)
	if err != nil {
		return err
	}

	assoc, err := activity.Association()
	if err != nil {
		return fmt.Errorf("resolve association: %w", err)
	}
	assoc.PlanID()
	if err := assoc.LoadError(); err != nil {
		return fmt.Errorf("load association: %w", err)
	}
	usages, err := activity.Usages()
	if err != nil {
		return fmt.Errorf("resolve usages: %w", err)
	}
	generations, err := activity.Generations()
	if err != nil {
		return fmt.Errorf("resolve generations: %w", err)
	}

	if err := gw.db.Add(activity); err != nil {
		return err
	}
	if err := gw.db.Add(assoc); err != nil {
		return err
	}
	if err := activities.Add(activity); err != nil {
		return err
	}
	catalog.Register(activity)

	// Upstream: activities whose generations overlap this activity's usages.
	var upstream []domain.Persistent
	for _, usage := range usages {
		if err := gw.registerFact(usage); err != nil {
			return err
		}
		if err := byUsage.Add(activity, usage.Path()); err != nil {
			return err
		}
		matches, err := matchingActivities(byGeneration, usage.Path(), usage.Directory(), activity.OID())
		if err != nil {
			return err
		}
		upstream = mergeActivities(upstream, matches)
	}

	// Downstream: activities whose usages overlap this activity's generations.
	var downstream []domain.Persistent
	for _, generation := range generations {
		if err := gw.registerFact(generation); err != nil {
			return err
		}
		if err := byGeneration.Add(activity, generation.Path()); err != nil {
			return err
		}
		matches, err := matchingActivities(byUsage, generation.Path(), generation.Directory(), activity.OID())
		if err != nil {
			return err
		}
		downstream = mergeActivities(downstream, matches)
	}

	if len(upstream) > 0 {
		if err := catalog.Index(store.Edge{Upstream: upstream, Downstream: []domain.Persistent{activity}}); err != nil {
			return err
		}
	}
	if len(downstream) > 0 {
		if err := catalog.Index(store.Edge{Upstream: []domain.Persistent{activity}, Downstream: downstream}); err != nil {
			return err
		}
	}

	return gw.updateLatest(ctx, activity, assoc)
}

// registerFact persists a usage or generation together with the entity it
// references and, for collections, the member entities. The entity is
// resolved through the fact's current binding before the fact is rebound,
// so replayed facts carry their entity bytes into this gateway's store.
func (gw *ActivityGateway) registerFact(fact domain.Persistent) error {
	var (
		entity domain.Persistent
		err    error
	)
	switch f := fact.(type) {
	case *domain.Usage:
		entity, err = f.Entity()
	case *domain.Generation:
		entity, err = f.Entity()
	default:
		return &domain.UsageError{Op: "ActivityGateway.Add", Reason: fmt.Sprintf("unexpected fact type %T", fact)}
	}
	if err != nil {
		return err
	}
	if err := gw.db.Add(fact); err != nil {
		return err
	}
	return gw.registerEntity(entity)
}

// registerEntity persists an entity and, recursively, collection members.
// Entities are immutable: re-adding one shared with an earlier activity
// rewrites the identical bytes, which is harmless.
func (gw *ActivityGateway) registerEntity(entity domain.Persistent) error {
	var members []domain.Persistent
	switch e := entity.(type) {
	case *domain.Entity:
		e.Checksum()
		if err := e.LoadError(); err != nil {
			return err
		}
	case *domain.Collection:
		ms, err := e.Members()
		if err != nil {
			return err
		}
		if err := e.LoadError(); err != nil {
			return err
		}
		members = ms
	default:
		return &domain.UsageError{Op: "ActivityGateway.Add", Reason: fmt.Sprintf("unexpected entity type %T", entity)}
	}
	if err := gw.db.Add(entity); err != nil {
		return err
	}
	for _, m := range members {
		if err := gw.registerEntity(m); err != nil {
			return err
		}
	}
	return nil
}

// updateLatest replaces the plan's latest activity only when the incoming
// one ended strictly later. Ties keep the existing entry.
func (gw *ActivityGateway) updateLatest(ctx context.Context, activity *domain.Activity, assoc *domain.Association) error {
	latest, err := gw.db.Index(ctx, RootLatestByPlan)
	if err != nil {
		return err
	}
	planID := assoc.PlanID()
	if planID == "" {
		return &store.MissingAttributeError{Index: RootLatestByPlan, Attribute: "association.plan.id", OID: activity.OID()}
	}
	current, err := latest.Get(planID)
	var nf *store.NotFoundError
	switch {
	case errors.As(err, &nf):
		return latest.Add(activity, planID)
	case err != nil:
		return err
	}
	existing, ok := current.(*domain.Activity)
	if !ok {
		return fmt.Errorf("latest entry for plan %s is %T, want activity", planID, current)
	}
	existing.EndedAt()
	if err := existing.LoadError(); err != nil {
		return fmt.Errorf("load latest activity for plan %s: %w", planID, err)
	}
	if existing.EndedAt().Before(activity.EndedAt()) {
		return latest.Add(activity, planID)
	}
	return nil
}

// matchingActivities returns the activities indexed under paths overlapping
// the given one. A directory path matches every key equal to or nested under
// it; any path also matches keys that are its ancestor directories, so a
// usage of "data/x.csv" finds a generation of the "data/" collection.
// The scan walks the index's sorted keys; see DESIGN.md on its cost.
func matchingActivities(idx *store.Index, path string, directory bool, selfOID string) ([]domain.Persistent, error) {
	var out []domain.Persistent
	for _, key := range idx.Keys() {
		if !pathsOverlap(path, directory, key) {
			continue
		}
		objs, err := idx.List(key)
		if err != nil {
			return nil, err
		}
		for _, obj := range objs {
			if obj.OID() == selfOID {
				continue
			}
			out = append(out, obj)
		}
	}
	return out, nil
}

// pathsOverlap reports whether a usage/generation at path covers, or is
// covered by, an indexed key.
func pathsOverlap(path string, directory bool, key string) bool {
	if normalizePath(key) == normalizePath(path) {
		return true
	}
	if directory && isUnder(key, path) {
		return true
	}
	return isUnder(path, key)
}

func normalizePath(p string) string {
	return strings.TrimSuffix(p, "/")
}

// isUnder reports whether p is nested strictly below dir.
func isUnder(p, dir string) bool {
	return strings.HasPrefix(normalizePath(p), normalizePath(dir)+"/")
}

func mergeActivities(acc, more []domain.Persistent) []domain.Persistent {
	for _, m := range more {
		dup := false
		for _, a := range acc {
			if a.OID() == m.OID() {
				dup = true
				break
			}
		}
		if !dup {
			acc = append(acc, m)
		}
	}
	return acc
}

// Activity returns a stored activity handle by identifier.
func (gw *ActivityGateway) Activity(ctx context.Context, oid string) (*domain.Activity, error) {
	activities, err := gw.db.Index(ctx, RootActivities)
	if err != nil {
		return nil, err
	}
	obj, err := activities.Get(oid)
	if err != nil {
		return nil, err
	}
	activity, ok := obj.(*domain.Activity)
	if !ok {
		return nil, fmt.Errorf("object %s is %T, want activity", oid, obj)
	}
	return activity, nil
}

// Activities returns every stored activity, ordered by identifier.
func (gw *ActivityGateway) Activities(ctx context.Context) ([]*domain.Activity, error) {
	activities, err := gw.db.Index(ctx, RootActivities)
	if err != nil {
		return nil, err
	}
	values, err := activities.Values()
	if err != nil {
		return nil, err
	}
	return asActivities(values)
}

// LatestActivityPerPlan returns, for every plan with at least one stored
// activity, its most recent activity keyed by plan identifier.
func (gw *ActivityGateway) LatestActivityPerPlan(ctx context.Context) (result map[string]*domain.Activity, err error) {
	defer gw.observe(ctx, opLatestPerPlan, time.Now(), &err)

	latest, err := gw.db.Index(ctx, RootLatestByPlan)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Activity, latest.Len())
	for _, planID := range latest.Keys() {
		obj, err := latest.Get(planID)
		if err != nil {
			return nil, err
		}
		activity, ok := obj.(*domain.Activity)
		if !ok {
			return nil, fmt.Errorf("latest entry for plan %s is %T, want activity", planID, obj)
		}
		out[planID] = activity
	}
	return out, nil
}

// DownstreamActivities returns the activities that transitively depend on
// the given one.
func (gw *ActivityGateway) DownstreamActivities(ctx context.Context, activity *domain.Activity) ([]*domain.Activity, error) {
	return gw.related(ctx, activity, store.DirectionForward, 0, opDownstream)
}

// DownstreamActivitiesDepth is DownstreamActivities capped at maxDepth hops.
func (gw *ActivityGateway) DownstreamActivitiesDepth(ctx context.Context, activity *domain.Activity, maxDepth int) ([]*domain.Activity, error) {
	return gw.related(ctx, activity, store.DirectionForward, maxDepth, opDownstream)
}

// UpstreamActivities returns the activities the given one transitively
// depends on.
func (gw *ActivityGateway) UpstreamActivities(ctx context.Context, activity *domain.Activity) ([]*domain.Activity, error) {
	return gw.related(ctx, activity, store.DirectionBackward, 0, opUpstream)
}

// UpstreamActivitiesDepth is UpstreamActivities capped at maxDepth hops.
func (gw *ActivityGateway) UpstreamActivitiesDepth(ctx context.Context, activity *domain.Activity, maxDepth int) ([]*domain.Activity, error) {
	return gw.related(ctx, activity, store.DirectionBackward, maxDepth, opUpstream)
}

func (gw *ActivityGateway) related(ctx context.Context, activity *domain.Activity, dir store.Direction, maxDepth int, op string) (result []*domain.Activity, err error) {
	defer gw.observe(ctx, op, time.Now(), &err)

	catalog, err := gw.db.Catalog(ctx, RootActivityCatalog)
	if err != nil {
		return nil, err
	}
	objs, err := catalog.FindRelated(activity, dir, maxDepth)
	if err != nil {
		return nil, err
	}
	return asActivities(objs)
}

// DownstreamActivityChains returns every causal chain downstream of the
// given activity, each ordered from its immediate dependent to a terminal
// activity.
func (gw *ActivityGateway) DownstreamActivityChains(ctx context.Context, activity *domain.Activity) ([][]*domain.Activity, error) {
	return gw.chains(ctx, activity, store.DirectionForward)
}

// UpstreamActivityChains returns every causal chain upstream of the given
// activity.
func (gw *ActivityGateway) UpstreamActivityChains(ctx context.Context, activity *domain.Activity) ([][]*domain.Activity, error) {
	return gw.chains(ctx, activity, store.DirectionBackward)
}

func (gw *ActivityGateway) chains(ctx context.Context, activity *domain.Activity, dir store.Direction) (result [][]*domain.Activity, err error) {
	defer gw.observe(ctx, opChains, time.Now(), &err)

	catalog, err := gw.db.Catalog(ctx, RootActivityCatalog)
	if err != nil {
		return nil, err
	}
	chains, err := catalog.FindChains(activity, dir)
	if err != nil {
		return nil, err
	}
	out := make([][]*domain.Activity, 0, len(chains))
	for _, chain := range chains {
		acts, err := asActivities(chain)
		if err != nil {
			return nil, err
		}
		out = append(out, acts)
	}
	return out, nil
}

func asActivities(objs []domain.Persistent) ([]*domain.Activity, error) {
	out := make([]*domain.Activity, 0, len(objs))
	for _, obj := range objs {
		activity, ok := obj.(*domain.Activity)
		if !ok {
			return nil, fmt.Errorf("object %s is %T, want activity", obj.OID(), obj)
		}
		out = append(out, activity)
	}
	return out, nil
}

func (gw *ActivityGateway) observe(ctx context.Context, op string, started time.Time, err *error) {
	gw.metrics.Observe(ctx, op, *err == nil, time.Since(started))
}
