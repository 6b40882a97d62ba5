package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"provcore/internal/blob"
	"provcore/internal/store"
	"provcore/pkg/domain"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T) (*ActivityGateway, blob.Store) {
	t.Helper()
	blobs := blob.NewMemory()
	gw, err := openGateway(context.Background(), blobs, true)
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	return gw, blobs
}

type activitySpec struct {
	plan     string
	start    time.Time
	end      time.Time
	uses     []string
	usesDirs []string
	gens     []string
	gensDirs []string
}

func buildActivity(t *testing.T, spec activitySpec) *domain.Activity {
	t.Helper()
	var usages []*domain.Usage
	for _, path := range spec.uses {
		usages = append(usages, domain.NewUsage(domain.NewEntity("sha256:"+path, path)))
	}
	for _, path := range spec.usesDirs {
		usages = append(usages, domain.NewCollectionUsage(domain.NewCollection("sha256:"+path, path)))
	}
	var gens []*domain.Generation
	for _, path := range spec.gens {
		gens = append(gens, domain.NewGeneration(domain.NewEntity("sha256:"+path, path)))
	}
	for _, path := range spec.gensDirs {
		gens = append(gens, domain.NewCollectionGeneration(domain.NewCollection("sha256:"+path, path)))
	}
	activity, err := domain.NewActivity(domain.ActivityParams{
		StartedAt:   spec.start,
		EndedAt:     spec.end,
		Association: domain.NewAssociation(spec.plan, "runner"),
		Usages:      usages,
		Generations: gens,
	})
	if err != nil {
		t.Fatalf("new activity: %v", err)
	}
	return activity
}

func addActivity(t *testing.T, gw *ActivityGateway, spec activitySpec) *domain.Activity {
	t.Helper()
	activity := buildActivity(t, spec)
	if err := gw.Add(context.Background(), activity); err != nil {
		t.Fatalf("add activity: %v", err)
	}
	return activity
}

func assertSameActivities(t *testing.T, got []*domain.Activity, want ...*domain.Activity) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d activities, want %d", len(got), len(want))
	}
	wanted := map[string]bool{}
	for _, w := range want {
		wanted[w.OID()] = true
	}
	for _, g := range got {
		if !wanted[g.OID()] {
			t.Fatalf("unexpected activity %s in result", g.OID())
		}
	}
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway(t)

	var ue *domain.UsageError
	if err := gw.Add(ctx, nil); !errors.As(err, &ue) {
		t.Fatalf("nil activity: %v, want UsageError", err)
	}
}

func TestDownstreamChainThroughSharedPaths(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway(t)

	a1 := addActivity(t, gw, activitySpec{
		plan: "ingest", start: epoch, end: epoch.Add(time.Hour),
		gens: []string{"data/x.csv"},
	})
	a2 := addActivity(t, gw, activitySpec{
		plan: "transform", start: epoch.Add(2 * time.Hour), end: epoch.Add(3 * time.Hour),
		uses: []string{"data/x.csv"}, gens: []string{"data/y.csv"},
	})
	a3 := addActivity(t, gw, activitySpec{
		plan: "train", start: epoch.Add(4 * time.Hour), end: epoch.Add(5 * time.Hour),
		uses: []string{"data/y.csv"},
	})

	down, err := gw.DownstreamActivities(ctx, a1)
	if err != nil {
		t.Fatalf("downstream: %v", err)
	}
	assertSameActivities(t, down, a2, a3)

	up, err := gw.UpstreamActivities(ctx, a3)
	if err != nil {
		t.Fatalf("upstream: %v", err)
	}
	assertSameActivities(t, up, a1, a2)

	immediate, err := gw.DownstreamActivitiesDepth(ctx, a1, 1)
	if err != nil {
		t.Fatalf("downstream depth 1: %v", err)
	}
	assertSameActivities(t, immediate, a2)

	chains, err := gw.DownstreamActivityChains(ctx, a1)
	if err != nil {
		t.Fatalf("chains: %v", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 {
		t.Fatalf("unexpected chains shape: %d", len(chains))
	}
	if chains[0][0].OID() != a2.OID() || chains[0][1].OID() != a3.OID() {
		t.Fatalf("chain order wrong")
	}

	upChains, err := gw.UpstreamActivityChains(ctx, a3)
	if err != nil {
		t.Fatalf("upstream chains: %v", err)
	}
	if len(upChains) != 1 || len(upChains[0]) != 2 {
		t.Fatalf("unexpected upstream chains shape")
	}
	if upChains[0][0].OID() != a2.OID() || upChains[0][1].OID() != a1.OID() {
		t.Fatalf("upstream chain order wrong")
	}
}

func TestRelationIsSymmetric(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway(t)

	a1 := addActivity(t, gw, activitySpec{
		plan: "p1", start: epoch, end: epoch.Add(time.Hour),
		gens: []string{"out/model.bin"},
	})
	a2 := addActivity(t, gw, activitySpec{
		plan: "p2", start: epoch.Add(2 * time.Hour), end: epoch.Add(3 * time.Hour),
		uses: []string{"out/model.bin"},
	})

	down, err := gw.DownstreamActivities(ctx, a1)
	if err != nil {
		t.Fatalf("downstream: %v", err)
	}
	up, err := gw.UpstreamActivities(ctx, a2)
	if err != nil {
		t.Fatalf("upstream: %v", err)
	}
	assertSameActivities(t, down, a2)
	assertSameActivities(t, up, a1)
}

func TestDirectoryContainmentLinksRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("directory first", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		producer := addActivity(t, gw, activitySpec{
			plan: "snapshot", start: epoch, end: epoch.Add(time.Hour),
			gensDirs: []string{"data/"},
		})
		consumer := addActivity(t, gw, activitySpec{
			plan: "train", start: epoch.Add(2 * time.Hour), end: epoch.Add(3 * time.Hour),
			uses: []string{"data/train.csv"},
		})
		down, err := gw.DownstreamActivities(ctx, producer)
		if err != nil {
			t.Fatalf("downstream: %v", err)
		}
		assertSameActivities(t, down, consumer)
	})

	t.Run("file first", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		producer := addActivity(t, gw, activitySpec{
			plan: "ingest", start: epoch, end: epoch.Add(time.Hour),
			gens: []string{"data/train.csv"},
		})
		consumer := addActivity(t, gw, activitySpec{
			plan: "audit", start: epoch.Add(2 * time.Hour), end: epoch.Add(3 * time.Hour),
			usesDirs: []string{"data/"},
		})
		down, err := gw.DownstreamActivities(ctx, producer)
		if err != nil {
			t.Fatalf("downstream: %v", err)
		}
		assertSameActivities(t, down, consumer)
	})

	t.Run("unrelated paths stay unlinked", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		producer := addActivity(t, gw, activitySpec{
			plan: "p1", start: epoch, end: epoch.Add(time.Hour),
			gens: []string{"data/train.csv"},
		})
		addActivity(t, gw, activitySpec{
			plan: "p2", start: epoch.Add(2 * time.Hour), end: epoch.Add(3 * time.Hour),
			uses: []string{"database/users.db"},
		})
		down, err := gw.DownstreamActivities(ctx, producer)
		if err != nil {
			t.Fatalf("downstream: %v", err)
		}
		if len(down) != 0 {
			t.Fatalf("prefix-similar paths linked: %d downstream", len(down))
		}
	})
}

func TestLatestActivityPerPlan(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway(t)

	addActivity(t, gw, activitySpec{plan: "train", start: epoch, end: epoch.Add(time.Hour)})
	second := addActivity(t, gw, activitySpec{plan: "train", start: epoch.Add(2 * time.Hour), end: epoch.Add(3 * time.Hour)})
	other := addActivity(t, gw, activitySpec{plan: "eval", start: epoch, end: epoch.Add(30 * time.Minute)})

	latest, err := gw.LatestActivityPerPlan(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("got %d plans, want 2", len(latest))
	}
	if latest["train"].OID() != second.OID() {
		t.Fatalf("latest for train is %s, want %s", latest["train"].OID(), second.OID())
	}
	if latest["eval"].OID() != other.OID() {
		t.Fatalf("latest for eval is %s", latest["eval"].OID())
	}

	// A replayed older run must not displace the newer one.
	addActivity(t, gw, activitySpec{plan: "train", start: epoch.Add(-2 * time.Hour), end: epoch.Add(-time.Hour)})
	latest, err = gw.LatestActivityPerPlan(ctx)
	if err != nil {
		t.Fatalf("latest after stale add: %v", err)
	}
	if latest["train"].OID() != second.OID() {
		t.Fatalf("stale activity displaced the latest")
	}
}

func TestLatestTieKeepsExisting(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway(t)

	first := addActivity(t, gw, activitySpec{plan: "train", start: epoch, end: epoch.Add(time.Hour)})
	addActivity(t, gw, activitySpec{plan: "train", start: epoch, end: epoch.Add(time.Hour)})

	latest, err := gw.LatestActivityPerPlan(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest["train"].OID() != first.OID() {
		t.Fatalf("tie displaced the existing latest")
	}
}

func TestActivityLookup(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway(t)

	a := addActivity(t, gw, activitySpec{plan: "p", start: epoch, end: epoch.Add(time.Hour)})
	got, err := gw.Activity(ctx, a.OID())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.OID() != a.OID() {
		t.Fatalf("lookup returned %s", got.OID())
	}

	var nf *store.NotFoundError
	if _, err := gw.Activity(ctx, "activity-absent"); !errors.As(err, &nf) {
		t.Fatalf("missing lookup: %v, want NotFoundError", err)
	}

	all, err := gw.Activities(ctx)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	assertSameActivities(t, all, a)
}

func TestCommitAndReopenPreservesProvenance(t *testing.T) {
	ctx := context.Background()
	gw, blobs := newTestGateway(t)

	a1 := addActivity(t, gw, activitySpec{
		plan: "ingest", start: epoch, end: epoch.Add(time.Hour),
		gens: []string{"data/x.csv"},
	})
	a2 := addActivity(t, gw, activitySpec{
		plan: "train", start: epoch.Add(2 * time.Hour), end: epoch.Add(3 * time.Hour),
		uses: []string{"data/x.csv"}, gens: []string{"models/m.bin"},
	})
	if err := gw.Database().Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened, err := openGateway(ctx, blobs, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	revived, err := reopened.Activity(ctx, a1.OID())
	if err != nil {
		t.Fatalf("lookup after reopen: %v", err)
	}
	down, err := reopened.DownstreamActivities(ctx, revived)
	if err != nil {
		t.Fatalf("downstream after reopen: %v", err)
	}
	if len(down) != 1 || down[0].OID() != a2.OID() {
		t.Fatalf("provenance lost across reopen")
	}

	// The revived payload hydrates down to the fact and its entity.
	usages, err := down[0].Usages()
	if err != nil {
		t.Fatalf("usages after reopen: %v", err)
	}
	if len(usages) != 1 || usages[0].Path() != "data/x.csv" {
		t.Fatalf("usage facts lost across reopen")
	}
	entity, err := usages[0].Entity()
	if err != nil {
		t.Fatalf("entity after reopen: %v", err)
	}
	stored, ok := entity.(*domain.Entity)
	if !ok {
		t.Fatalf("entity is %T", entity)
	}
	if stored.Checksum() != "sha256:data/x.csv" {
		t.Fatalf("entity payload lost: %q, loadErr=%v", stored.Checksum(), stored.LoadError())
	}

	latest, err := reopened.LatestActivityPerPlan(ctx)
	if err != nil {
		t.Fatalf("latest after reopen: %v", err)
	}
	if latest["train"].OID() != a2.OID() {
		t.Fatalf("latest index lost across reopen")
	}
}

func TestCollectionMembersArePersisted(t *testing.T) {
	ctx := context.Background()
	gw, blobs := newTestGateway(t)

	member := domain.NewEntity("sha256:data/a.csv", "data/a.csv")
	col := domain.NewCollection("sha256:data/", "data/", member)
	activity, err := domain.NewActivity(domain.ActivityParams{
		StartedAt:   epoch,
		EndedAt:     epoch.Add(time.Hour),
		Association: domain.NewAssociation("snapshot", "runner"),
		Generations: []*domain.Generation{domain.NewCollectionGeneration(col)},
	})
	if err != nil {
		t.Fatalf("new activity: %v", err)
	}
	if err := gw.Add(ctx, activity); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := gw.Database().Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened, err := openGateway(ctx, blobs, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	obj, err := reopened.Database().Get(member.OID())
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	revived, ok := obj.(*domain.Entity)
	if !ok {
		t.Fatalf("member is %T", obj)
	}
	if revived.Checksum() != "sha256:data/a.csv" {
		t.Fatalf("member entity not persisted: %q, loadErr=%v", revived.Checksum(), revived.LoadError())
	}
}

// flakyStore fails object reads on demand while leaving root reads intact,
// mimicking a backend that drops individual blob fetches.
type flakyStore struct {
	blob.Store
	failObjects bool
	readErr     error
}

func (s *flakyStore) Read(ctx context.Context, key string) ([]byte, error) {
	if s.failObjects && strings.HasPrefix(key, "objects/") {
		return nil, s.readErr
	}
	return s.Store.Read(ctx, key)
}

func TestLatestPerPlanReadFailurePropagates(t *testing.T) {
	ctx := context.Background()
	readErr := errors.New("backend unavailable")
	blobs := &flakyStore{Store: blob.NewMemory(), readErr: readErr}

	gw, err := openGateway(ctx, blobs, true)
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	newer := addActivity(t, gw, activitySpec{
		plan:  "plan-ingest",
		start: epoch,
		end:   epoch.Add(10 * time.Hour),
		gens:  []string{"out.txt"},
	})
	if err := gw.Database().Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened, err := openGateway(ctx, blobs, false)
	if err != nil {
		t.Fatalf("reopen gateway: %v", err)
	}
	blobs.failObjects = true
	older := buildActivity(t, activitySpec{
		plan:  "plan-ingest",
		start: epoch,
		end:   epoch.Add(time.Hour),
		gens:  []string{"other.txt"},
	})
	if err := reopened.Add(ctx, older); !errors.Is(err, readErr) {
		t.Fatalf("Add error = %v, want wrapped %v", err, readErr)
	}

	blobs.failObjects = false
	latest, err := reopened.LatestActivityPerPlan(ctx)
	if err != nil {
		t.Fatalf("latest per plan: %v", err)
	}
	got, ok := latest["plan-ingest"]
	if !ok {
		t.Fatalf("plan-ingest missing from latest mapping")
	}
	if got.OID() != newer.OID() {
		t.Fatalf("latest = %s, want %s", got.OID(), newer.OID())
	}
}
