package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"provcore/internal/blob"
	"provcore/internal/store"
)

func TestRebuildReplaysIntoFreshStore(t *testing.T) {
	ctx := context.Background()
	source, _ := newTestGateway(t)

	a1 := addActivity(t, source, activitySpec{
		plan: "ingest", start: epoch, end: epoch.Add(time.Hour),
		gens: []string{"data/x.csv"},
	})
	a2 := addActivity(t, source, activitySpec{
		plan: "train", start: epoch.Add(2 * time.Hour), end: epoch.Add(3 * time.Hour),
		uses: []string{"data/x.csv"}, gens: []string{"models/m.bin"},
	})
	if err := source.Database().Commit(ctx); err != nil {
		t.Fatalf("commit source: %v", err)
	}

	activities, err := source.Activities(ctx)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}

	targetBlobs := blob.NewMemory()
	target, err := openGateway(ctx, targetBlobs, true)
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	if err := Rebuild(ctx, target, activities); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	rebuilt, err := openGateway(ctx, targetBlobs, false)
	if err != nil {
		t.Fatalf("reopen target: %v", err)
	}
	all, err := rebuilt.Activities(ctx)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	assertSameActivities(t, all, a1, a2)

	first, err := rebuilt.Activity(ctx, a1.OID())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	down, err := rebuilt.DownstreamActivities(ctx, first)
	if err != nil {
		t.Fatalf("downstream: %v", err)
	}
	if len(down) != 1 || down[0].OID() != a2.OID() {
		t.Fatalf("relation not rebuilt")
	}

	latest, err := rebuilt.LatestActivityPerPlan(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest["train"].OID() != a2.OID() {
		t.Fatalf("latest index not rebuilt")
	}

	// The entity blobs traveled with the replay.
	usages, err := down[0].Usages()
	if err != nil {
		t.Fatalf("usages: %v", err)
	}
	entity, err := usages[0].Entity()
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if _, err := rebuilt.Database().Get(entity.OID()); err != nil {
		t.Fatalf("entity handle: %v", err)
	}
	if _, err := targetBlobs.Read(ctx, store.ObjectKey(entity.OID())); err != nil {
		t.Fatalf("entity blob missing in target store: %v", err)
	}
}

func TestRebuildOrdersByEndTime(t *testing.T) {
	ctx := context.Background()
	source, _ := newTestGateway(t)

	newest := addActivity(t, source, activitySpec{plan: "p", start: epoch.Add(4 * time.Hour), end: epoch.Add(5 * time.Hour)})
	addActivity(t, source, activitySpec{plan: "p", start: epoch, end: epoch.Add(time.Hour)})

	activities, err := source.Activities(ctx)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}

	target, err := openGateway(ctx, blob.NewMemory(), true)
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	if err := Rebuild(ctx, target, activities); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	latest, err := target.LatestActivityPerPlan(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest["p"].OID() != newest.OID() {
		t.Fatalf("replay order broke latest tracking")
	}
}

func TestRebuildPropagatesReadFailure(t *testing.T) {
	ctx := context.Background()
	readErr := errors.New("backend unavailable")
	blobs := &flakyStore{Store: blob.NewMemory(), readErr: readErr}

	source, err := openGateway(ctx, blobs, true)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	addActivity(t, source, activitySpec{
		plan:  "p",
		start: epoch,
		end:   epoch.Add(time.Hour),
		gens:  []string{"out.txt"},
	})
	if err := source.Database().Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened, err := openGateway(ctx, blobs, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	activities, err := reopened.Activities(ctx)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}

	target, err := openGateway(ctx, blob.NewMemory(), true)
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	blobs.failObjects = true
	if err := Rebuild(ctx, target, activities); !errors.Is(err, readErr) {
		t.Fatalf("Rebuild error = %v, want wrapped %v", err, readErr)
	}
}
