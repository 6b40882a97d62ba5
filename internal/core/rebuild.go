package core

import (
	"context"
	"fmt"
	"sort"

	"provcore/pkg/domain"
)

// Rebuild replays activities into an empty gateway in ascending end-time
// order, reconstructing every index and catalog from scratch. It is the
// recovery path for corrupted roots and the migration path between index
// layouts: export the activities, initialize a fresh store, replay.
//
// The target store must have been initialized and must not contain prior
// activities. Replay order matters: latest-per-plan tracking and the
// provenance catalog both depend on activities arriving oldest first.
func Rebuild(ctx context.Context, gw *ActivityGateway, activities []*domain.Activity) error {
	ordered := make([]*domain.Activity, len(activities))
	copy(ordered, activities)
	for _, activity := range ordered {
		activity.EndedAt()
		if err := activity.LoadError(); err != nil {
			return fmt.Errorf("load activity %s: %w", activity.OID(), err)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EndedAt().Before(ordered[j].EndedAt())
	})
	for _, activity := range ordered {
		if err := gw.Add(ctx, activity); err != nil {
			return err
		}
	}
	return gw.db.Commit(ctx)
}
