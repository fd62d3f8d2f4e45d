package bookmarks

import (
	"context"
	"log/slog"
	"slices"
)

// orphanTracker remembers children whose declared parent has not been
// observed yet, keyed by the missing parent's guid. Such children sit under
// the fallback folder until the parent materializes. The pending count is
// the authoritative "still misplaced" signal reported at session end.
type orphanTracker struct {
	store   Store
	log     *slog.Logger
	waiting map[string][]string
	pending int
}

func newOrphanTracker(store Store, log *slog.Logger) *orphanTracker {
	return &orphanTracker{
		store:   store,
		log:     log,
		waiting: make(map[string][]string),
	}
}

// stage parks childGUID until parentGUID becomes known.
func (ot *orphanTracker) stage(parentGUID, childGUID string) {
	ot.waiting[parentGUID] = append(ot.waiting[parentGUID], childGUID)
	ot.pending++
	ot.log.Debug("staged orphan",
		slog.String("child", childGUID),
		slog.String("parent", parentGUID))
}

// resolve reparents every child waiting on parentGUID, now materialized as
// parentRef. children is the parent's freshly adopted child order; a child
// absent from it gets position -1 and is renormalized later. Storage
// failures are logged per child and leave the pending count elevated; they
// never abort the caller.
func (ot *orphanTracker) resolve(ctx context.Context, parentGUID string, parentRef int64, children []string) {
	staged, ok := ot.waiting[parentGUID]
	if !ok {
		return
	}
	for _, child := range staged {
		pos := int64(slices.Index(children, child))
		if err := ot.store.UpdateParentAndPosition(ctx, child, parentRef, pos); err != nil {
			ot.log.Warn("failed to reparent orphan",
				slog.String("child", child),
				slog.String("parent", parentGUID),
				slog.String("error", err.Error()))
			continue
		}
		ot.pending--
	}
	delete(ot.waiting, parentGUID)
}

// waitingOn returns how many children are parked under the given missing
// parent.
func (ot *orphanTracker) waitingOn(parentGUID string) int {
	return len(ot.waiting[parentGUID])
}
