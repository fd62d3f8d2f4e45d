package bookmarks

import (
	"context"
	"log/slog"
	"time"
)

// deletionManager buffers deletions observed during a session. Non-folders
// are removed in batches as they accumulate; folders are held until the
// session finishes so their surviving children can be repointed at a safe
// fallback folder after every other write has landed.
type deletionManager struct {
	store       Store
	log         *slog.Logger
	threshold   int
	fallbackRef int64
	now         func() time.Time

	nonFolders []string
	folders    []string

	deleted map[string]bool
	failed  int
}

func newDeletionManager(store Store, log *slog.Logger, threshold int, fallbackRef int64, now func() time.Time) *deletionManager {
	return &deletionManager{
		store:       store,
		log:         log,
		threshold:   threshold,
		fallbackRef: fallbackRef,
		now:         now,
		deleted:     make(map[string]bool),
	}
}

// enqueue queues one deletion. Folder deletions always wait for flushAll;
// non-folders are removed incrementally once enough pile up.
func (dm *deletionManager) enqueue(ctx context.Context, guid string, isFolder bool) {
	if isFolder {
		dm.folders = append(dm.folders, guid)
		return
	}
	dm.nonFolders = append(dm.nonFolders, guid)
	if len(dm.nonFolders) >= dm.threshold {
		dm.flushNonFolders(ctx)
	}
}

func (dm *deletionManager) flushNonFolders(ctx context.Context) {
	if len(dm.nonFolders) == 0 {
		return
	}
	batch := dm.nonFolders
	dm.nonFolders = nil

	if err := dm.store.DeleteBatch(ctx, batch, dm.fallbackRef, dm.now()); err != nil {
		dm.failed += len(batch)
		dm.log.Warn("batch deletion failed, keeping records tracked",
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()))
		return
	}
	// A row that was already gone still counts: absent is what we wanted.
	for _, guid := range batch {
		dm.deleted[guid] = true
	}
	dm.log.Debug("deleted non-folder records", slog.Int("count", len(batch)))
}

// flushAll removes everything still queued, non-folders before folders so
// that a deleted folder's surviving children can be repointed in one pass
// once their doomed siblings are gone. It returns the guids whose rows are
// confirmed gone; the caller untracks exactly those.
func (dm *deletionManager) flushAll(ctx context.Context) map[string]bool {
	dm.flushNonFolders(ctx)

	if len(dm.folders) > 0 {
		batch := dm.folders
		dm.folders = nil

		if err := dm.store.DeleteBatch(ctx, batch, dm.fallbackRef, dm.now()); err != nil {
			dm.failed += len(batch)
			dm.log.Warn("folder deletion failed, keeping records tracked",
				slog.Int("folders", len(batch)),
				slog.String("error", err.Error()))
		} else {
			for _, guid := range batch {
				dm.deleted[guid] = true
			}
			dm.log.Debug("deleted folders", slog.Int("count", len(batch)))
		}
	}
	return dm.deleted
}
