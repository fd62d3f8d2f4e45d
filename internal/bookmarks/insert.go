package bookmarks

import (
	"context"
	"log/slog"
	"strings"

	"marksync/internal/record"
)

const defaultFlushThreshold = 50

// recordSink is the slice of the session the write managers call back into.
// prepareForWrite resolves a record's parent linkage immediately before it
// hits storage — write time is when the most folders are known — and
// noteStored absorbs bookkeeping the moment a record has a live ref.
type recordSink interface {
	prepareForWrite(b *record.Bookmark)
	noteStored(ctx context.Context, b *record.Bookmark) error
}

// insertionManager buffers incoming new records. Folders are written
// immediately, one at a time, because each fresh folder ref gates the
// records that follow it; non-folders accumulate and are written in
// batches. A batch reporting fewer successes than members is treated as
// having failed entirely: the underlying primitive cannot say which entries
// made it, so no member is bookkept or tracked.
type insertionManager struct {
	store     Store
	tracker   Tracker
	sink      recordSink
	log       *slog.Logger
	threshold int

	written    map[string]bool // folder guids with live refs
	nonFolders []*record.Bookmark

	enqueued []string
	inserted []string
	failed   int
}

func newInsertionManager(store Store, tracker Tracker, sink recordSink, log *slog.Logger, threshold int, knownFolders []string) *insertionManager {
	written := make(map[string]bool, len(knownFolders)+1)
	for _, guid := range knownFolders {
		written[guid] = true
	}
	return &insertionManager{
		store:     store,
		tracker:   tracker,
		sink:      sink,
		log:       log,
		threshold: threshold,
		written:   written,
	}
}

// enqueue accepts one new record. Folders are inserted on the spot;
// non-folders are buffered until the flush threshold is reached. The only
// error returned is session-fatal identity corruption; per-record storage
// failures are counted and logged.
func (im *insertionManager) enqueue(ctx context.Context, b *record.Bookmark) error {
	im.enqueued = append(im.enqueued, b.GUID)
	if b.IsFolder() {
		return im.insertFolder(ctx, b)
	}
	im.nonFolders = append(im.nonFolders, b)
	if len(im.nonFolders) >= im.threshold {
		im.flushNonFolders(ctx)
	}
	return nil
}

// insertFolder writes one folder synchronously. Its new ref must reach the
// identity map and resolve waiting orphans before any later record is
// processed; that ordering is load-bearing, not an optimization.
func (im *insertionManager) insertFolder(ctx context.Context, b *record.Bookmark) error {
	if im.written[b.GUID] {
		im.log.Warn("folder already written, not inserting again", slog.String("guid", b.GUID))
		im.failed++
		return nil
	}
	im.sink.prepareForWrite(b)
	ref, err := im.store.Insert(ctx, b)
	if err != nil {
		im.failed++
		im.log.Warn("failed to insert folder",
			slog.String("guid", b.GUID),
			slog.String("error", err.Error()))
		return nil
	}
	b.Ref = ref
	im.written[b.GUID] = true

	if err := im.sink.noteStored(ctx, b); err != nil {
		return err
	}
	if err := im.tracker.Track(b); err != nil {
		im.log.Warn("failed to track folder",
			slog.String("guid", b.GUID),
			slog.String("error", err.Error()))
	}
	im.inserted = append(im.inserted, b.GUID)
	im.log.Debug("inserted folder",
		slog.String("guid", b.GUID),
		slog.Int64("ref", ref))
	return nil
}

// flushNonFolders writes the buffered non-folders as a single batch.
func (im *insertionManager) flushNonFolders(ctx context.Context) {
	if len(im.nonFolders) == 0 {
		return
	}
	batch := im.nonFolders
	im.nonFolders = nil

	for _, b := range batch {
		im.sink.prepareForWrite(b)
	}
	stored, err := im.store.InsertBatch(ctx, batch)
	if err != nil {
		im.failed += len(batch)
		im.log.Warn("non-folder batch insert failed",
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()))
		return
	}
	if stored != len(batch) {
		im.failed += len(batch)
		im.log.Warn("non-folder batch partially stored, treating all as failed",
			slog.Int("stored", stored),
			slog.Int("enqueued", len(batch)))
		return
	}

	for _, b := range batch {
		if err := im.sink.noteStored(ctx, b); err != nil {
			im.log.Warn("bookkeeping failed after batch insert",
				slog.String("guid", b.GUID),
				slog.String("error", err.Error()))
			continue
		}
		if err := im.tracker.Track(b); err != nil {
			im.log.Warn("failed to track record",
				slog.String("guid", b.GUID),
				slog.String("error", err.Error()))
		}
		im.inserted = append(im.inserted, b.GUID)
	}
	im.log.Debug("flushed non-folder insertions", slog.Int("count", len(batch)))
}

// finish flushes the remaining buffer and reconciles the enqueued/inserted
// accounting, logging the symmetric difference when they disagree.
func (im *insertionManager) finish(ctx context.Context) {
	im.flushNonFolders(ctx)

	if len(im.enqueued) == len(im.inserted) {
		im.log.Debug("insertion accounting clean", slog.Int("records", len(im.enqueued)))
		return
	}
	im.log.Warn("enqueued and inserted record counts disagree",
		slog.Int("enqueued", len(im.enqueued)),
		slog.Int("inserted", len(im.inserted)))

	insertedSet := make(map[string]bool, len(im.inserted))
	for _, guid := range im.inserted {
		insertedSet[guid] = true
	}
	var missing []string
	for _, guid := range im.enqueued {
		if !insertedSet[guid] {
			missing = append(missing, guid)
		}
	}
	if len(missing) > 0 {
		im.log.Warn("enqueued but never inserted",
			slog.String("guids", strings.Join(missing, ",")))
	}

	enqueuedSet := make(map[string]bool, len(im.enqueued))
	for _, guid := range im.enqueued {
		enqueuedSet[guid] = true
	}
	var phantom []string
	for _, guid := range im.inserted {
		if !enqueuedSet[guid] {
			phantom = append(phantom, guid)
		}
	}
	if len(phantom) > 0 {
		im.log.Warn("inserted but never enqueued",
			slog.String("guids", strings.Join(phantom, ",")))
	}
}
