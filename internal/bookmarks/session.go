package bookmarks

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"marksync/internal/record"
)

type sessionState int

const (
	stateInit sessionState = iota
	stateStreaming
	stateDone
	stateFailed
)

// Options tune a reconciliation session. Zero values select the defaults.
type Options struct {
	// Locale selects the display-name table for the structural folders.
	Locale string

	// InsertThreshold is the non-folder insertion batch size.
	InsertThreshold int

	// DeleteThreshold is the non-folder deletion batch size.
	DeleteThreshold int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Session drives one reconciliation pass. Call Begin once, Apply for each
// incoming record in whatever order they arrive, and Finish to flush the
// buffered writes and run the closing merge over every folder the session
// touched. A session is confined to one goroutine and cannot be reused; any
// session-fatal error poisons it permanently.
type Session struct {
	store   Store
	tracker Tracker
	log     *slog.Logger
	now     func() time.Time

	insertThreshold int
	deleteThreshold int

	state    sessionState
	names    *specialFolders
	identity *folderIdentity
	order    *orderResolver
	orphans  *orphanTracker
	inserts  *insertionManager
	deletes  *deletionManager

	childrenByFolder map[string][]string // folder guid -> adopted server child order
	touched          []string            // folder guids seen this session, arrival order
	touchedSet       map[string]bool
	seen             map[string]string // canonical content -> guid, duplicate guard

	report Report
}

// NewSession builds a session over the given store and tracker. A fresh
// session is needed for every reconciliation pass.
func NewSession(store Store, tracker Tracker, log *slog.Logger, opts Options) (*Session, error) {
	names, err := newSpecialFolders(opts.Locale)
	if err != nil {
		return nil, err
	}
	if opts.InsertThreshold <= 0 {
		opts.InsertThreshold = defaultFlushThreshold
	}
	if opts.DeleteThreshold <= 0 {
		opts.DeleteThreshold = defaultFlushThreshold
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		store:           store,
		tracker:         tracker,
		log:             log,
		now:             now,
		insertThreshold: opts.InsertThreshold,
		deleteThreshold: opts.DeleteThreshold,
		names:           names,
		order:           &orderResolver{store: store, log: log, now: now},
	}, nil
}

// Begin prepares the session: structural folders are created if missing and
// every stored folder's identity is loaded. Storage faults here are fatal;
// a session that cannot see the folder tree must not accept records.
func (s *Session) Begin(ctx context.Context) error {
	if s.state != stateInit {
		return fmt.Errorf("begin: %w", ErrSessionState)
	}
	if err := s.store.EnsureRoots(ctx); err != nil {
		s.state = stateFailed
		return fmt.Errorf("ensuring structural folders: %w", err)
	}
	refs, err := s.store.FolderRefs(ctx)
	if err != nil {
		s.state = stateFailed
		return fmt.Errorf("enumerating folders: %w", err)
	}

	s.identity = newFolderIdentity()
	known := []string{RootGUID}
	for _, fr := range refs {
		if err := s.identity.put(fr.GUID, fr.Ref); err != nil {
			s.state = stateFailed
			return fmt.Errorf("loading folder identities: %w", err)
		}
		known = append(known, fr.GUID)
	}
	fallbackRef, ok := s.identity.refOf(UnfiledGUID)
	if !ok {
		s.state = stateFailed
		return fmt.Errorf("structural folder %q missing after setup", UnfiledGUID)
	}

	s.orphans = newOrphanTracker(s.store, s.log)
	s.inserts = newInsertionManager(s.store, s.tracker, s, s.log, s.insertThreshold, known)
	s.deletes = newDeletionManager(s.store, s.log, s.deleteThreshold, fallbackRef, s.now)
	s.childrenByFolder = make(map[string][]string)
	s.touchedSet = make(map[string]bool)
	s.seen = make(map[string]string)
	s.report = Report{}
	s.state = stateStreaming

	s.log.Info("reconciliation session started", slog.Int("folders", s.identity.size()))
	return nil
}

// Apply feeds one incoming record into the session. Per-record problems are
// absorbed into the report; a returned error is session-fatal.
func (s *Session) Apply(ctx context.Context, b *record.Bookmark) error {
	if s.state != stateStreaming {
		return fmt.Errorf("apply: %w", ErrSessionState)
	}
	if err := s.apply(ctx, b); err != nil {
		s.state = stateFailed
		return err
	}
	return nil
}

func (s *Session) apply(ctx context.Context, b *record.Bookmark) error {
	if b == nil || b.GUID == "" {
		s.report.Skipped++
		s.log.Warn("dropping record without a guid")
		return nil
	}
	if b.Deleted {
		s.applyDeletion(ctx, b)
		return nil
	}
	if forbidden(b.GUID) {
		s.report.Skipped++
		s.log.Debug("ignoring structural placeholder", slog.String("guid", b.GUID))
		return nil
	}
	if b.Kind == record.KindUnsupported {
		s.report.Skipped++
		s.log.Debug("ignoring record of unsupported kind", slog.String("guid", b.GUID))
		return nil
	}

	if err := s.names.computeParent(b, b.ParentID, b.ParentName); err != nil {
		s.report.Skipped++
		s.log.Warn("cannot determine parent, skipping record",
			slog.String("guid", b.GUID),
			slog.String("error", err.Error()))
		return nil
	}
	if b.IsFolder() {
		s.adoptChildren(b)
	}

	existing, err := s.store.Get(ctx, b.GUID)
	if err != nil {
		s.report.Failed++
		s.log.Warn("failed to look up record",
			slog.String("guid", b.GUID),
			slog.String("error", err.Error()))
		return nil
	}
	if existing != nil {
		return s.applyExisting(ctx, b, existing)
	}
	return s.applyNew(ctx, b)
}

// applyDeletion queues a tombstone. Structural folders are never deleted,
// and the queue records the existing row's shape rather than the
// tombstone's: a tombstone carries nothing beyond its guid.
func (s *Session) applyDeletion(ctx context.Context, b *record.Bookmark) {
	if IsSpecialGUID(b.GUID) {
		s.report.Skipped++
		s.log.Debug("ignoring deletion of structural folder", slog.String("guid", b.GUID))
		return
	}
	existing, err := s.store.Get(ctx, b.GUID)
	if err != nil {
		s.report.Failed++
		s.log.Warn("failed to look up record for deletion",
			slog.String("guid", b.GUID),
			slog.String("error", err.Error()))
		return
	}
	if existing == nil {
		s.report.Skipped++
		s.log.Debug("tombstone for unknown record", slog.String("guid", b.GUID))
		return
	}
	s.deletes.enqueue(ctx, existing.GUID, existing.IsFolder())
}

// adoptChildren sanitizes a folder's declared child order and remembers it
// for the closing merge. Forbidden guids and duplicates are dropped. The
// server's order is adopted even when the local copy of the folder itself
// wins reconciliation; local-only children are appended back at Finish.
func (s *Session) adoptChildren(b *record.Bookmark) {
	dedup := make(map[string]bool, len(b.Children))
	sanitized := make([]string, 0, len(b.Children))
	for _, child := range b.Children {
		if forbidden(child) || dedup[child] {
			continue
		}
		dedup[child] = true
		sanitized = append(sanitized, child)
	}
	b.Children = sanitized
	s.childrenByFolder[b.GUID] = sanitized
	if !s.touchedSet[b.GUID] {
		s.touchedSet[b.GUID] = true
		s.touched = append(s.touched, b.GUID)
	}
}

// applyExisting reconciles an incoming record against the row already in
// storage. The newer side wins content, ties going to the server copy so
// devices converge toward it. A locally newer row is left untouched and
// stays dirty for the next upload pass. Folder identity is recorded either
// way, which may unblock staged orphans.
func (s *Session) applyExisting(ctx context.Context, incoming, existing *record.Bookmark) error {
	incoming.Ref = existing.Ref
	if err := s.noteStored(ctx, incoming); err != nil {
		return err
	}

	if incoming.Modified < existing.Modified {
		s.log.Debug("local copy newer, keeping local changes",
			slog.String("guid", incoming.GUID),
			slog.Int64("local", existing.Modified),
			slog.Int64("remote", incoming.Modified))
		return nil
	}

	s.prepareForWrite(incoming)
	if err := s.store.Update(ctx, incoming); err != nil {
		s.report.Failed++
		s.log.Warn("failed to update record",
			slog.String("guid", incoming.GUID),
			slog.String("error", err.Error()))
		return nil
	}
	if err := s.tracker.Track(incoming); err != nil {
		s.log.Warn("failed to track record",
			slog.String("guid", incoming.GUID),
			slog.String("error", err.Error()))
	}
	s.report.Applied++
	return nil
}

// applyNew hands a previously unseen record to the insertion manager,
// unless its content duplicates something already accepted this session.
func (s *Session) applyNew(ctx context.Context, b *record.Bookmark) error {
	if key := b.CanonicalString(); key != "" {
		if kept, ok := s.seen[key]; ok {
			s.report.Skipped++
			s.log.Debug("duplicate record content, skipping",
				slog.String("guid", b.GUID),
				slog.String("kept", kept))
			return nil
		}
		s.seen[key] = b.GUID
	}
	return s.inserts.enqueue(ctx, b)
}

// prepareForWrite resolves b's parent to a live ref at the last moment
// before storage. When the declared parent is a folder this session has not
// seen, the record lands under the fallback folder and is staged for
// reparenting should the parent materialize later.
func (s *Session) prepareForWrite(b *record.Bookmark) {
	if ref, ok := s.identity.refOf(b.ParentID); ok {
		b.ParentRef = ref
		b.Position = int64(slices.Index(s.childrenByFolder[b.ParentID], b.GUID))
		return
	}
	fallbackRef, _ := s.identity.refOf(UnfiledGUID)
	s.log.Debug("parent not yet known, using fallback",
		slog.String("guid", b.GUID),
		slog.String("parent", b.ParentID))
	s.orphans.stage(b.ParentID, b.GUID)
	b.ParentRef = fallbackRef
	b.Position = -1
}

// noteStored absorbs bookkeeping for a record with a live ref. New folder
// identities enter the bijection and immediately unblock children waiting
// on that folder; non-folders need nothing.
func (s *Session) noteStored(ctx context.Context, b *record.Bookmark) error {
	if !b.IsFolder() {
		return nil
	}
	if err := s.identity.put(b.GUID, b.Ref); err != nil {
		return err
	}
	s.orphans.resolve(ctx, b.GUID, b.Ref, s.childrenByFolder[b.GUID])
	return nil
}

// Finish flushes the write managers, untracks what was deleted, and runs
// the closing merge over every folder touched this session. Folder-level
// failures are isolated: one bad folder never blocks the rest.
func (s *Session) Finish(ctx context.Context) (Report, error) {
	if s.state != stateStreaming {
		return Report{}, fmt.Errorf("finish: %w", ErrSessionState)
	}

	s.inserts.finish(ctx)
	s.report.Applied += len(s.inserts.inserted)
	s.report.Failed += s.inserts.failed

	deleted := s.deletes.flushAll(ctx)
	if len(deleted) > 0 {
		guids := make([]string, 0, len(deleted))
		for guid := range deleted {
			guids = append(guids, guid)
		}
		if err := s.tracker.Untrack(guids...); err != nil {
			s.log.Warn("failed to untrack deleted records", slog.String("error", err.Error()))
		}
	}
	s.report.Deleted = len(deleted)
	s.report.Failed += s.deletes.failed

	for _, guid := range s.touched {
		s.finishFolder(ctx, guid)
	}
	s.report.NeedsReparenting = s.orphans.pending
	s.state = stateDone

	s.log.Info("reconciliation session finished",
		slog.Int("applied", s.report.Applied),
		slog.Int("skipped", s.report.Skipped),
		slog.Int("failed", s.report.Failed),
		slog.Int("deleted", s.report.Deleted),
		slog.Int("folders_merged", s.report.FoldersMerged),
		slog.Int("needs_reparenting", s.report.NeedsReparenting))
	return s.report, nil
}

// finishFolder runs the closing merge for one folder: the canonical local
// child order is compared against the adopted server order, local extras
// are appended after the server's children, and dense positions are always
// written out so raw position hints never survive a session.
func (s *Session) finishFolder(ctx context.Context, guid string) {
	ref, ok := s.identity.refOf(guid)
	if !ok {
		s.log.Warn("folder touched but never materialized", slog.String("guid", guid))
		return
	}
	local, _, err := s.order.resolve(ctx, ref, false)
	if err != nil {
		s.log.Warn("failed to read children for final merge",
			slog.String("guid", guid),
			slog.String("error", err.Error()))
		return
	}
	onServer := s.childrenByFolder[guid]

	merged := onServer
	if !slices.Equal(onServer, local) {
		fromServer := make(map[string]bool, len(onServer))
		for _, child := range onServer {
			fromServer[child] = true
		}
		merged = slices.Clone(onServer)
		for _, child := range local {
			if !fromServer[child] {
				merged = append(merged, child)
			}
		}
		s.report.FoldersMerged++
		s.childrenByFolder[guid] = merged

		// The folder no longer matches the server copy, so it must upload.
		if err := s.store.BumpModified(ctx, ref, s.now()); err != nil {
			s.log.Warn("failed to bump modified time",
				slog.String("guid", guid),
				slog.String("error", err.Error()))
		}
		if err := s.tracker.Untrack(guid); err != nil {
			s.log.Warn("failed to untrack merged folder",
				slog.String("guid", guid),
				slog.String("error", err.Error()))
		}
	}

	if _, err := s.store.UpdatePositions(ctx, ref, merged); err != nil {
		s.log.Warn("failed to write final child order",
			slog.String("guid", guid),
			slog.String("error", err.Error()))
		return
	}
	s.log.Debug("finished folder",
		slog.String("guid", guid),
		slog.Int("children", len(merged)))
}

// RetrieveModified returns every record changed after since (unix
// milliseconds), shaped for upload: folders carry their canonical child
// order, parent names are canonicalized, and records pointing at vanished
// parents are relocated under the mobile root on the way out. Tombstones
// come back bare.
func (s *Session) RetrieveModified(ctx context.Context, since int64) ([]*record.Bookmark, error) {
	if s.state != stateStreaming {
		return nil, fmt.Errorf("retrieve: %w", ErrSessionState)
	}
	bs, err := s.store.ModifiedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("querying modified records: %w", err)
	}
	out := make([]*record.Bookmark, 0, len(bs))
	for _, b := range bs {
		if forbidden(b.GUID) {
			continue
		}
		if b.Deleted {
			out = append(out, b)
			continue
		}
		if err := s.prepareOutgoing(ctx, b); err != nil {
			s.log.Warn("failed to prepare outgoing record",
				slog.String("guid", b.GUID),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Session) prepareOutgoing(ctx context.Context, b *record.Bookmark) error {
	if b.IsFolder() {
		children, _, err := s.order.resolve(ctx, b.Ref, true)
		if err != nil {
			return err
		}
		b.Children = children
	}
	if IsSpecialGUID(b.GUID) {
		b.ParentID = specialParents[b.GUID]
		b.ParentName = s.names.displayName(b.ParentID)
		return nil
	}

	parentGUID, ok := s.identity.guidOf(b.ParentRef)
	if !ok {
		// The parent row is gone. Adopt the mobile root and persist the
		// move so the tree converges instead of re-repairing every pass.
		mobileRef, _ := s.identity.refOf(MobileGUID)
		s.log.Warn("record points at a vanished parent, relocating",
			slog.String("guid", b.GUID),
			slog.Int64("parent_ref", b.ParentRef))
		if err := s.store.UpdateParentAndPosition(ctx, b.GUID, mobileRef, -1); err != nil {
			return fmt.Errorf("relocating %s: %w", b.GUID, err)
		}
		b.ParentRef = mobileRef
		parentGUID = MobileGUID
	}
	b.ParentID = parentGUID
	if name := s.names.displayName(parentGUID); name != "" {
		b.ParentName = name
	} else if parent, err := s.store.Get(ctx, parentGUID); err == nil && parent != nil {
		b.ParentName = parent.Title
	}
	return nil
}
