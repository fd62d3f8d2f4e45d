// Package bookmarks implements the tree reconciliation engine. It merges a
// stream of remote bookmark records into the local store while repairing
// dangling parent links, normalizing child order from fuzzy position hints,
// and recording which records are clean so upload passes can skip them.
//
// A Session owns all reconciliation state and is confined to a single
// goroutine. The flow is Begin, one Apply per incoming record, then Finish,
// which flushes buffered writes and runs the final merge pass over every
// folder touched during the session. Records can arrive in any order:
// children before parents, folders referring to children that never arrive,
// and positions that overlap or are plain garbage. The engine leaves the
// tree structurally valid after every single Apply, not just at Finish.
package bookmarks

import (
	"context"
	"errors"
	"time"

	"marksync/internal/record"
)

// Store is the storage surface the engine drives. Calls are synchronous.
// Batch operations are atomic-or-fully-failed from the engine's perspective;
// it never attempts partial rollback.
type Store interface {
	// EnsureRoots creates the well-known structural folders when missing.
	EnsureRoots(ctx context.Context) error

	// FolderRefs enumerates every stored folder as a (guid, local ref) pair.
	FolderRefs(ctx context.Context) ([]FolderRef, error)

	// Children returns the direct children of a folder in storage order.
	Children(ctx context.Context, folderRef int64) ([]ChildRow, error)

	// Get fetches one record by guid. Absent records return (nil, nil).
	Get(ctx context.Context, guid string) (*record.Bookmark, error)

	// Insert stores a new record and returns its local ref.
	Insert(ctx context.Context, b *record.Bookmark) (int64, error)

	// InsertBatch stores records in bulk, returning how many succeeded.
	InsertBatch(ctx context.Context, bs []*record.Bookmark) (int, error)

	// Update rewrites an existing record, matched by guid.
	Update(ctx context.Context, b *record.Bookmark) error

	// UpdatePositions writes dense positions (slice index = position) for
	// the given children and returns how many rows actually changed.
	UpdatePositions(ctx context.Context, folderRef int64, ordered []string) (int, error)

	// UpdateParentAndPosition moves one record under a new parent. Position
	// -1 means "unknown, renormalize later".
	UpdateParentAndPosition(ctx context.Context, guid string, parentRef, position int64) error

	// BumpModified sets a folder's modification time so it re-uploads.
	BumpModified(ctx context.Context, folderRef int64, at time.Time) error

	// DeleteBatch removes records by guid. Surviving children of deleted
	// folders are repointed at fallbackRef with their times set to at.
	DeleteBatch(ctx context.Context, guids []string, fallbackRef int64, at time.Time) error

	// ModifiedSince returns records whose modification time is strictly
	// newer than since (unix milliseconds), tombstones included.
	ModifiedSince(ctx context.Context, since int64) ([]*record.Bookmark, error)
}

// FolderRef pairs a folder's guid with its local ref.
type FolderRef struct {
	GUID string
	Ref  int64
}

// ChildRow is one (guid, raw position) pair under a folder.
type ChildRow struct {
	GUID     string
	Position int64
}

// Tracker marks records clean once they match the server so upload passes
// can skip them, and forgets records that changed or were deleted.
type Tracker interface {
	Track(b *record.Bookmark) error
	Untrack(guids ...string) error
}

var (
	// ErrIdentityConflict means a local ref is already bound to a different
	// guid than a record claims. This is corruption, not an ordering
	// problem; the session aborts.
	ErrIdentityConflict = errors.New("folder identity conflict")

	// ErrNoID marks a record that arrived without an identifier.
	ErrNoID = errors.New("record has no id")

	// ErrNoParent marks a record whose parent could not be determined even
	// after the special-folder rules were applied.
	ErrNoParent = errors.New("record has no parent")

	// ErrSessionState is returned when Begin, Apply, or Finish are called
	// out of order, or after the session has failed.
	ErrSessionState = errors.New("invalid session state")
)

// Report summarizes one reconciliation session.
type Report struct {
	Applied          int // records inserted or updated
	Skipped          int // forbidden, unsupported, or invalid records
	Failed           int // records that could not be stored
	Deleted          int // tombstones queued and flushed
	FoldersMerged    int // folders whose child lists needed a local/remote merge
	NeedsReparenting int // children still under the fallback parent at session end
}
