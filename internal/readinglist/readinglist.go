// Package readinglist synchronizes the reading list with its HTTP service.
// Unlike bookmarks there is no hierarchy to reconcile; rows carry a sync
// status plus change flags, and upload happens in phases: status-only
// patches first, then brand-new items.
package readinglist

import (
	"context"

	"marksync/internal/remote"
)

// Sync status of a local row.
const (
	// StatusSynced marks rows that match the server copy.
	StatusSynced = 0

	// StatusNew marks rows created locally that the server has never seen.
	StatusNew = 1

	// StatusModified marks rows with local edits awaiting upload.
	StatusModified = 2

	// StatusDeleted marks rows deleted locally awaiting upload.
	StatusDeleted = 3
)

// Change flag bits recording which fields of a modified row diverged.
const (
	ChangeNone     = 0
	ChangeUnread   = 1 << 0
	ChangeFavorite = 1 << 1
)

// Item is one reading-list row.
type Item struct {
	ID             int64
	GUID           string
	URL            string
	Title          string
	AddedBy        string
	Added          int64
	Unread         bool
	Favorite       bool
	SyncStatus     int
	ChangeFlags    int
	ServerModified int64
}

// Storage is the local side of the synchronizer.
type Storage interface {
	// StatusChanges returns modified rows whose only divergence is the
	// unread or favorite flag.
	StatusChanges(ctx context.Context) ([]Item, error)

	// New returns rows the server has never seen.
	New(ctx context.Context) ([]Item, error)

	// Accumulator returns a fresh change accumulator for one upload pass.
	Accumulator() Accumulator
}

// Accumulator batches local writes produced while uploading, so the rows
// are rewritten in one transaction after the network work is done.
type Accumulator interface {
	// AddChangedRecord stages a row whose server copy was refreshed by a
	// status upload.
	AddChangedRecord(item Item)

	// AddDeletion stages a local row for removal. Used when the server
	// already has a record for the same content.
	AddDeletion(item Item)

	// AddUpload stages a freshly uploaded row with the server-assigned
	// fields applied.
	AddUpload(item Item, server remote.ReadingListItem)

	// Flush writes all staged work. Deletions apply before updates.
	Flush(ctx context.Context) error
}

// withServer returns item with the server's authoritative fields applied
// and its local change state cleared.
func withServer(item Item, server remote.ReadingListItem) Item {
	if server.ID != "" {
		item.GUID = server.ID
	}
	if server.Title != "" {
		item.Title = server.Title
	}
	if server.Status != "" {
		item.Unread = server.Status == "unread"
	}
	item.Favorite = server.Favorite
	item.ServerModified = server.Modified
	item.SyncStatus = StatusSynced
	item.ChangeFlags = ChangeNone

	return item
}
