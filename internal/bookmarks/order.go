package bookmarks

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// orderResolver turns a folder's raw (guid, position) rows into a canonical
// child sequence. Raw positions are hints only: devices assign overlapping
// ranks and high-negative "don't care" values. abs(position) is the
// effective rank, ties keep storage order, forbidden guids are dropped.
//
// Writes are avoided whenever possible: a folder whose ranks already form a
// dense 0-based sequence is left alone, so an unchanged folder never incurs
// a write-then-reupload cycle.
type orderResolver struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// resolve computes the canonical child order for one folder, returning the
// sequence and whether it differs from what storage currently holds. With
// persist set, a differing order is written back as dense positions, and the
// folder's modification time is bumped only if at least one row moved.
func (r *orderResolver) resolve(ctx context.Context, folderRef int64, persist bool) ([]string, bool, error) {
	rows, err := r.store.Children(ctx, folderRef)
	if err != nil {
		return nil, false, fmt.Errorf("querying children of folder %d: %w", folderRef, err)
	}

	// Bucket children by rank, preserving storage order within a bucket.
	buckets := make(map[int64][]string)
	for _, row := range rows {
		rank := row.Position
		if rank < 0 {
			rank = -rank
		}
		buckets[rank] = append(buckets[rank], row.GUID)
	}
	ranks := make([]int64, 0, len(buckets))
	for rank := range buckets {
		ranks = append(ranks, rank)
	}
	slices.Sort(ranks)

	// Walk buckets in ascending rank. The order is already acceptable only
	// if every bucket holds one child and the ranks are exactly 0,1,2,...
	children := make([]string, 0, len(rows))
	changed := false
	for i, rank := range ranks {
		bucket := buckets[rank]
		if len(bucket) > 1 || rank != int64(i) {
			changed = true
		}
		for _, guid := range bucket {
			if forbidden(guid) {
				continue
			}
			children = append(children, guid)
		}
	}

	if !changed {
		return children, false, nil
	}
	if !persist {
		return children, true, nil
	}

	moved, err := r.store.UpdatePositions(ctx, folderRef, children)
	if err != nil {
		return nil, false, fmt.Errorf("updating positions for folder %d: %w", folderRef, err)
	}
	if moved > 0 {
		r.log.Debug("normalized child order",
			slog.Int64("folder", folderRef),
			slog.Int("moved", moved))
		if err := r.store.BumpModified(ctx, folderRef, r.now()); err != nil {
			return nil, false, fmt.Errorf("bumping modified time of folder %d: %w", folderRef, err)
		}
	}
	return children, true, nil
}
