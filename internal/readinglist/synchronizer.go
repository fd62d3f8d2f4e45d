package readinglist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	syncerrors "marksync/internal/errors"
	"marksync/internal/remote"
)

// maxFailures is the number of per-record upload failures tolerated before
// the rest of a pass is abandoned.
const maxFailures = 5

// Client is the remote side of the synchronizer. *remote.ReadingListClient
// satisfies this interface.
type Client interface {
	Add(ctx context.Context, item remote.ReadingListItem) (*remote.ReadingListItem, error)
	PatchStatus(ctx context.Context, id string, patch remote.StatusPatch) (*remote.ReadingListItem, error)
}

// Report summarizes one synchronizer run.
type Report struct {
	StatusUploaded int
	NewUploaded    int
	Failed         int
	Conflicts      int
}

// Synchronizer uploads local reading-list changes in phases: status-only
// patches first, then new items.
type Synchronizer struct {
	remote Client
	local  Storage
	log    *slog.Logger
}

// NewSynchronizer creates a synchronizer over the given remote client and
// local storage.
func NewSynchronizer(remote Client, local Storage, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}

	return &Synchronizer{remote: remote, local: local, log: log}
}

// Sync runs both upload phases and returns the combined report. A storage
// failure aborts the run; individual record failures only count.
func (s *Synchronizer) Sync(ctx context.Context) (Report, error) {
	var report Report

	statusUploaded, statusFailed, err := s.UploadStatusChanges(ctx)
	if err != nil {
		return report, err
	}

	report.StatusUploaded = statusUploaded
	report.Failed += statusFailed

	newUploaded, newFailed, conflicts, err := s.UploadNewItems(ctx)
	if err != nil {
		return report, err
	}

	report.NewUploaded = newUploaded
	report.Failed += newFailed
	report.Conflicts = conflicts

	s.log.Info("reading list synchronized",
		slog.Int("status_uploaded", report.StatusUploaded),
		slog.Int("new_uploaded", report.NewUploaded),
		slog.Int("failed", report.Failed),
		slog.Int("conflicts", report.Conflicts),
	)

	return report, nil
}

// UploadStatusChanges patches rows whose unread or favorite flag changed
// locally. Status changes for items that have not been uploaded yet are
// dealt with in UploadNewItems.
func (s *Synchronizer) UploadStatusChanges(ctx context.Context) (uploaded, failed int, err error) {
	items, err := s.local.StatusChanges(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("loading status changes: %w", err)
	}

	if len(items) == 0 {
		return 0, 0, nil
	}

	acc := s.local.Accumulator()

	for _, item := range items {
		if failed > maxFailures {
			// Abort the rest.
			s.log.Warn("too many failures, abandoning status uploads",
				slog.Int("failed", failed),
			)

			break
		}

		resp, err := s.remote.PatchStatus(ctx, item.GUID, statusPatch(item))
		if err != nil {
			failed++

			s.log.Warn("status upload failed",
				slog.String("guid", item.GUID),
				slog.String("error", err.Error()),
			)

			continue
		}

		uploaded++

		acc.AddChangedRecord(withServer(item, *resp))
	}

	if err := acc.Flush(ctx); err != nil {
		return uploaded, failed, fmt.Errorf("flushing status changes: %w", err)
	}

	return uploaded, failed, nil
}

// UploadNewItems posts rows the server has never seen. A conflict means the
// server already holds this content under another id; the simplest safe
// resolution is to drop the local row and let the next fetch bring down
// the server's copy.
func (s *Synchronizer) UploadNewItems(ctx context.Context) (uploaded, failed, conflicts int, err error) {
	items, err := s.local.New(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("loading new items: %w", err)
	}

	if len(items) == 0 {
		return 0, 0, 0, nil
	}

	acc := s.local.Accumulator()

	for _, item := range items {
		if failed > maxFailures {
			// Abort the rest.
			s.log.Warn("too many failures, abandoning new item uploads",
				slog.Int("failed", failed),
			)

			break
		}

		resp, err := s.remote.Add(ctx, toWire(item))

		switch {
		case errors.Is(err, syncerrors.ErrRecordExists):
			conflicts++

			s.log.Warn("server already has this item, dropping local copy",
				slog.String("url", item.URL),
			)

			acc.AddDeletion(item)

		case err != nil:
			failed++

			s.log.Warn("new item upload failed",
				slog.String("url", item.URL),
				slog.String("error", err.Error()),
			)

		default:
			uploaded++

			acc.AddUpload(item, *resp)
		}
	}

	if err := acc.Flush(ctx); err != nil {
		return uploaded, failed, conflicts, fmt.Errorf("flushing new items: %w", err)
	}

	return uploaded, failed, conflicts, nil
}

// statusPatch builds the wire patch for a status-changed row, sending only
// the fields whose change flag is set.
func statusPatch(item Item) remote.StatusPatch {
	var patch remote.StatusPatch

	if item.ChangeFlags&ChangeUnread != 0 {
		if item.Unread {
			patch.Status = "unread"
		} else {
			patch.Status = "read"
		}
	}

	if item.ChangeFlags&ChangeFavorite != 0 {
		favorite := item.Favorite
		patch.Favorite = &favorite
	}

	return patch
}

// toWire maps a local row to the upload body for POST /articles.
func toWire(item Item) remote.ReadingListItem {
	status := "read"
	if item.Unread {
		status = "unread"
	}

	return remote.ReadingListItem{
		URL:      item.URL,
		Title:    item.Title,
		AddedBy:  item.AddedBy,
		Added:    item.Added,
		Status:   status,
		Favorite: item.Favorite,
	}
}
