// Package syncer drives one bookmarks sync pass end to end: fetch server
// records, reconcile them into the local tree, and upload local changes the
// server has not seen.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marksync/internal/bookmarks"
	syncerrors "marksync/internal/errors"
	"marksync/internal/record"
	"marksync/internal/remote"
)

const (
	// Collection is the server-side collection holding bookmark records.
	Collection = "bookmarks"

	// LocalCursor keys the local-side watermark in the tracker. It is kept
	// apart from the server watermark because the two clocks are unrelated.
	LocalCursor = "bookmarks/local"
)

// Transport is the remote side of a sync pass. *remote.Client satisfies
// this interface.
type Transport interface {
	Fetch(ctx context.Context, collection string, since int64) ([]record.Envelope, int64, error)
	Upload(ctx context.Context, collection string, records []remote.UploadRecord) ([]string, int64, error)
}

// Sealer encrypts and decrypts record payloads. *keys.Bundle satisfies
// this interface.
type Sealer interface {
	Seal(collection string, plaintext []byte) (string, error)
	Open(collection, sealed string) ([]byte, error)
}

// Tracker extends the engine's tracker surface with the clean-record check
// and the per-collection cursors. *tracker.Tracker satisfies this interface.
type Tracker interface {
	bookmarks.Tracker
	IsClean(guid, canonical string) (bool, error)
	LastSync(collection string) (int64, error)
	SetLastSync(collection string, cursor int64) error
}

// Result summarizes one sync pass.
type Result struct {
	Downloaded  int              // records the server sent
	Undecodable int              // fetched records dropped before reconciliation
	Report      bookmarks.Report // reconciliation outcome
	Unchanged   int              // local records skipped as clean
	Uploaded    int              // records the server accepted
}

// Syncer runs bookmark sync passes. It is not safe for concurrent use; the
// daemon runs passes back to back on one goroutine.
type Syncer struct {
	remote  Transport
	store   bookmarks.Store
	tracker Tracker
	keys    Sealer
	log     *slog.Logger
	opts    bookmarks.Options
	now     func() time.Time
}

// NewSyncer builds a syncer over the given collaborators. opts is handed to
// every reconciliation session the syncer starts.
func NewSyncer(transport Transport, store bookmarks.Store, tk Tracker, sealer Sealer, log *slog.Logger, opts bookmarks.Options) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		remote:  transport,
		store:   store,
		tracker: tk,
		keys:    sealer,
		log:     log,
		opts:    opts,
		now:     now,
	}
}

// RunOnce executes a full pass: download and reconcile, collect and upload,
// then advance the cursors. Cursors only move after the whole pass
// succeeds, so a failed pass is retried from the same point.
func (s *Syncer) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	serverSince, err := s.tracker.LastSync(Collection)
	if err != nil {
		return res, fmt.Errorf("reading server cursor: %w", err)
	}
	localSince, err := s.tracker.LastSync(LocalCursor)
	if err != nil {
		return res, fmt.Errorf("reading local cursor: %w", err)
	}

	// Captured before any work so edits made while the pass runs fall on
	// the far side of the next pass's watermark.
	passStart := s.now().UnixMilli()

	envelopes, serverModified, err := s.remote.Fetch(ctx, Collection, serverSince)
	if err != nil {
		return res, fmt.Errorf("fetching %s: %w", Collection, err)
	}
	res.Downloaded = len(envelopes)

	session, err := bookmarks.NewSession(s.store, s.tracker, s.log, s.opts)
	if err != nil {
		return res, fmt.Errorf("creating session: %w", err)
	}
	if err := session.Begin(ctx); err != nil {
		return res, err
	}

	for _, env := range envelopes {
		b, err := s.decode(env)
		if err != nil {
			res.Undecodable++
			s.log.Warn("dropping undecodable record",
				slog.String("id", env.ID),
				slog.String("error", err.Error()))
			continue
		}
		if err := session.Apply(ctx, b); err != nil {
			return res, fmt.Errorf("applying %s: %w", env.ID, err)
		}
	}

	// Local changes are collected while the session can still shape them:
	// folders get their canonical child order, parents are canonicalized.
	outgoing, err := session.RetrieveModified(ctx, localSince)
	if err != nil {
		return res, err
	}
	uploads, byGUID := s.sealOutgoing(outgoing, &res)

	report, err := session.Finish(ctx)
	if err != nil {
		return res, err
	}
	res.Report = report

	var uploadModified int64
	if len(uploads) > 0 {
		accepted, modified, uploadErr := s.remote.Upload(ctx, Collection, uploads)
		uploadModified = modified
		res.Uploaded = len(accepted)
		s.trackAccepted(accepted, byGUID)
		if uploadErr != nil {
			return res, fmt.Errorf("uploading %s: %w", Collection, uploadErr)
		}
	}

	// Watermarks never move backwards: an empty fetch reports zero.
	cursor := serverSince
	if serverModified > cursor {
		cursor = serverModified
	}
	if uploadModified > cursor {
		cursor = uploadModified
	}
	if err := s.tracker.SetLastSync(Collection, cursor); err != nil {
		return res, fmt.Errorf("advancing server cursor: %w", err)
	}
	// Backed off one millisecond so an edit made in the same millisecond
	// the pass started cannot fall between cursors. The clean check
	// absorbs the overlap.
	if err := s.tracker.SetLastSync(LocalCursor, passStart-1); err != nil {
		return res, fmt.Errorf("advancing local cursor: %w", err)
	}

	s.log.Info("sync pass complete",
		slog.Int("downloaded", res.Downloaded),
		slog.Int("undecodable", res.Undecodable),
		slog.Int("applied", res.Report.Applied),
		slog.Int("deleted", res.Report.Deleted),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("uploaded", res.Uploaded),
		slog.Int64("cursor", cursor))
	return res, nil
}

// decode opens and parses one fetched record, stamping it with the
// server's modification time.
func (s *Syncer) decode(env record.Envelope) (*record.Bookmark, error) {
	plaintext, err := s.keys.Open(Collection, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerrors.ErrPayloadUndecodable, err)
	}
	b, err := record.DecodePayload(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerrors.ErrPayloadUndecodable, err)
	}
	b.Modified = env.Modified
	return b, nil
}

// sealOutgoing filters records the server already has, seals the rest, and
// returns the upload batch plus a guid index for post-upload tracking.
// Per-record seal failures are logged and skipped; one bad record must not
// hold back the pass.
func (s *Syncer) sealOutgoing(outgoing []*record.Bookmark, res *Result) ([]remote.UploadRecord, map[string]*record.Bookmark) {
	uploads := make([]remote.UploadRecord, 0, len(outgoing))
	byGUID := make(map[string]*record.Bookmark, len(outgoing))

	for _, b := range outgoing {
		// Tombstones always go out: deleting a record leaves its content
		// identity untouched, so the clean check cannot see the deletion.
		if !b.Deleted {
			clean, err := s.tracker.IsClean(b.GUID, b.CanonicalString())
			if err != nil {
				s.log.Warn("clean check failed, uploading anyway",
					slog.String("guid", b.GUID),
					slog.String("error", err.Error()))
			} else if clean {
				res.Unchanged++
				continue
			}
		}

		plaintext, err := record.EncodePayload(b)
		if err != nil {
			s.log.Warn("failed to encode outgoing record",
				slog.String("guid", b.GUID),
				slog.String("error", err.Error()))
			continue
		}
		sealed, err := s.keys.Seal(Collection, plaintext)
		if err != nil {
			s.log.Warn("failed to seal outgoing record",
				slog.String("guid", b.GUID),
				slog.String("error", err.Error()))
			continue
		}

		uploads = append(uploads, remote.UploadRecord{ID: b.GUID, Payload: sealed})
		byGUID[b.GUID] = b
	}
	return uploads, byGUID
}

// trackAccepted marks server-accepted records clean so later passes skip
// them. An accepted tombstone sheds its stale clean mark instead.
func (s *Syncer) trackAccepted(accepted []string, byGUID map[string]*record.Bookmark) {
	for _, guid := range accepted {
		b, ok := byGUID[guid]
		if !ok {
			continue
		}
		if b.Deleted {
			if err := s.tracker.Untrack(guid); err != nil {
				s.log.Warn("failed to untrack deleted record",
					slog.String("guid", guid),
					slog.String("error", err.Error()))
			}
			continue
		}
		if err := s.tracker.Track(b); err != nil {
			s.log.Warn("failed to track uploaded record",
				slog.String("guid", guid),
				slog.String("error", err.Error()))
		}
	}
}
