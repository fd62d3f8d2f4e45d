package bookmarks

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marksync/internal/record"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testClock returns a fixed instant so modified-time assertions are exact.
func testClock() time.Time {
	return time.UnixMilli(1_700_000_000_000)
}

// fakeStore is an in-memory Store. Rows keep their insertion order, and
// Children sorts by raw position with insertion order breaking ties, the
// same way the real store's position index behaves. Individual operations
// can be made to fail through the err fields.
type fakeStore struct {
	nextRef  int64
	rows     map[string]*record.Bookmark
	rowOrder []string

	ensureRootsErr error
	folderRefsErr  error
	childrenErr    error
	getErr         map[string]error
	insertErr      map[string]error
	batchErr       error
	batchShort     int // InsertBatch reports this many fewer successes
	updateErr      map[string]error
	reparentErr    map[string]error
	deleteErr      error

	positionWrites int
	bumpedRefs     []int64
	deleteBatches  [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:        make(map[string]*record.Bookmark),
		getErr:      make(map[string]error),
		insertErr:   make(map[string]error),
		updateErr:   make(map[string]error),
		reparentErr: make(map[string]error),
	}
}

// seed places a row directly, bypassing the Store surface. It returns the
// assigned ref.
func (fs *fakeStore) seed(b *record.Bookmark) int64 {
	cp := *b
	fs.nextRef++
	cp.Ref = fs.nextRef
	fs.rows[cp.GUID] = &cp
	fs.rowOrder = append(fs.rowOrder, cp.GUID)
	return cp.Ref
}

// mustRef fails the test unless guid has a row, then returns its ref.
func (fs *fakeStore) mustRef(t *testing.T, guid string) int64 {
	t.Helper()
	row, ok := fs.rows[guid]
	require.True(t, ok, "no row for %s", guid)
	return row.Ref
}

func (fs *fakeStore) EnsureRoots(_ context.Context) error {
	if fs.ensureRootsErr != nil {
		return fs.ensureRootsErr
	}
	for _, guid := range visibleRoots {
		if _, ok := fs.rows[guid]; ok {
			continue
		}
		fs.seed(&record.Bookmark{
			GUID:      guid,
			Kind:      record.KindFolder,
			ParentRef: rootRef,
		})
	}
	return nil
}

func (fs *fakeStore) FolderRefs(_ context.Context) ([]FolderRef, error) {
	if fs.folderRefsErr != nil {
		return nil, fs.folderRefsErr
	}
	var refs []FolderRef
	for _, guid := range fs.rowOrder {
		row := fs.rows[guid]
		if row != nil && row.IsFolder() && !row.Deleted {
			refs = append(refs, FolderRef{GUID: row.GUID, Ref: row.Ref})
		}
	}
	return refs, nil
}

func (fs *fakeStore) Children(_ context.Context, folderRef int64) ([]ChildRow, error) {
	if fs.childrenErr != nil {
		return nil, fs.childrenErr
	}
	type entry struct {
		row ChildRow
		idx int
	}
	var entries []entry
	for i, guid := range fs.rowOrder {
		row := fs.rows[guid]
		if row == nil || row.Deleted || row.ParentRef != folderRef {
			continue
		}
		entries = append(entries, entry{ChildRow{GUID: row.GUID, Position: row.Position}, i})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].row.Position != entries[j].row.Position {
			return entries[i].row.Position < entries[j].row.Position
		}
		return entries[i].idx < entries[j].idx
	})
	out := make([]ChildRow, len(entries))
	for i, e := range entries {
		out[i] = e.row
	}
	return out, nil
}

func (fs *fakeStore) Get(_ context.Context, guid string) (*record.Bookmark, error) {
	if err := fs.getErr[guid]; err != nil {
		return nil, err
	}
	row, ok := fs.rows[guid]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (fs *fakeStore) Insert(_ context.Context, b *record.Bookmark) (int64, error) {
	if err := fs.insertErr[b.GUID]; err != nil {
		return 0, err
	}
	return fs.seed(b), nil
}

func (fs *fakeStore) InsertBatch(_ context.Context, bs []*record.Bookmark) (int, error) {
	if fs.batchErr != nil {
		return 0, fs.batchErr
	}
	stored := len(bs) - fs.batchShort
	if stored < 0 {
		stored = 0
	}
	for _, b := range bs[:stored] {
		fs.seed(b)
	}
	return stored, nil
}

func (fs *fakeStore) Update(_ context.Context, b *record.Bookmark) error {
	if err := fs.updateErr[b.GUID]; err != nil {
		return err
	}
	row, ok := fs.rows[b.GUID]
	if !ok {
		return nil
	}
	cp := *b
	cp.Ref = row.Ref
	fs.rows[b.GUID] = &cp
	return nil
}

func (fs *fakeStore) UpdatePositions(_ context.Context, folderRef int64, ordered []string) (int, error) {
	fs.positionWrites++
	moved := 0
	for i, guid := range ordered {
		row, ok := fs.rows[guid]
		if !ok {
			continue
		}
		if row.ParentRef == folderRef && row.Position != int64(i) {
			row.Position = int64(i)
			moved++
		}
	}
	return moved, nil
}

func (fs *fakeStore) UpdateParentAndPosition(_ context.Context, guid string, parentRef, position int64) error {
	if err := fs.reparentErr[guid]; err != nil {
		return err
	}
	row, ok := fs.rows[guid]
	if !ok {
		return nil
	}
	row.ParentRef = parentRef
	row.Position = position
	return nil
}

func (fs *fakeStore) BumpModified(_ context.Context, folderRef int64, at time.Time) error {
	fs.bumpedRefs = append(fs.bumpedRefs, folderRef)
	for _, row := range fs.rows {
		if row.Ref == folderRef {
			row.Modified = at.UnixMilli()
		}
	}
	return nil
}

func (fs *fakeStore) DeleteBatch(_ context.Context, guids []string, fallbackRef int64, at time.Time) error {
	if fs.deleteErr != nil {
		return fs.deleteErr
	}
	fs.deleteBatches = append(fs.deleteBatches, slices.Clone(guids))
	for _, guid := range guids {
		row, ok := fs.rows[guid]
		if !ok {
			continue
		}
		for _, other := range fs.rows {
			if other.ParentRef == row.Ref {
				other.ParentRef = fallbackRef
				other.Modified = at.UnixMilli()
			}
		}
		delete(fs.rows, guid)
		fs.rowOrder = slices.DeleteFunc(fs.rowOrder, func(g string) bool { return g == guid })
	}
	return nil
}

func (fs *fakeStore) ModifiedSince(_ context.Context, since int64) ([]*record.Bookmark, error) {
	var out []*record.Bookmark
	for _, guid := range fs.rowOrder {
		row := fs.rows[guid]
		if row != nil && row.Modified > since {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeTracker records Track/Untrack calls in memory.
type fakeTracker struct {
	tracked    map[string]bool
	trackErr   error
	untrackErr error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tracked: make(map[string]bool)}
}

func (ft *fakeTracker) Track(b *record.Bookmark) error {
	if ft.trackErr != nil {
		return ft.trackErr
	}
	ft.tracked[b.GUID] = true
	return nil
}

func (ft *fakeTracker) Untrack(guids ...string) error {
	if ft.untrackErr != nil {
		return ft.untrackErr
	}
	for _, guid := range guids {
		delete(ft.tracked, guid)
	}
	return nil
}

// --- record builders ---

func folderRec(guid string, children ...string) *record.Bookmark {
	return &record.Bookmark{
		GUID:     guid,
		Kind:     record.KindFolder,
		ParentID: MobileGUID,
		Title:    "folder " + guid,
		Children: children,
		Modified: testClock().UnixMilli(),
	}
}

func bookmarkRec(guid, parent string) *record.Bookmark {
	return &record.Bookmark{
		GUID:     guid,
		Kind:     record.KindBookmark,
		ParentID: parent,
		Title:    "bookmark " + guid,
		URL:      "https://example.com/" + guid,
		Modified: testClock().UnixMilli(),
	}
}

func tombstoneRec(guid string) *record.Bookmark {
	return &record.Bookmark{GUID: guid, Deleted: true}
}

// startedSession builds a session over the given fakes and runs Begin.
func startedSession(t *testing.T, fs *fakeStore, ft *fakeTracker, opts Options) *Session {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = testClock
	}
	s, err := NewSession(fs, ft, quietLogger, opts)
	require.NoError(t, err)
	require.NoError(t, s.Begin(context.Background()))
	return s
}
