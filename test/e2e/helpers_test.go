package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"marksync/internal/bookmarks"
	"marksync/internal/keys"
	"marksync/internal/readinglist"
	"marksync/internal/record"
	"marksync/internal/remote"
	"marksync/internal/storage"
	"marksync/internal/syncer"
	"marksync/internal/tracker"
)

const (
	testAccount = "e2e@example.com"
	testSecret  = "e2e-test-secret-value"
	collection  = "bookmarks"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// serverRecord is one stored envelope on the fake sync server.
type serverRecord struct {
	payload  string
	modified int64
}

// syncServer is an in-process stand-in for the record server: one
// provisioned account, in-memory collections, and a logical clock for
// modified stamps. It speaks the same frames remote.Client does.
type syncServer struct {
	ts      *httptest.Server
	keyHash string

	mu          sync.Mutex
	clock       int64
	collections map[string]map[string]serverRecord
	pongs       int
	pingOnFetch bool
}

func newSyncServer(t *testing.T, keyHash string) *syncServer {
	t.Helper()

	s := &syncServer{
		keyHash:     keyHash,
		collections: map[string]map[string]serverRecord{},
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.ts.Close)

	return s
}

// URL returns the ws:// address clients dial.
func (s *syncServer) URL() string {
	return "ws://" + strings.TrimPrefix(s.ts.URL, "http://")
}

func (s *syncServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	if !s.handshake(ctx, conn) {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		doc := gjson.ParseBytes(data)
		switch doc.Get("op").String() {
		case "fetch":
			s.serveFetch(ctx, conn, doc)
		case "upload":
			s.serveUpload(ctx, conn, doc)
		case "pong":
			s.mu.Lock()
			s.pongs++
			s.mu.Unlock()
		}
	}
}

func (s *syncServer) handshake(ctx context.Context, conn *websocket.Conn) bool {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return false
	}

	init := gjson.ParseBytes(data)
	if init.Get("op").String() != "init" ||
		init.Get("account").String() != testAccount ||
		init.Get("keyhash").String() != s.keyHash {
		writeFrame(ctx, conn, map[string]any{"res": "err", "msg": "unknown account or bad key"})
		return false
	}

	writeFrame(ctx, conn, map[string]any{"res": "ok", "maxRecordBytes": 262144})

	return true
}

func (s *syncServer) serveFetch(ctx context.Context, conn *websocket.Conn, doc gjson.Result) {
	coll := doc.Get("collection").String()
	since := doc.Get("since").Int()

	type frame struct {
		id  string
		rec serverRecord
	}

	s.mu.Lock()
	var modified int64
	var out []frame
	for id, rec := range s.collections[coll] {
		if rec.modified > modified {
			modified = rec.modified
		}
		if rec.modified > since {
			out = append(out, frame{id, rec})
		}
	}
	ping := s.pingOnFetch
	s.mu.Unlock()

	if ping {
		writeFrame(ctx, conn, map[string]any{"op": "ping"})
	}

	for _, f := range out {
		writeFrame(ctx, conn, map[string]any{
			"op":         "rec",
			"collection": coll,
			"record": map[string]any{
				"id":       f.id,
				"modified": f.rec.modified,
				"payload":  f.rec.payload,
			},
		})
	}
	writeFrame(ctx, conn, map[string]any{"op": "done", "modified": modified})
}

func (s *syncServer) serveUpload(ctx context.Context, conn *websocket.Conn, doc gjson.Result) {
	coll := doc.Get("collection").String()

	s.mu.Lock()
	if s.collections[coll] == nil {
		s.collections[coll] = map[string]serverRecord{}
	}
	s.clock += 1000
	now := s.clock

	ids := []string{}
	for _, r := range doc.Get("records").Array() {
		id := r.Get("id").String()
		s.collections[coll][id] = serverRecord{
			payload:  r.Get("payload").String(),
			modified: now,
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	writeFrame(ctx, conn, map[string]any{"op": "accepted", "ids": ids, "modified": now})
}

// seed stores a sealed record on the server directly, as if another
// client had uploaded it earlier.
func (s *syncServer) seed(t *testing.T, bundle *keys.Bundle, b *record.Bookmark) {
	t.Helper()

	plaintext, err := record.EncodePayload(b)
	require.NoError(t, err)
	payload, err := bundle.Seal(collection, plaintext)
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collections[collection] == nil {
		s.collections[collection] = map[string]serverRecord{}
	}
	s.clock += 1000
	s.collections[collection][b.GUID] = serverRecord{payload: payload, modified: s.clock}
}

// stored returns the server's copy of a bookmark record, or nil.
func (s *syncServer) stored(id string) *serverRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.collections[collection][id]
	if !ok {
		return nil
	}

	return &rec
}

func (s *syncServer) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.collections[collection])
}

func (s *syncServer) pongCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pongs
}

// writeFrame marshals v and writes it as a text frame, ignoring write
// errors; a broken connection surfaces in the client-side assertions.
func writeFrame(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// device is one full client stack against the fake server: places store,
// state tracker, derived keys, websocket client, and sync engine.
type device struct {
	store  *storage.Store
	tk     *tracker.Tracker
	keys   *keys.Bundle
	client *remote.Client
	engine *syncer.Syncer
}

func newDevice(t *testing.T, server *syncServer, name string) *device {
	t.Helper()

	return newDeviceWithSecret(t, server, name, testSecret)
}

func newDeviceWithSecret(t *testing.T, server *syncServer, name, secret string) *device {
	t.Helper()

	dir := t.TempDir()

	store, err := storage.Open(filepath.Join(dir, "places.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	tk, err := tracker.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, tk.Close()) })

	bundle, err := keys.NewBundle(secret, testAccount, collection)
	require.NoError(t, err)

	client := remote.NewClient(remote.Config{
		Host:    server.URL(),
		Account: testAccount,
		KeyHash: bundle.KeyHash(),
		Device:  name,
	}, quietLogger)

	return &device{
		store:  store,
		tk:     tk,
		keys:   bundle,
		client: client,
		engine: syncer.NewSyncer(client, store, tk, bundle, quietLogger, bookmarks.Options{}),
	}
}

// sync connects, runs one pass, and disconnects, the way the daemon does.
func (d *device) sync(t *testing.T) syncer.Result {
	t.Helper()

	require.NoError(t, d.client.Connect(t.Context()))
	defer d.client.Close()

	res, err := d.engine.RunOnce(t.Context())
	require.NoError(t, err)

	return res
}

// mobileRef materializes the structural roots and returns the mobile
// root's local ref, for planting local rows.
func (d *device) mobileRef(t *testing.T) int64 {
	t.Helper()

	require.NoError(t, d.store.EnsureRoots(t.Context()))

	refs, err := d.store.FolderRefs(t.Context())
	require.NoError(t, err)
	for _, fr := range refs {
		if fr.GUID == bookmarks.MobileGUID {
			return fr.Ref
		}
	}

	t.Fatal("mobile root missing")

	return 0
}

// addBookmark plants a new local bookmark under the mobile root, stamped
// with the wall clock like a live browser write.
func (d *device) addBookmark(t *testing.T, guid, title, url string) *record.Bookmark {
	t.Helper()

	b := &record.Bookmark{
		GUID:      guid,
		Kind:      record.KindBookmark,
		ParentRef: d.mobileRef(t),
		Position:  -1,
		Title:     title,
		URL:       url,
		Modified:  time.Now().UnixMilli(),
	}
	ref, err := d.store.Insert(t.Context(), b)
	require.NoError(t, err)
	b.Ref = ref

	return b
}

// get fetches a bookmark row by guid, nil when absent.
func (d *device) get(t *testing.T, guid string) *record.Bookmark {
	t.Helper()

	b, err := d.store.Get(t.Context(), guid)
	require.NoError(t, err)

	return b
}

// retitle edits an existing row like a live browser edit.
func (d *device) retitle(t *testing.T, guid, title string) {
	t.Helper()

	b := d.get(t, guid)
	require.NotNil(t, b)
	b.Title = title
	b.Modified = time.Now().UnixMilli()
	require.NoError(t, d.store.Update(t.Context(), b))
}

// remove tombstones a row locally so the next pass uploads the deletion.
func (d *device) remove(t *testing.T, guid string) {
	t.Helper()

	b := d.get(t, guid)
	require.NotNil(t, b)
	b.Deleted = true
	b.Modified = time.Now().UnixMilli()
	require.NoError(t, d.store.Update(t.Context(), b))
}

// openPayload decrypts a server-side payload back into a bookmark.
func (d *device) openPayload(t *testing.T, payload string) *record.Bookmark {
	t.Helper()

	plaintext, err := d.keys.Open(collection, payload)
	require.NoError(t, err)
	b, err := record.DecodePayload(plaintext)
	require.NoError(t, err)

	return b
}

// articleServer fakes the reading-list HTTP service: POST /articles
// assigns ids, PATCH /articles/{id} updates status flags, and URLs in
// the conflict set answer 409.
type articleServer struct {
	ts *httptest.Server

	mu       sync.Mutex
	clock    int64
	nextID   int
	items    map[string]remote.ReadingListItem
	conflict map[string]bool
}

func newArticleServer(t *testing.T) *articleServer {
	t.Helper()

	s := &articleServer{
		items:    map[string]remote.ReadingListItem{},
		conflict: map[string]bool{},
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.ts.Close)

	return s
}

func (s *articleServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Sync-Account") != testAccount {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/articles":
		s.handleAdd(w, r)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/articles/"):
		s.handlePatch(w, r, strings.TrimPrefix(r.URL.Path, "/articles/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *articleServer) handleAdd(w http.ResponseWriter, r *http.Request) {
	var item remote.ReadingListItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.conflict[item.URL] {
		s.mu.Unlock()
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.nextID++
	s.clock += 1000
	item.ID = fmt.Sprintf("srv-%d", s.nextID)
	item.Modified = s.clock
	s.items[item.ID] = item
	s.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(item)
}

func (s *articleServer) handlePatch(w http.ResponseWriter, r *http.Request, id string) {
	var patch remote.StatusPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if patch.Status != "" {
		item.Status = patch.Status
	}
	if patch.Favorite != nil {
		item.Favorite = *patch.Favorite
	}
	s.clock += 1000
	item.Modified = s.clock
	s.items[id] = item
	s.mu.Unlock()

	_ = json.NewEncoder(w).Encode(item)
}

// put seeds a server-side article and returns its assigned id.
func (s *articleServer) put(url, title, status string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.clock += 1000
	id := fmt.Sprintf("srv-%d", s.nextID)
	s.items[id] = remote.ReadingListItem{
		ID:       id,
		URL:      url,
		Title:    title,
		Status:   status,
		Modified: s.clock,
	}

	return id
}

// markConflict makes future POSTs for the given URL answer 409.
func (s *articleServer) markConflict(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflict[url] = true
}

// article returns the server's copy of an article, or nil.
func (s *articleServer) article(id string) *remote.ReadingListItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil
	}

	return &item
}

// readingStack is the local half of the reading-list pipeline: the
// reading list schema inside a places database plus a synchronizer
// talking to the fake article service.
type readingStack struct {
	store *readinglist.Store
	sync  *readinglist.Synchronizer
}

func newReadingStack(t *testing.T, server *articleServer) *readingStack {
	t.Helper()

	shared, err := storage.Open(filepath.Join(t.TempDir(), "places.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, shared.Close()) })

	store, err := readinglist.NewStore(shared.DB())
	require.NoError(t, err)

	client := remote.NewReadingListClient(server.ts.URL, testAccount, nil)

	return &readingStack{
		store: store,
		sync:  readinglist.NewSynchronizer(client, store, quietLogger),
	}
}
