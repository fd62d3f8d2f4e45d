// Package tracker persists which records are known to match the server, so
// upload passes can skip them, plus the per-collection sync cursors. It is
// a small bbolt database beside the main store.
package tracker

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"marksync/internal/bookmarks"
	"marksync/internal/record"
)

const (
	// trackerDirPerm is the permission mode for the tracker directory.
	trackerDirPerm = fs.FileMode(0o700)

	// trackerFilePerm is the permission mode for the tracker database file.
	trackerFilePerm = fs.FileMode(0o600)

	// trackerOpenTimeout is the maximum time to wait for the bolt file lock.
	trackerOpenTimeout = 5 * time.Second
)

var (
	trackedBucket = []byte("tracked")
	metaBucket    = []byte("meta")
)

var deviceIDKey = []byte("deviceid")

func lastSyncKey(collection string) []byte {
	return []byte("lastsync:" + collection)
}

// Tracker must satisfy the engine's tracking surface.
var _ bookmarks.Tracker = (*Tracker)(nil)

// Tracker wraps the bbolt database holding clean-record marks and sync
// cursors. A record is clean when its stored content string still matches
// what the store holds; anything else must upload.
type Tracker struct {
	db *bolt.DB
}

// Open opens the tracker database at path, creating it and its buckets if
// needed. Callers must Close.
func Open(path string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), trackerDirPerm); err != nil {
		return nil, fmt.Errorf("creating tracker directory: %w", err)
	}
	db, err := bolt.Open(path, trackerFilePerm, &bolt.Options{Timeout: trackerOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening tracker db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(trackedBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing tracker db: %w", err)
	}

	return &Tracker{db: db}, nil
}

// Close closes the database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Track marks a record clean by storing its canonical content string.
func (t *Tracker) Track(b *record.Bookmark) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(trackedBucket).Put([]byte(b.GUID), []byte(b.CanonicalString()))
	})
}

// Untrack forgets the clean marks for the given guids. Unknown guids are
// fine; forgetting is idempotent.
func (t *Tracker) Untrack(guids ...string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(trackedBucket)
		for _, guid := range guids {
			if err := b.Delete([]byte(guid)); err != nil {
				return err
			}
		}

		return nil
	})
}

// IsClean reports whether guid is marked clean with exactly this content.
// A tracked guid whose content diverged counts as dirty.
func (t *Tracker) IsClean(guid, canonical string) (bool, error) {
	var clean bool

	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(trackedBucket).Get([]byte(guid))
		clean = v != nil && string(v) == canonical

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading clean mark for %s: %w", guid, err)
	}

	return clean, nil
}

// DropAll forgets every clean mark. Used when the server state is reset and
// everything must re-upload.
func (t *Tracker) DropAll() error {
	return t.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(trackedBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(trackedBucket)

		return err
	})
}

// LastSync returns the sync cursor for a collection in unix milliseconds,
// zero when the collection has never synced.
func (t *Tracker) LastSync(collection string) (int64, error) {
	var cursor int64

	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastSyncKey(collection))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &cursor)
	})
	if err != nil {
		return 0, fmt.Errorf("reading %s cursor: %w", collection, err)
	}

	return cursor, nil
}

// SetLastSync advances the sync cursor for a collection.
func (t *Tracker) SetLastSync(collection string, cursor int64) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encoding %s cursor: %w", collection, err)
	}

	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(lastSyncKey(collection), data)
	})
}

// DeviceID returns the stored device identifier, or "" when none has been
// assigned yet.
func (t *Tracker) DeviceID() (string, error) {
	var id string

	err := t.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(deviceIDKey); v != nil {
			id = string(v)
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	return id, nil
}

// SetDeviceID stores the device identifier assigned on first run.
func (t *Tracker) SetDeviceID(id string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(deviceIDKey, []byte(id))
	})
}
