package readinglist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marksync/internal/remote"
)

const schema = `
CREATE TABLE IF NOT EXISTS reading_list (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	guid            TEXT    NOT NULL DEFAULT '',
	url             TEXT    NOT NULL,
	title           TEXT    NOT NULL DEFAULT '',
	added_by        TEXT    NOT NULL DEFAULT '',
	added           INTEGER NOT NULL DEFAULT 0,
	unread          INTEGER NOT NULL DEFAULT 1,
	favorite        INTEGER NOT NULL DEFAULT 0,
	sync_status     INTEGER NOT NULL DEFAULT 1,
	change_flags    INTEGER NOT NULL DEFAULT 0,
	server_modified INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reading_list_status ON reading_list(sync_status);
`

const itemColumns = "id, guid, url, title, added_by, added, unread, favorite, sync_status, change_flags, server_modified"

// Store must satisfy the synchronizer's storage surface.
var _ Storage = (*Store)(nil)

// Store is the SQLite-backed Storage. It shares the database handle with
// the bookmarks store and owns only the reading_list table.
type Store struct {
	db *sql.DB
}

// NewStore initializes the reading-list schema over the shared handle.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("initializing reading list schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert adds a row. Rows without a server id start in StatusNew no matter
// what status the caller set; the server has never seen them.
func (s *Store) Insert(ctx context.Context, item Item) (int64, error) {
	if item.GUID == "" {
		item.SyncStatus = StatusNew
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reading_list (guid, url, title, added_by, added, unread, favorite, sync_status, change_flags, server_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.GUID, item.URL, item.Title, item.AddedBy, item.Added,
		boolToInt(item.Unread), boolToInt(item.Favorite),
		item.SyncStatus, item.ChangeFlags, item.ServerModified,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting reading list item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted row id: %w", err)
	}

	return id, nil
}

// Get returns the row with the given id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM reading_list WHERE id = ?", id)

	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading item %d: %w", id, err)
	}

	return &item, nil
}

// SetUnread records a local unread flip. Rows the server has never seen
// stay new; everything else becomes modified.
func (s *Store) SetUnread(ctx context.Context, id int64, unread bool) error {
	return s.setFlag(ctx, id, "unread", boolToInt(unread), ChangeUnread)
}

// SetFavorite records a local favorite flip.
func (s *Store) SetFavorite(ctx context.Context, id int64, favorite bool) error {
	return s.setFlag(ctx, id, "favorite", boolToInt(favorite), ChangeFavorite)
}

func (s *Store) setFlag(ctx context.Context, id int64, column string, value, flag int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reading_list
		SET `+column+` = ?,
		    sync_status = CASE WHEN sync_status = ? THEN ? ELSE ? END,
		    change_flags = change_flags | ?
		WHERE id = ?`,
		value, StatusNew, StatusNew, StatusModified, flag, id,
	)
	if err != nil {
		return fmt.Errorf("updating %s for item %d: %w", column, id, err)
	}

	return nil
}

// StatusChanges returns modified rows whose unread or favorite flag
// changed. Rows awaiting first upload are excluded; their flags ride along
// with the new-item upload.
func (s *Store) StatusChanges(ctx context.Context) ([]Item, error) {
	return s.query(ctx,
		"SELECT "+itemColumns+" FROM reading_list WHERE sync_status = ? AND (change_flags & ?) != 0 ORDER BY id",
		StatusModified, ChangeUnread|ChangeFavorite)
}

// New returns rows the server has never seen.
func (s *Store) New(ctx context.Context) ([]Item, error) {
	return s.query(ctx,
		"SELECT "+itemColumns+" FROM reading_list WHERE sync_status = ? OR guid = '' ORDER BY id",
		StatusNew)
}

// Accumulator returns a fresh accumulator for one upload pass.
func (s *Store) Accumulator() Accumulator {
	return &sqlAccumulator{store: s}
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reading list: %w", err)
	}
	defer rows.Close()

	var items []Item

	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning reading list row: %w", err)
		}

		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reading list rows: %w", err)
	}

	return items, nil
}

// sqlAccumulator stages accumulated changes and applies them in one
// transaction, deletions before updates.
type sqlAccumulator struct {
	store     *Store
	changed   []Item
	deletions []Item
}

func (a *sqlAccumulator) AddChangedRecord(item Item) {
	a.changed = append(a.changed, item)
}

func (a *sqlAccumulator) AddDeletion(item Item) {
	a.deletions = append(a.deletions, item)
}

func (a *sqlAccumulator) AddUpload(item Item, server remote.ReadingListItem) {
	a.changed = append(a.changed, withServer(item, server))
}

func (a *sqlAccumulator) Flush(ctx context.Context) error {
	if len(a.changed) == 0 && len(a.deletions) == 0 {
		return nil
	}

	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting flush transaction: %w", err)
	}
	defer tx.Rollback()

	for _, item := range a.deletions {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM reading_list WHERE id = ?", item.ID); err != nil {
			return fmt.Errorf("deleting item %d: %w", item.ID, err)
		}
	}

	for _, item := range a.changed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE reading_list
			SET guid = ?, title = ?, unread = ?, favorite = ?,
			    sync_status = ?, change_flags = ?, server_modified = ?
			WHERE id = ?`,
			item.GUID, item.Title, boolToInt(item.Unread), boolToInt(item.Favorite),
			item.SyncStatus, item.ChangeFlags, item.ServerModified, item.ID,
		); err != nil {
			return fmt.Errorf("updating item %d: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing flush: %w", err)
	}

	a.changed = nil
	a.deletions = nil

	return nil
}

func scanItem(scan func(dest ...any) error) (Item, error) {
	var (
		item     Item
		unread   int
		favorite int
	)
	if err := scan(&item.ID, &item.GUID, &item.URL, &item.Title, &item.AddedBy,
		&item.Added, &unread, &favorite, &item.SyncStatus, &item.ChangeFlags,
		&item.ServerModified); err != nil {
		return Item{}, err
	}

	item.Unread = unread != 0
	item.Favorite = favorite != 0

	return item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
