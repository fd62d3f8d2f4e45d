package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marksync/internal/bookmarks"
	"marksync/internal/record"
)

// Store must satisfy the engine's storage surface.
var _ bookmarks.Store = (*Store)(nil)

const bookmarkColumns = "id, guid, kind, parent, position, title, url, description, keyword, tags, deleted, modified"

// EnsureRoots creates the visible structural folders when missing. They sit
// at the top level with dense positions and a zero modified time, so they
// never upload until something actually changes them.
func (s *Store) EnsureRoots(ctx context.Context) error {
	const q = `INSERT OR IGNORE INTO bookmarks (guid, kind, parent, position, modified) VALUES (?, ?, 0, ?, 0)`
	for i, guid := range bookmarks.StructuralRoots() {
		if _, err := s.db.ExecContext(ctx, q, guid, record.KindFolder.String(), i); err != nil {
			return fmt.Errorf("creating structural folder %s: %w", guid, err)
		}
	}
	return nil
}

// FolderRefs enumerates every live folder as a (guid, ref) pair.
func (s *Store) FolderRefs(ctx context.Context) ([]bookmarks.FolderRef, error) {
	const q = `SELECT guid, id FROM bookmarks WHERE kind = ? AND deleted = 0 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, record.KindFolder.String())
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	defer rows.Close()

	var refs []bookmarks.FolderRef
	for rows.Next() {
		var fr bookmarks.FolderRef
		if err := rows.Scan(&fr.GUID, &fr.Ref); err != nil {
			return nil, fmt.Errorf("scanning folder row: %w", err)
		}
		refs = append(refs, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading folder rows: %w", err)
	}
	return refs, nil
}

// Children returns the live children of a folder ordered by raw position,
// row id breaking ties so the order is stable across calls.
func (s *Store) Children(ctx context.Context, folderRef int64) ([]bookmarks.ChildRow, error) {
	const q = `SELECT guid, position FROM bookmarks WHERE parent = ? AND deleted = 0 ORDER BY position, id`
	rows, err := s.db.QueryContext(ctx, q, folderRef)
	if err != nil {
		return nil, fmt.Errorf("querying children of %d: %w", folderRef, err)
	}
	defer rows.Close()

	var children []bookmarks.ChildRow
	for rows.Next() {
		var cr bookmarks.ChildRow
		if err := rows.Scan(&cr.GUID, &cr.Position); err != nil {
			return nil, fmt.Errorf("scanning child row: %w", err)
		}
		children = append(children, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading child rows: %w", err)
	}
	return children, nil
}

// Get fetches one record by guid, tombstones included. Absent records
// return (nil, nil).
func (s *Store) Get(ctx context.Context, guid string) (*record.Bookmark, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookmarkColumns+` FROM bookmarks WHERE guid = ?`, guid)
	b, err := scanBookmark(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", guid, err)
	}
	return b, nil
}

// Insert stores a new record and returns its ref.
func (s *Store) Insert(ctx context.Context, b *record.Bookmark) (int64, error) {
	tags, err := encodeTags(b.Tags)
	if err != nil {
		return 0, fmt.Errorf("encoding tags for %s: %w", b.GUID, err)
	}
	const q = `INSERT INTO bookmarks (guid, kind, parent, position, title, url, description, keyword, tags, deleted, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		b.GUID, b.Kind.String(), b.ParentRef, b.Position,
		b.Title, b.URL, b.Description, b.Keyword, tags,
		boolToInt(b.Deleted), b.Modified)
	if err != nil {
		return 0, fmt.Errorf("inserting %s: %w", b.GUID, err)
	}
	ref, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading ref of %s: %w", b.GUID, err)
	}
	return ref, nil
}

// InsertBatch stores records in one transaction and reports how many rows
// made it. A row-level failure skips that row without aborting the rest.
func (s *Store) InsertBatch(ctx context.Context, bs []*record.Bookmark) (int, error) {
	if len(bs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting batch insert: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO bookmarks (guid, kind, parent, position, title, url, description, keyword, tags, deleted, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("preparing batch insert: %w", err)
	}
	defer stmt.Close()

	stored := 0
	for _, b := range bs {
		tags, err := encodeTags(b.Tags)
		if err != nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			b.GUID, b.Kind.String(), b.ParentRef, b.Position,
			b.Title, b.URL, b.Description, b.Keyword, tags,
			boolToInt(b.Deleted), b.Modified); err != nil {
			continue
		}
		stored++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing batch insert: %w", err)
	}
	return stored, nil
}

// Update rewrites an existing record's row, matched by guid. The ref and
// guid themselves never change.
func (s *Store) Update(ctx context.Context, b *record.Bookmark) error {
	tags, err := encodeTags(b.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags for %s: %w", b.GUID, err)
	}
	const q = `UPDATE bookmarks
		SET kind = ?, parent = ?, position = ?, title = ?, url = ?,
		    description = ?, keyword = ?, tags = ?, deleted = ?, modified = ?
		WHERE guid = ?`
	if _, err := s.db.ExecContext(ctx, q,
		b.Kind.String(), b.ParentRef, b.Position, b.Title, b.URL,
		b.Description, b.Keyword, tags, boolToInt(b.Deleted), b.Modified,
		b.GUID); err != nil {
		return fmt.Errorf("updating %s: %w", b.GUID, err)
	}
	return nil
}

// UpdatePositions writes dense positions (slice index = position) for the
// given children of one folder, returning how many rows actually moved.
func (s *Store) UpdatePositions(ctx context.Context, folderRef int64, ordered []string) (int, error) {
	if len(ordered) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting position update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE bookmarks SET position = ? WHERE guid = ? AND parent = ? AND position <> ?`)
	if err != nil {
		return 0, fmt.Errorf("preparing position update: %w", err)
	}
	defer stmt.Close()

	moved := 0
	for i, guid := range ordered {
		res, err := stmt.ExecContext(ctx, int64(i), guid, folderRef, int64(i))
		if err != nil {
			return 0, fmt.Errorf("positioning %s: %w", guid, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("counting moved rows: %w", err)
		}
		moved += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing position update: %w", err)
	}
	return moved, nil
}

// UpdateParentAndPosition moves one record under a new parent.
func (s *Store) UpdateParentAndPosition(ctx context.Context, guid string, parentRef, position int64) error {
	const q = `UPDATE bookmarks SET parent = ?, position = ? WHERE guid = ?`
	if _, err := s.db.ExecContext(ctx, q, parentRef, position, guid); err != nil {
		return fmt.Errorf("reparenting %s: %w", guid, err)
	}
	return nil
}

// BumpModified sets a folder's modification time so it re-uploads.
func (s *Store) BumpModified(ctx context.Context, folderRef int64, at time.Time) error {
	const q = `UPDATE bookmarks SET modified = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, at.UnixMilli(), folderRef); err != nil {
		return fmt.Errorf("bumping modified time of %d: %w", folderRef, err)
	}
	return nil
}

// DeleteBatch removes the named rows in one transaction. Surviving children
// of deleted folders are repointed at fallbackRef with their modification
// time set to at, so they re-upload from their new home.
func (s *Store) DeleteBatch(ctx context.Context, guids []string, fallbackRef int64, at time.Time) error {
	if len(guids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting batch delete: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, len(guids))
	for i, guid := range guids {
		args[i] = guid
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM bookmarks WHERE guid IN (`+placeholders(len(guids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("resolving rows to delete: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning doomed row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("reading doomed rows: %w", err)
	}
	rows.Close()

	if len(ids) > 0 {
		idArgs := make([]any, len(ids))
		for i, id := range ids {
			idArgs[i] = id
		}
		repoint := append([]any{fallbackRef, at.UnixMilli()}, idArgs...)
		if _, err := tx.ExecContext(ctx,
			`UPDATE bookmarks SET parent = ?, position = -1, modified = ? WHERE parent IN (`+placeholders(len(ids))+`)`,
			repoint...); err != nil {
			return fmt.Errorf("repointing surviving children: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM bookmarks WHERE id IN (`+placeholders(len(ids))+`)`, idArgs...); err != nil {
			return fmt.Errorf("deleting rows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch delete: %w", err)
	}
	return nil
}

// ModifiedSince returns records whose modification time is strictly newer
// than since (unix milliseconds), tombstones included.
func (s *Store) ModifiedSince(ctx context.Context, since int64) ([]*record.Bookmark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookmarkColumns+` FROM bookmarks WHERE modified > ? ORDER BY id`, since)
	if err != nil {
		return nil, fmt.Errorf("querying modified records: %w", err)
	}
	defer rows.Close()

	var out []*record.Bookmark
	for rows.Next() {
		b, err := scanBookmark(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning modified record: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading modified records: %w", err)
	}
	return out, nil
}

func scanBookmark(scan func(dest ...any) error) (*record.Bookmark, error) {
	var (
		b       record.Bookmark
		kind    string
		tags    string
		deleted int
	)
	if err := scan(&b.Ref, &b.GUID, &kind, &b.ParentRef, &b.Position,
		&b.Title, &b.URL, &b.Description, &b.Keyword, &tags,
		&deleted, &b.Modified); err != nil {
		return nil, err
	}
	b.Kind = record.ParseKind(kind)
	b.Deleted = deleted != 0
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &b.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	return &b, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
