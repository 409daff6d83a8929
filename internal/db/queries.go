package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const fileColumns = `id, account, space_id, remote_path, parent_path, owner, local_path,
	etag, size_bytes, is_dir, last_sync_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*File, error) {
	f := &File{}
	err := row.Scan(
		&f.ID, &f.Account, &f.SpaceID, &f.RemotePath, &f.ParentPath, &f.Owner, &f.LocalPath,
		&f.Etag, &f.SizeBytes, &f.IsDir, &f.LastSyncAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetFile retrieves a file record by id
func (db *DB) GetFile(ctx context.Context, id uuid.UUID) (*File, error) {
	return scanFile(db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = $1", id))
}

// GetFileByRemotePath retrieves the record of remotePath in the given account and space
func (db *DB) GetFileByRemotePath(ctx context.Context, account, spaceID, remotePath string) (*File, error) {
	return scanFile(db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE account = $1 AND space_id = $2 AND remote_path = $3",
		account, spaceID, remotePath))
}

// GetFileByLocalPath retrieves the record a local file is bound to
func (db *DB) GetFileByLocalPath(ctx context.Context, localPath string) (*File, error) {
	return scanFile(db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE local_path = $1 ORDER BY updated_at DESC LIMIT 1",
		localPath))
}

// UpsertFile inserts a record or refreshes the remote metadata of an existing one.
// Sync state (etag, local path, last sync) of an existing record is left untouched.
func (db *DB) UpsertFile(ctx context.Context, f *File) error {
	if f.ParentPath == "" {
		f.ParentPath = ParentOf(f.RemotePath)
	}
	return upsertFile(ctx, db.Pool, f)
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsertFile(ctx context.Context, q execQuerier, f *File) error {
	err := q.QueryRow(ctx, `
		INSERT INTO files (
			account, space_id, remote_path, parent_path, owner, local_path,
			etag, size_bytes, is_dir, last_sync_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (account, space_id, remote_path) DO UPDATE SET
			parent_path = EXCLUDED.parent_path,
			owner = EXCLUDED.owner,
			size_bytes = EXCLUDED.size_bytes,
			is_dir = EXCLUDED.is_dir,
			updated_at = NOW()
		RETURNING id, etag, local_path, last_sync_at, created_at, updated_at
	`,
		f.Account, f.SpaceID, f.RemotePath, f.ParentPath, f.Owner, f.LocalPath,
		f.Etag, f.SizeBytes, f.IsDir, f.LastSyncAt,
	).Scan(&f.ID, &f.Etag, &f.LocalPath, &f.LastSyncAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", f.RemotePath, err)
	}
	return nil
}

// MarkSynced records a successful transfer
func (db *DB) MarkSynced(ctx context.Context, id uuid.UUID, etag, localPath string, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE files SET etag = $2, local_path = $3, last_sync_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, etag, localPath, at)
	if err != nil {
		return fmt.Errorf("failed to mark file synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFiles removes the records; with purgeLocal their local copies are removed as well
func (db *DB) DeleteFiles(ctx context.Context, files []*File, purgeLocal bool) error {
	if len(files) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}

	if _, err := db.Pool.Exec(ctx, "DELETE FROM files WHERE id = ANY($1)", ids); err != nil {
		return fmt.Errorf("failed to delete files: %w", err)
	}

	if purgeLocal {
		for _, f := range files {
			if f.LocalPath == nil || f.IsDir {
				continue
			}
			if err := os.Remove(*f.LocalPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove local copy", "path", *f.LocalPath, "error", err)
			}
		}
	}
	return nil
}

// ListFiles returns every file record of an account, folders excluded
func (db *DB) ListFiles(ctx context.Context, account string) ([]*File, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+fileColumns+" FROM files WHERE account = $1 AND NOT is_dir ORDER BY remote_path",
		account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	return files, rows.Err()
}

// ReplaceFolderChildren makes the stored children of parent match a fresh listing.
// Records missing from the listing are deleted together with their descendants.
func (db *DB) ReplaceFolderChildren(ctx context.Context, account, spaceID, parent string, children []File) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	keep := make([]string, 0, len(children))
	for i := range children {
		c := &children[i]
		c.Account = account
		c.SpaceID = spaceID
		c.ParentPath = parent
		if err := upsertFile(ctx, tx, c); err != nil {
			return err
		}
		keep = append(keep, c.RemotePath)
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM files
		WHERE account = $1 AND space_id = $2 AND parent_path = $3 AND NOT (remote_path = ANY($4))
		RETURNING remote_path, is_dir
	`, account, spaceID, parent, keep)
	if err != nil {
		return fmt.Errorf("failed to delete stale children: %w", err)
	}

	var removedDirs []string
	for rows.Next() {
		var p string
		var isDir bool
		if err := rows.Scan(&p, &isDir); err != nil {
			rows.Close()
			return err
		}
		if isDir {
			removedDirs = append(removedDirs, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, dir := range removedDirs {
		if _, err := tx.Exec(ctx, `
			DELETE FROM files WHERE account = $1 AND space_id = $2 AND remote_path LIKE $3 ESCAPE '\'
		`, account, spaceID, likePrefix(dir+"/")); err != nil {
			return fmt.Errorf("failed to delete descendants of %s: %w", dir, err)
		}
	}

	return tx.Commit(ctx)
}

func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "%"
}
