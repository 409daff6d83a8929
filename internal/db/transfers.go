package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const transferColumns = `id, account, kind, status, file_id, local_path, remote_path, space_id,
	size_bytes, result_code, error,
	tus_upload_url, tus_length, tus_offset, tus_metadata, tus_checksum, tus_version, tus_expires_at, tus_concat,
	created_at, updated_at`

func scanTransfer(row scanner) (*Transfer, error) {
	t := &Transfer{}
	var (
		url, metadata, checksum, version, concat *string
		length, offset                   *int64
		expiresAt                        *time.Time
	)
	err := row.Scan(
		&t.ID, &t.Account, &t.Kind, &t.Status, &t.FileID, &t.LocalPath, &t.RemotePath, &t.SpaceID,
		&t.SizeBytes, &t.ResultCode, &t.Error,
		&url, &length, &offset, &metadata, &checksum, &version, &expiresAt, &concat,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if url != nil {
		t.Tus = &TusState{
			UploadURL: *url,
			Length:    deref(length),
			Offset:    deref(offset),
			Metadata:  deref(metadata),
			Checksum:  deref(checksum),
			Version:   deref(version),
			ExpiresAt: expiresAt,
			Concat:    deref(concat),
		}
	}
	return t, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// SaveTransfer inserts a new transfer; a zero ID is replaced by a fresh one
func (db *DB) SaveTransfer(ctx context.Context, t *Transfer) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}

	var (
		url, metadata, checksum, version, concat *string
		length, offset                           *int64
		expiresAt                                *time.Time
	)
	if s := t.Tus; s != nil {
		url, metadata, checksum, version, concat = &s.UploadURL, &s.Metadata, &s.Checksum, &s.Version, &s.Concat
		length, offset = &s.Length, &s.Offset
		expiresAt = s.ExpiresAt
	}

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO transfers (
			id, account, kind, status, file_id, local_path, remote_path, space_id, size_bytes,
			tus_upload_url, tus_length, tus_offset, tus_metadata, tus_checksum, tus_version, tus_expires_at,
			tus_concat
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		RETURNING created_at, updated_at
	`,
		t.ID, t.Account, t.Kind, t.Status, t.FileID, t.LocalPath, t.RemotePath, t.SpaceID, t.SizeBytes,
		url, length, offset, metadata, checksum, version, expiresAt, concat,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}
	return nil
}

// GetTransfer retrieves a transfer by id
func (db *DB) GetTransfer(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	return scanTransfer(db.Pool.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = $1", id))
}

// ListTransfers returns transfers in any of the given statuses, newest first.
// Without statuses every transfer is returned.
func (db *DB) ListTransfers(ctx context.Context, statuses ...TransferStatus) ([]*Transfer, error) {
	query := "SELECT " + transferColumns + " FROM transfers"
	var args []any
	if len(statuses) > 0 {
		names := make([]string, 0, len(statuses))
		for _, s := range statuses {
			names = append(names, string(s))
		}
		query += " WHERE status = ANY($1)"
		args = append(args, names)
	}
	query += " ORDER BY created_at DESC"

	return db.queryTransfers(ctx, query, args...)
}

// ListResumableUploads returns uploads holding a server session that have not
// finished. An empty account matches every account.
func (db *DB) ListResumableUploads(ctx context.Context, account string) ([]*Transfer, error) {
	return db.queryTransfers(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE kind = 'upload'
			AND tus_upload_url IS NOT NULL
			AND (status IN ('queued', 'in_progress') OR (status = 'failed' AND result_code = 'CONFLICT'))
			AND ($1 = '' OR account = $1)
		ORDER BY created_at
	`, account)
}

func (db *DB) queryTransfers(ctx context.Context, query string, args ...any) ([]*Transfer, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// UpdateTransferStatus records a status change with the protocol result code and error text
func (db *DB) UpdateTransferStatus(ctx context.Context, id uuid.UUID, status TransferStatus, resultCode, errMsg string) error {
	return db.execOne(ctx, `
		UPDATE transfers SET status = $2, result_code = $3, error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, resultCode, truncate(errMsg, 2000))
}

// UpdateTusState stores a complete upload session
func (db *DB) UpdateTusState(ctx context.Context, id uuid.UUID, s *TusState) error {
	if s == nil {
		return db.ClearTusState(ctx, id)
	}
	return db.execOne(ctx, `
		UPDATE transfers SET
			tus_upload_url = $2, tus_length = $3, tus_offset = $4, tus_metadata = $5,
			tus_checksum = $6, tus_version = $7, tus_expires_at = $8, tus_concat = $9, updated_at = NOW()
		WHERE id = $1
	`, id, s.UploadURL, s.Length, s.Offset, s.Metadata, s.Checksum, s.Version, s.ExpiresAt, s.Concat)
}

// UpdateTusOffset stores the acknowledged offset of an existing session
func (db *DB) UpdateTusOffset(ctx context.Context, id uuid.UUID, offset int64, expiresAt *time.Time) error {
	return db.execOne(ctx, `
		UPDATE transfers SET tus_offset = $2, tus_expires_at = COALESCE($3, tus_expires_at), updated_at = NOW()
		WHERE id = $1 AND tus_upload_url IS NOT NULL
	`, id, offset, expiresAt)
}

// ClearTusState drops the upload session, e.g. after completion or expiry
func (db *DB) ClearTusState(ctx context.Context, id uuid.UUID) error {
	return db.execOne(ctx, `
		UPDATE transfers SET
			tus_upload_url = NULL, tus_length = NULL, tus_offset = NULL, tus_metadata = NULL,
			tus_checksum = NULL, tus_version = NULL, tus_expires_at = NULL, tus_concat = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
}

func (db *DB) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
