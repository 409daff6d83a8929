package db

import (
	"path"
	"time"

	"github.com/google/uuid"
)

// File is the local record of a remote file or folder
type File struct {
	ID         uuid.UUID  `db:"id"`
	Account    string     `db:"account"`
	SpaceID    string     `db:"space_id"`
	RemotePath string     `db:"remote_path"`
	ParentPath string     `db:"parent_path"`
	Owner      string     `db:"owner"`
	LocalPath  *string    `db:"local_path"` // nil until the file has been downloaded or uploaded
	Etag       string     `db:"etag"`       // etag at the last successful sync
	SizeBytes  int64      `db:"size_bytes"`
	IsDir      bool       `db:"is_dir"`
	LastSyncAt *time.Time `db:"last_sync_at"` // local mtime the last sync accounted for
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// StoredTime returns t as the database keeps it: UTC with microsecond precision.
// Timestamps compared against stored ones must be reduced the same way.
func StoredTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ParentOf returns the remote folder containing remotePath
func ParentOf(remotePath string) string {
	return path.Dir(path.Clean("/" + remotePath))
}

// TransferKind is the direction of a transfer
type TransferKind string

const (
	KindUpload   TransferKind = "upload"
	KindDownload TransferKind = "download"
)

// TransferStatus is the lifecycle state of a transfer
type TransferStatus string

const (
	StatusQueued     TransferStatus = "queued"
	StatusInProgress TransferStatus = "in_progress"
	StatusSucceeded  TransferStatus = "succeeded"
	StatusFailed     TransferStatus = "failed"
	StatusCancelled  TransferStatus = "cancelled"
)

// Transfer is a persisted upload or download job
type Transfer struct {
	ID         uuid.UUID
	Account    string
	Kind       TransferKind
	Status     TransferStatus
	FileID     *uuid.UUID
	LocalPath  string
	RemotePath string
	SpaceID    string
	SizeBytes  int64
	ResultCode string
	Error      string
	// Tus is nil unless a resumable upload session exists on the server
	Tus       *TusState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TusState is the persisted part of a resumable upload session.
// All fields are stored together or not at all.
type TusState struct {
	UploadURL string
	Length    int64
	Offset    int64
	Metadata  string
	Checksum  string
	Version   string
	ExpiresAt *time.Time
	// Concat is the Upload-Concat mode, empty for a plain upload
	Concat string
}

// SyncStatus summarizes the database contents
type SyncStatus struct {
	Connected         bool
	LastSyncTime      *time.Time
	TotalFiles        int
	LocalFiles        int
	TransfersByStatus map[TransferStatus]int
	ResumableUploads  int
}
