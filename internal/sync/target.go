package sync

import (
	"os"
	"time"

	"github.com/vonshlovens/cloudsync/internal/db"
)

// SyncTarget is a snapshot of one file's known state
type SyncTarget struct {
	RemotePath string
	Owner      string // account name
	SpaceID    string
	// LocalPath is empty when the file was never downloaded
	LocalPath  string
	Etag       string // etag at the last sync
	LastSyncAt *time.Time
	// LocalModifiedAt overrides the filesystem mtime when the caller observed it
	LocalModifiedAt *time.Time
}

// TargetFromFile builds the snapshot of a stored file record
func TargetFromFile(f *db.File) SyncTarget {
	t := SyncTarget{
		RemotePath: f.RemotePath,
		Owner:      f.Account,
		SpaceID:    f.SpaceID,
		Etag:       f.Etag,
		LastSyncAt: f.LastSyncAt,
	}
	if f.LocalPath != nil {
		t.LocalPath = *f.LocalPath
	}
	return t
}

// localState reports whether a regular file exists at localPath and whether it
// changed after the last sync. Times are compared at the precision they are stored with.
func (t SyncTarget) localState(localPath string) (exists, changed bool) {
	info, err := os.Stat(localPath)
	if err != nil || info.IsDir() {
		return false, false
	}

	modTime := info.ModTime()
	if t.LocalModifiedAt != nil {
		modTime = *t.LocalModifiedAt
	}
	lastSync := time.Unix(0, 0)
	if t.LastSyncAt != nil {
		lastSync = *t.LastSyncAt
	}
	return true, db.StoredTime(modTime).After(db.StoredTime(lastSync))
}
