package sync

import (
	"fmt"

	"github.com/google/uuid"
)

// Decision is the outcome of synchronizing one file. The variants are
// FileNotFound, DownloadEnqueued, UploadEnqueued, ConflictResolvedWithCopy
// and AlreadySynchronized; no other type implements it.
type Decision interface {
	decision()
}

// FileNotFound means the remote file is gone and its local record was dropped
type FileNotFound struct{}

// DownloadEnqueued means the remote version will replace the local one
type DownloadEnqueued struct {
	JobID uuid.UUID
}

// UploadEnqueued means the local version will replace the remote one
type UploadEnqueued struct {
	JobID uuid.UUID
}

// ConflictResolvedWithCopy means the local file was kept aside under
// ConflictedCopyPath and the remote version is being downloaded
type ConflictResolvedWithCopy struct {
	JobID              uuid.UUID
	ConflictedCopyPath string
}

// AlreadySynchronized means nothing was done. UnresolvedConflict is set when
// both sides changed but the local file could not be moved aside.
type AlreadySynchronized struct {
	UnresolvedConflict bool
}

func (FileNotFound) decision()             {}
func (DownloadEnqueued) decision()         {}
func (UploadEnqueued) decision()           {}
func (ConflictResolvedWithCopy) decision() {}
func (AlreadySynchronized) decision()      {}

// Describe renders d for humans
func Describe(d Decision) string {
	switch d := d.(type) {
	case FileNotFound:
		return "file not found on server"
	case DownloadEnqueued:
		return fmt.Sprintf("download enqueued (job %s)", d.JobID)
	case UploadEnqueued:
		return fmt.Sprintf("upload enqueued (job %s)", d.JobID)
	case ConflictResolvedWithCopy:
		return fmt.Sprintf("conflict: local copy kept at %s, download enqueued (job %s)", d.ConflictedCopyPath, d.JobID)
	case AlreadySynchronized:
		if d.UnresolvedConflict {
			return "conflict left unresolved, local file untouched"
		}
		return "already synchronized"
	default:
		panic(fmt.Sprintf("unknown decision %T", d))
	}
}
