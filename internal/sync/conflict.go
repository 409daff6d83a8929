package sync

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	conflictMarker     = "_conflicted_copy_"
	conflictTimeLayout = "2006-01-02_150405"
)

// ConflictedCopyPath returns the name a conflicting local file is moved to:
// <base>_conflicted_copy_<yyyy-MM-dd_HHmmss><ext>, next to the original.
func ConflictedCopyPath(localPath string, at time.Time) string {
	dir, name := filepath.Split(localPath)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		// dotfiles have no extension
		base, ext = name, ""
	}
	return filepath.Join(dir, base+conflictMarker+at.Format(conflictTimeLayout)+ext)
}
