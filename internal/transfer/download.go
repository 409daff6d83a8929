package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vonshlovens/cloudsync/internal/db"
)

// TempPrefix marks partial downloads; the watcher ignores these files
const TempPrefix = ".cloudsync-"

func (d *Dispatcher) download(j *job, rem Remote, log *slog.Logger) error {
	t := j.transfer
	if t.FileID == nil {
		return fmt.Errorf("download %s has no file record", t.RemotePath)
	}

	dir := filepath.Dir(t.LocalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmpPath := filepath.Join(dir, TempPrefix+uuid.NewString()+".part")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	etag, err := rem.Download(j.ctx, t.RemotePath, t.SpaceID, io.MultiWriter(tmp, newProgress(d, j)))
	if err != nil {
		tmp.Close()
		if j.token.Cancelled() {
			return fmt.Errorf("download cancelled: %w", err)
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}

	if etag == "" {
		f, err := rem.ReadFile(j.ctx, t.RemotePath, t.SpaceID)
		if err != nil {
			return fmt.Errorf("failed to read etag: %w", err)
		}
		etag = f.Etag
	}

	if err := os.Rename(tmpPath, t.LocalPath); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	info, err := os.Stat(t.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", t.LocalPath, err)
	}

	log.Debug("download written", "local_path", t.LocalPath, "size", info.Size())
	return d.markDownloaded(context.WithoutCancel(j.ctx), *t.FileID, etag, t.LocalPath, info)
}

func (d *Dispatcher) markDownloaded(ctx context.Context, id uuid.UUID, etag, localPath string, info os.FileInfo) error {
	if err := d.store.MarkSynced(ctx, id, etag, localPath, db.StoredTime(info.ModTime())); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// The record was removed while the download ran
			return nil
		}
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}
