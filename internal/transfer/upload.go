package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/vonshlovens/cloudsync/internal/db"
	"github.com/vonshlovens/cloudsync/internal/tus"
)

// sniffLen is how much of a file is read for MIME detection
const sniffLen = 3072

func (d *Dispatcher) upload(j *job, rem Remote, log *slog.Logger) error {
	t := j.transfer

	f, err := os.Open(t.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", t.LocalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", t.LocalPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", t.LocalPath)
	}
	t.SizeBytes = info.Size()

	folder := path.Dir(t.RemotePath)
	if err := rem.MkdirAll(j.ctx, folder, t.SpaceID); err != nil {
		return fmt.Errorf("failed to create remote folder %s: %w", folder, err)
	}

	progress := newProgress(d, j)
	if t.Tus != nil || (d.opts.TusThreshold > 0 && info.Size() >= d.opts.TusThreshold) {
		err = d.uploadResumable(j, rem, f, info, progress, log)
	} else {
		err = d.uploadSimple(j, rem, f, info, progress)
	}
	if err != nil {
		return err
	}

	// Resumable uploads do not report the etag
	remoteFile, err := rem.ReadFile(j.ctx, t.RemotePath, t.SpaceID)
	if err != nil {
		return fmt.Errorf("failed to read uploaded file: %w", err)
	}

	record := &db.File{
		Account:    t.Account,
		SpaceID:    t.SpaceID,
		RemotePath: t.RemotePath,
		SizeBytes:  remoteFile.Size,
	}
	storeCtx := context.WithoutCancel(j.ctx)
	if err := d.store.UpsertFile(storeCtx, record); err != nil {
		return err
	}
	// The sync point is the content that was sent; a later edit stays newer than it
	if now, serr := os.Stat(t.LocalPath); serr == nil && !now.ModTime().Equal(info.ModTime()) {
		log.Info("local file changed during upload", "path", t.LocalPath)
	}
	return d.store.MarkSynced(storeCtx, record.ID, remoteFile.Etag, t.LocalPath, db.StoredTime(info.ModTime()))
}

// uploadSimple sends small files in a single PUT
func (d *Dispatcher) uploadSimple(j *job, rem Remote, f *os.File, info os.FileInfo, progress *progress) error {
	body := &cancelReader{r: io.NewSectionReader(f, 0, info.Size()), token: j.token, progress: progress}
	_, err := rem.Put(j.ctx, j.transfer.RemotePath, j.transfer.SpaceID, body, info.Size())
	if err != nil && j.token.Cancelled() {
		return &tus.Error{Op: "put", Code: tus.CodeCancelled, Err: tus.ErrCancelled}
	}
	return err
}

// uploadResumable drives a resumable upload session, continuing the persisted
// one when the local file is unchanged
func (d *Dispatcher) uploadResumable(j *job, rem Remote, f *os.File, info os.FileInfo, progress *progress, log *slog.Logger) error {
	t := j.transfer
	storeCtx := context.WithoutCancel(j.ctx)

	checksum, err := ChecksumReader(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", t.LocalPath, err)
	}

	client := tus.NewClient(rem.HTTPClient(), log)
	uploader := tus.NewUploader(client, tus.UploaderConfig{
		ChunkSize:          d.opts.ChunkSize,
		CreationWithUpload: d.creationWithUpload(j.ctx, t.Account, client, rem, t.SpaceID),
		ConflictRetries:    d.opts.ConflictRetries,
	}, log)
	store := &sessionStore{store: d.store, id: t.ID}

	session, err := d.restoreSession(storeCtx, t, info.Size(), checksum, uploader, log)
	if err != nil {
		return err
	}
	if session == nil {
		session = tus.NewSession(info.Size(), uploadMetadata(f, info, checksum), checksum)
	}
	progress.base = session.Offset

	endpoint := rem.UploadURL(t.SpaceID, path.Dir(t.RemotePath))
	err = uploader.Upload(j.ctx, j.token, f, endpoint, session, store, progress)

	if session.Terminal() && tus.CodeOf(session.Err()) == tus.CodeNotFound && session.UploadURL != "" {
		// The server dropped the session, typically after Upload-Expires
		log.Info("upload session expired, starting over", "url", session.UploadURL)
		if cerr := d.store.ClearTusState(storeCtx, t.ID); cerr != nil {
			return cerr
		}
		t.Tus = nil
		session = tus.NewSession(info.Size(), uploadMetadata(f, info, checksum), checksum)
		progress.base = 0
		err = uploader.Upload(j.ctx, j.token, f, endpoint, session, store, progress)
	}

	switch {
	case err == nil:
		if cerr := d.store.ClearTusState(storeCtx, t.ID); cerr != nil {
			log.Warn("failed to clear upload session", "error", cerr)
		}
		t.Tus = nil
	case session.State() == tus.StateCancelled:
		// Cancellation deleted the server session
		_ = d.store.ClearTusState(storeCtx, t.ID)
		t.Tus = nil
	}
	return err
}

// restoreSession returns the persisted session of t, or nil when there is none
// or the local file changed since it was created
func (d *Dispatcher) restoreSession(ctx context.Context, t *db.Transfer, size int64, checksum string, uploader *tus.Uploader, log *slog.Logger) (*tus.Session, error) {
	if t.Tus == nil {
		return nil, nil
	}
	st := t.Tus

	session, err := tus.RestoreSession(st.UploadURL, st.Length, st.Offset, st.Metadata, st.Checksum, st.Version, st.ExpiresAt, st.Concat)
	if err == nil && st.Length == size && st.Checksum == checksum {
		return session, nil
	}

	log.Info("local file changed since upload started, discarding session", "url", st.UploadURL)
	if session != nil {
		if aerr := uploader.Abort(ctx, session); aerr != nil {
			log.Warn("failed to terminate stale upload", "error", aerr)
		}
	}
	if cerr := d.store.ClearTusState(ctx, t.ID); cerr != nil {
		return nil, cerr
	}
	t.Tus = nil
	return nil, nil
}

// creationWithUpload reports whether the first chunk may ride on the create request.
// Server capabilities are queried once per account.
func (d *Dispatcher) creationWithUpload(ctx context.Context, account string, client *tus.Client, rem Remote, spaceID string) bool {
	if !d.opts.CreationWithUpload {
		return false
	}

	d.mu.Lock()
	supported, known := d.caps[account]
	d.mu.Unlock()
	if known {
		return supported
	}

	caps, err := client.Options(ctx, nil, rem.UploadURL(spaceID, "/"))
	if err != nil {
		d.logger.Debug("capability discovery failed", "account", account, "error", err)
		return false
	}
	supported = caps.Supports(tus.ExtensionCreationWithUpload)

	d.mu.Lock()
	d.caps[account] = supported
	d.mu.Unlock()
	return supported
}

func uploadMetadata(f *os.File, info os.FileInfo, checksum string) string {
	buf := make([]byte, sniffLen)
	n, _ := f.ReadAt(buf, 0)

	return tus.EncodeMetadata(map[string]string{
		"filename": info.Name(),
		"filetype": mimetype.Detect(buf[:n]).String(),
		"checksum": checksum,
		"mtime":    strconv.FormatInt(info.ModTime().Unix(), 10),
	})
}

// sessionStore persists upload progress on the transfer record
type sessionStore struct {
	store Store
	id    uuid.UUID
}

func (s *sessionStore) SaveSession(ctx context.Context, sess *tus.Session) error {
	return s.store.UpdateTusState(context.WithoutCancel(ctx), s.id, &db.TusState{
		UploadURL: sess.UploadURL,
		Length:    sess.Length,
		Offset:    sess.Offset,
		Metadata:  sess.Metadata,
		Checksum:  sess.Checksum,
		Version:   sess.Version,
		ExpiresAt: sess.ExpiresAt,
		Concat:    sess.Concat,
	})
}

func (s *sessionStore) SaveOffset(ctx context.Context, sess *tus.Session) error {
	return s.store.UpdateTusOffset(context.WithoutCancel(ctx), s.id, sess.Offset, sess.ExpiresAt)
}

// cancelReader stops a simple upload body once the token fires
type cancelReader struct {
	r        io.Reader
	token    *tus.CancelToken
	progress *progress
}

func (c *cancelReader) Read(p []byte) (int, error) {
	if c.token.Cancelled() {
		return 0, tus.ErrCancelled
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.progress.add(int64(n))
	}
	return n, err
}
