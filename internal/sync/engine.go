package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/cloudsync/internal/config"
	"github.com/vonshlovens/cloudsync/internal/db"
	"github.com/vonshlovens/cloudsync/internal/remote"
	"github.com/vonshlovens/cloudsync/internal/transfer"
)

// Remote is the server access the engine needs for one account
type Remote interface {
	ReadFile(ctx context.Context, remotePath, spaceID string) (*remote.RemoteFile, error)
	ListFolder(ctx context.Context, remoteFolder, spaceID string) ([]remote.RemoteFile, error)
}

// RemoteResolver returns the server client of an account
type RemoteResolver func(account string) (Remote, error)

// Store is the file metadata the engine reads and maintains
type Store interface {
	GetFileByRemotePath(ctx context.Context, account, spaceID, remotePath string) (*db.File, error)
	UpsertFile(ctx context.Context, f *db.File) error
	DeleteFiles(ctx context.Context, files []*db.File, purgeLocal bool) error
	ListFiles(ctx context.Context, account string) ([]*db.File, error)
	ReplaceFolderChildren(ctx context.Context, account, spaceID, parent string, children []db.File) error
}

// Transfers schedules the transfers the engine decides on
type Transfers interface {
	EnqueueDownload(ctx context.Context, account string, file *db.File, localPath string) (uuid.UUID, error)
	EnqueueUpload(ctx context.Context, account, localPath, remoteFolder, spaceID string) (uuid.UUID, error)
}

// Options tunes an Engine
type Options struct {
	// Workers bounds the files checked concurrently by Reconcile
	Workers int
	// Progress receives progress bars; nil disables them
	Progress io.Writer
	Logger   *slog.Logger
}

// Engine decides, file by file, which side of a sync pair wins
type Engine struct {
	config    *config.Config
	store     Store
	remotes   RemoteResolver
	transfers Transfers
	prefs     *Preferences
	opts      Options
	logger    *slog.Logger

	now    func() time.Time
	rename func(oldpath, newpath string) error
}

// NewEngine creates a sync engine
func NewEngine(cfg *config.Config, store Store, remotes RemoteResolver, transfers Transfers, prefs *Preferences, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		config:    cfg,
		store:     store,
		remotes:   remotes,
		transfers: transfers,
		prefs:     prefs,
		opts:      opts,
		logger:    opts.Logger,
		now:       time.Now,
		rename:    os.Rename,
	}
}

// SynchronizeFile compares the local and remote state of one file and triggers
// at most one action. Remote errors other than not-found are returned as is.
func (e *Engine) SynchronizeFile(ctx context.Context, t SyncTarget) (Decision, error) {
	acc, err := e.config.Account(t.Owner)
	if err != nil {
		return nil, err
	}
	rem, err := e.remotes(t.Owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get client for %s: %w", t.Owner, err)
	}
	log := e.logger.With("account", t.Owner, "remote_path", t.RemotePath)

	localPath := t.LocalPath
	if localPath == "" {
		if localPath, err = localPathFor(acc, t.RemotePath); err != nil {
			return nil, err
		}
	}
	exists, changedLocally := t.localState(localPath)

	remoteFile, err := rem.ReadFile(ctx, t.RemotePath, t.SpaceID)
	if errors.Is(err, remote.ErrNotFound) {
		e.forget(ctx, t, exists && !changedLocally, log)
		return FileNotFound{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read remote metadata of %s: %w", t.RemotePath, err)
	}

	if !exists {
		return e.download(ctx, t, remoteFile, localPath)
	}

	changedRemotely := remoteFile.Etag != t.Etag
	preferLocal := e.prefs.PreferLocalOnConflict()

	switch {
	case changedLocally && changedRemotely && preferLocal:
		log.Info("both sides changed, local version wins")
		return e.upload(ctx, t, localPath)
	case changedLocally && changedRemotely:
		return e.resolveConflict(ctx, rem, t, remoteFile, localPath, log)
	case changedLocally:
		return e.upload(ctx, t, localPath)
	case changedRemotely:
		return e.download(ctx, t, remoteFile, localPath)
	}

	log.Debug("already synchronized")
	return AlreadySynchronized{}, nil
}

// SyncRemotePath synchronizes the file at remotePath, known or not
func (e *Engine) SyncRemotePath(ctx context.Context, account, remotePath string) (Decision, error) {
	acc, err := e.config.Account(account)
	if err != nil {
		return nil, err
	}
	remotePath = path.Clean("/" + remotePath)

	rec, err := e.store.GetFileByRemotePath(ctx, acc.Name, acc.SpaceID, remotePath)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return e.SynchronizeFile(ctx, SyncTarget{RemotePath: remotePath, Owner: acc.Name, SpaceID: acc.SpaceID})
	case err != nil:
		return nil, err
	}
	return e.SynchronizeFile(ctx, TargetFromFile(rec))
}

// SyncLocalPath synchronizes the file at rel, relative to the account's sync
// root, after a local change. Unknown files are uploaded. Local deletions are
// not propagated to the server.
func (e *Engine) SyncLocalPath(ctx context.Context, account, rel string) (Decision, error) {
	acc, err := e.config.Account(account)
	if err != nil {
		return nil, err
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if e.skip(rel, false) || IsSyncArtifact(path.Base(rel)) {
		return AlreadySynchronized{}, nil
	}

	abs := filepath.Join(acc.SyncRoot, filepath.FromSlash(rel))
	info, statErr := os.Stat(abs)
	if statErr != nil || info.IsDir() {
		return AlreadySynchronized{}, nil
	}

	remotePath := path.Join(acc.RemoteRoot, rel)
	rec, err := e.store.GetFileByRemotePath(ctx, acc.Name, acc.SpaceID, remotePath)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return e.syncUnknownLocal(ctx, acc, remotePath, abs)
	case err != nil:
		return nil, err
	}

	t := TargetFromFile(rec)
	if t.LocalPath == "" {
		t.LocalPath = abs
	}
	mtime := info.ModTime()
	t.LocalModifiedAt = &mtime
	return e.SynchronizeFile(ctx, t)
}

// syncUnknownLocal handles a local file without a record. It is uploaded only
// when the server has nothing at its path; otherwise it counts as never synced
// and goes through the decision table, which keeps both versions.
func (e *Engine) syncUnknownLocal(ctx context.Context, acc *config.AccountConfig, remotePath, localPath string) (Decision, error) {
	rem, err := e.remotes(acc.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get client for %s: %w", acc.Name, err)
	}

	t := SyncTarget{RemotePath: remotePath, Owner: acc.Name, SpaceID: acc.SpaceID, LocalPath: localPath}
	_, err = rem.ReadFile(ctx, remotePath, acc.SpaceID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return e.upload(ctx, t, localPath)
	case err != nil:
		return nil, fmt.Errorf("failed to read remote metadata of %s: %w", remotePath, err)
	}

	e.logger.Info("local file also exists on server", "account", acc.Name, "remote_path", remotePath)
	return e.SynchronizeFile(ctx, t)
}

func (e *Engine) download(ctx context.Context, t SyncTarget, rf *remote.RemoteFile, localPath string) (Decision, error) {
	jobID, err := e.enqueueDownload(ctx, t, rf, localPath)
	if err != nil {
		return nil, err
	}
	return DownloadEnqueued{JobID: jobID}, nil
}

func (e *Engine) enqueueDownload(ctx context.Context, t SyncTarget, rf *remote.RemoteFile, localPath string) (uuid.UUID, error) {
	record := &db.File{
		Account:    t.Owner,
		SpaceID:    t.SpaceID,
		RemotePath: t.RemotePath,
		SizeBytes:  rf.Size,
	}
	if err := e.store.UpsertFile(ctx, record); err != nil {
		return uuid.Nil, err
	}

	jobID, err := e.transfers.EnqueueDownload(ctx, t.Owner, record, localPath)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue download of %s: %w", t.RemotePath, err)
	}
	return jobID, nil
}

func (e *Engine) upload(ctx context.Context, t SyncTarget, localPath string) (Decision, error) {
	jobID, err := e.transfers.EnqueueUpload(ctx, t.Owner, localPath, path.Dir(t.RemotePath), t.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue upload of %s: %w", localPath, err)
	}
	return UploadEnqueued{JobID: jobID}, nil
}

// resolveConflict moves the local file aside and downloads the remote version.
// The local file is never overwritten: if it cannot be moved nothing happens.
func (e *Engine) resolveConflict(ctx context.Context, rem Remote, t SyncTarget, rf *remote.RemoteFile, localPath string, log *slog.Logger) (Decision, error) {
	copyPath := ConflictedCopyPath(localPath, e.now())

	err := fs.ErrExist
	if _, statErr := os.Lstat(copyPath); os.IsNotExist(statErr) {
		err = e.rename(localPath, copyPath)
	}
	if err != nil {
		log.Error("conflict detected but local file could not be moved aside", "path", localPath, "error", err)
		return AlreadySynchronized{UnresolvedConflict: true}, nil
	}
	log.Warn("conflict detected, local version kept as copy", "copy", copyPath)

	e.refreshFolder(ctx, rem, t.Owner, t.SpaceID, db.ParentOf(t.RemotePath), log)

	jobID, err := e.enqueueDownload(ctx, t, rf, localPath)
	if err != nil {
		return nil, err
	}
	return ConflictResolvedWithCopy{JobID: jobID, ConflictedCopyPath: copyPath}, nil
}

// forget drops the record of a file that vanished from the server
func (e *Engine) forget(ctx context.Context, t SyncTarget, purgeLocal bool, log *slog.Logger) {
	rec, err := e.store.GetFileByRemotePath(ctx, t.Owner, t.SpaceID, t.RemotePath)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("failed to look up stale record", "error", err)
		return
	}

	if err := e.store.DeleteFiles(ctx, []*db.File{rec}, purgeLocal); err != nil {
		log.Warn("failed to delete stale record", "error", err)
		return
	}
	log.Info("file removed on server, record deleted", "purged_local", purgeLocal)
}

// refreshFolder reloads the stored children of a remote folder; failures are only logged
func (e *Engine) refreshFolder(ctx context.Context, rem Remote, account, spaceID, folder string, log *slog.Logger) {
	entries, err := rem.ListFolder(ctx, folder, spaceID)
	if err != nil {
		log.Warn("failed to refresh folder", "folder", folder, "error", err)
		return
	}

	children := make([]db.File, 0, len(entries))
	for _, rf := range entries {
		children = append(children, fileFromRemote(rf))
	}
	if err := e.store.ReplaceFolderChildren(ctx, account, spaceID, folder, children); err != nil {
		log.Warn("failed to store folder listing", "folder", folder, "error", err)
	}
}

// ReconcileResult counts what a reconcile did
type ReconcileResult struct {
	NewRemote  int
	NewLocal   int
	Checked    int
	Downloads  int
	Uploads    int
	Conflicts  int
	Unresolved int
	NotFound   int
	Unchanged  int
	Failed     int
}

func (r *ReconcileResult) record(d Decision) {
	switch d := d.(type) {
	case FileNotFound:
		r.NotFound++
	case DownloadEnqueued:
		r.Downloads++
	case UploadEnqueued:
		r.Uploads++
	case ConflictResolvedWithCopy:
		r.Conflicts++
	case AlreadySynchronized:
		if d.UnresolvedConflict {
			r.Unresolved++
		} else {
			r.Unchanged++
		}
	default:
		panic(fmt.Sprintf("unknown decision %T", d))
	}
}

// Reconcile brings a whole account in sync: new remote files are recorded,
// every recorded file goes through SynchronizeFile and local files the
// server has never seen are uploaded.
func (e *Engine) Reconcile(ctx context.Context, account string) (*ReconcileResult, error) {
	acc, err := e.config.Account(account)
	if err != nil {
		return nil, err
	}
	rem, err := e.remotes(account)
	if err != nil {
		return nil, fmt.Errorf("failed to get client for %s: %w", account, err)
	}

	log := e.logger.With("account", account)
	log.Info("starting reconciliation")
	start := time.Now()
	res := &ReconcileResult{}

	if err := e.discoverRemote(ctx, rem, acc, res, log); err != nil {
		return nil, err
	}

	files, err := e.store.ListFiles(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	files = e.inScope(acc, files)

	if err := e.checkFiles(ctx, files, res, log); err != nil {
		return nil, err
	}

	if err := e.discoverLocal(ctx, acc, files, res, log); err != nil {
		return nil, err
	}

	e.prefs.SetLastReconcile(account, e.now())
	if err := e.prefs.Save(); err != nil {
		log.Warn("failed to save preferences", "error", err)
	}

	log.Info("reconciliation completed",
		"checked", res.Checked,
		"downloads", res.Downloads,
		"uploads", res.Uploads,
		"conflicts", res.Conflicts,
		"failed", res.Failed,
		"duration_s", time.Since(start).Seconds())
	return res, nil
}

// discoverRemote walks the remote tree and records files not seen before
func (e *Engine) discoverRemote(ctx context.Context, rem Remote, acc *config.AccountConfig, res *ReconcileResult, log *slog.Logger) error {
	queue := []string{acc.RemoteRoot}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		folder := queue[0]
		queue = queue[1:]

		entries, err := rem.ListFolder(ctx, folder, acc.SpaceID)
		if err != nil {
			if folder == acc.RemoteRoot {
				return fmt.Errorf("failed to list %s: %w", folder, err)
			}
			log.Warn("failed to list folder", "folder", folder, "error", err)
			continue
		}

		for _, rf := range entries {
			rel, ok := relRemote(acc.RemoteRoot, rf.Path)
			if !ok || e.skip(rel, rf.IsDir) || IsSyncArtifact(rf.Name) {
				continue
			}
			if rf.IsDir {
				queue = append(queue, rf.Path)
				continue
			}

			_, err := e.store.GetFileByRemotePath(ctx, acc.Name, acc.SpaceID, rf.Path)
			if err == nil {
				continue
			}
			if !errors.Is(err, db.ErrNotFound) {
				return err
			}

			f := fileFromRemote(rf)
			f.Account = acc.Name
			f.SpaceID = acc.SpaceID
			if err := e.store.UpsertFile(ctx, &f); err != nil {
				return err
			}
			res.NewRemote++
		}
	}
	return nil
}

// checkFiles runs SynchronizeFile over files with bounded parallelism.
// Per-file failures are counted, only cancellation aborts.
func (e *Engine) checkFiles(ctx context.Context, files []*db.File, res *ReconcileResult, log *slog.Logger) error {
	bar := e.newBar(len(files), "Checking files")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	var mu sync.Mutex

	for _, f := range files {
		g.Go(func() error {
			defer bar.Add(1)
			d, err := e.SynchronizeFile(gctx, TargetFromFile(f))

			mu.Lock()
			defer mu.Unlock()
			res.Checked++
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.Failed++
				log.Error("failed to synchronize file", "remote_path", f.RemotePath, "error", err)
				return nil
			}
			res.record(d)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	bar.Finish()
	return nil
}

// discoverLocal syncs files under the sync root that have no record
func (e *Engine) discoverLocal(ctx context.Context, acc *config.AccountConfig, files []*db.File, res *ReconcileResult, log *slog.Logger) error {
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f.RemotePath] = true
	}

	var toUpload []string
	err := filepath.WalkDir(acc.SyncRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if p == acc.SyncRoot {
			return nil
		}

		relPath, _ := filepath.Rel(acc.SyncRoot, p)
		relPath = filepath.ToSlash(relPath)

		if e.skip(relPath, d.IsDir()) || IsSyncArtifact(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		if !known[path.Join(acc.RemoteRoot, relPath)] {
			toUpload = append(toUpload, relPath)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", acc.SyncRoot, err)
	}

	for _, relPath := range toUpload {
		if err := ctx.Err(); err != nil {
			return err
		}
		remotePath := path.Join(acc.RemoteRoot, relPath)
		abs := filepath.Join(acc.SyncRoot, filepath.FromSlash(relPath))
		d, err := e.syncUnknownLocal(ctx, acc, remotePath, abs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Failed++
			log.Warn("failed to sync new local file", "path", relPath, "error", err)
			continue
		}
		if _, ok := d.(UploadEnqueued); ok {
			res.NewLocal++
			log.Info("new local file", "path", relPath)
			continue
		}
		res.record(d)
	}
	return nil
}

// inScope keeps the records of the account's space under its remote root
func (e *Engine) inScope(acc *config.AccountConfig, files []*db.File) []*db.File {
	kept := files[:0]
	for _, f := range files {
		if f.SpaceID != acc.SpaceID {
			continue
		}
		if _, ok := relRemote(acc.RemoteRoot, f.RemotePath); !ok {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// skip reports whether relPath is excluded by the ignore patterns, or for
// files, not matched by the include patterns
func (e *Engine) skip(relPath string, isDir bool) bool {
	for _, pattern := range e.config.IgnorePatterns {
		matched, err := doublestar.Match(pattern, relPath)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}

	if isDir || len(e.config.IncludePatterns) == 0 {
		return false
	}
	for _, pattern := range e.config.IncludePatterns {
		if matched, _ := doublestar.Match(pattern, relPath); matched {
			return false
		}
	}
	return true // Didn't match any include pattern
}

func (e *Engine) newBar(n int, desc string) *progressbar.ProgressBar {
	w := e.opts.Progress
	if w == nil {
		w = io.Discard
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)
}

// IsSyncArtifact reports whether name is a file the sync itself produces:
// a conflicted copy or a partial download
func IsSyncArtifact(name string) bool {
	return strings.Contains(name, conflictMarker) || strings.HasPrefix(name, transfer.TempPrefix)
}

func fileFromRemote(rf remote.RemoteFile) db.File {
	// Etag stays empty: the file has not been synced yet
	return db.File{
		RemotePath: rf.Path,
		SizeBytes:  rf.Size,
		IsDir:      rf.IsDir,
	}
}

// localPathFor maps a remote path to its place under the account's sync root
func localPathFor(acc *config.AccountConfig, remotePath string) (string, error) {
	rel, ok := relRemote(acc.RemoteRoot, remotePath)
	if !ok || rel == "" {
		return "", fmt.Errorf("%s is outside the remote root %s of account %s", remotePath, acc.RemoteRoot, acc.Name)
	}
	return filepath.Join(acc.SyncRoot, filepath.FromSlash(rel)), nil
}

// relRemote returns remotePath relative to root, slash separated
func relRemote(root, remotePath string) (string, bool) {
	remotePath = path.Clean("/" + remotePath)
	root = path.Clean("/" + root)
	if root == "/" {
		return strings.TrimPrefix(remotePath, "/"), true
	}
	if remotePath == root {
		return "", true
	}
	if !strings.HasPrefix(remotePath, root+"/") {
		return "", false
	}
	return remotePath[len(root)+1:], true
}
