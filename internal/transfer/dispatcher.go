package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/cloudsync/internal/db"
	"github.com/vonshlovens/cloudsync/internal/remote"
	"github.com/vonshlovens/cloudsync/internal/tus"
)

const queueSize = 1024

// ErrClosed is returned when enqueueing on a closed dispatcher
var ErrClosed = errors.New("dispatcher closed")

// Store is the persistence the dispatcher needs
type Store interface {
	GetFile(ctx context.Context, id uuid.UUID) (*db.File, error)
	UpsertFile(ctx context.Context, f *db.File) error
	MarkSynced(ctx context.Context, id uuid.UUID, etag, localPath string, at time.Time) error
	SaveTransfer(ctx context.Context, t *db.Transfer) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*db.Transfer, error)
	UpdateTransferStatus(ctx context.Context, id uuid.UUID, status db.TransferStatus, resultCode, errMsg string) error
	UpdateTusState(ctx context.Context, id uuid.UUID, s *db.TusState) error
	UpdateTusOffset(ctx context.Context, id uuid.UUID, offset int64, expiresAt *time.Time) error
	ClearTusState(ctx context.Context, id uuid.UUID) error
}

// Remote is the server access the dispatcher needs for one account
type Remote interface {
	ReadFile(ctx context.Context, remotePath, spaceID string) (*remote.RemoteFile, error)
	Download(ctx context.Context, remotePath, spaceID string, w io.Writer) (string, error)
	Put(ctx context.Context, remotePath, spaceID string, r io.Reader, size int64) (string, error)
	MkdirAll(ctx context.Context, remoteFolder, spaceID string) error
	UploadURL(spaceID, remoteFolder string) string
	HTTPClient() *http.Client
}

// RemoteResolver returns the server client of an account
type RemoteResolver func(account string) (Remote, error)

// Options tunes a Dispatcher
type Options struct {
	Workers            int
	ChunkSize          int64
	TusThreshold       int64
	CreationWithUpload bool
	ConflictRetries    int
	Logger             *slog.Logger
}

// Event reports transfer progress and status changes to observers
type Event struct {
	JobID  uuid.UUID
	Kind   db.TransferKind
	Path   string
	Sent   int64
	Total  int64
	Status db.TransferStatus
	Err    error
}

type job struct {
	transfer *db.Transfer
	token    *tus.CancelToken
	ctx      context.Context
	cancel   context.CancelFunc
}

// Dispatcher runs transfers on a fixed pool of worker goroutines.
// Every job is persisted before it is queued so it survives restarts.
type Dispatcher struct {
	store   Store
	remotes RemoteResolver
	opts    Options
	logger  *slog.Logger

	queue   chan *job
	ctx     context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	active    map[uuid.UUID]*job
	observers []func(Event)
	caps      map[string]bool // account -> creation-with-upload supported
}

// NewDispatcher starts opts.Workers workers
func NewDispatcher(store Store, remotes RemoteResolver, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:   store,
		remotes: remotes,
		opts:    opts,
		logger:  opts.Logger,
		queue:   make(chan *job, queueSize),
		ctx:     ctx,
		stop:    stop,
		active:  make(map[uuid.UUID]*job),
		caps:    make(map[string]bool),
	}

	for i := 0; i < opts.Workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
	return d
}

// Observe registers fn to receive every transfer event
func (d *Dispatcher) Observe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// EnqueueDownload schedules the download of file into localPath
func (d *Dispatcher) EnqueueDownload(ctx context.Context, account string, file *db.File, localPath string) (uuid.UUID, error) {
	id := file.ID
	t := &db.Transfer{
		Account:    account,
		Kind:       db.KindDownload,
		FileID:     &id,
		LocalPath:  localPath,
		RemotePath: file.RemotePath,
		SpaceID:    file.SpaceID,
		SizeBytes:  file.SizeBytes,
	}
	return d.enqueue(ctx, t)
}

// EnqueueUpload schedules the upload of localPath into remoteFolder
func (d *Dispatcher) EnqueueUpload(ctx context.Context, account, localPath, remoteFolder, spaceID string) (uuid.UUID, error) {
	t := &db.Transfer{
		Account:    account,
		Kind:       db.KindUpload,
		LocalPath:  localPath,
		RemotePath: path.Join("/", remoteFolder, filepath.Base(localPath)),
		SpaceID:    spaceID,
	}
	return d.enqueue(ctx, t)
}

// Resume re-queues a persisted transfer, continuing its upload session if it has one
func (d *Dispatcher) Resume(ctx context.Context, transferID uuid.UUID) error {
	t, err := d.store.GetTransfer(ctx, transferID)
	if err != nil {
		return fmt.Errorf("failed to load transfer %s: %w", transferID, err)
	}
	if t.Status == db.StatusSucceeded {
		return fmt.Errorf("transfer %s already succeeded", transferID)
	}

	d.mu.Lock()
	_, running := d.active[transferID]
	d.mu.Unlock()
	if running {
		return nil
	}

	if err := d.store.UpdateTransferStatus(ctx, t.ID, db.StatusQueued, "", ""); err != nil {
		return fmt.Errorf("failed to requeue transfer: %w", err)
	}
	t.Status = db.StatusQueued
	return d.submit(ctx, t)
}

// Cancel aborts a queued or running job. It reports whether the job was known.
func (d *Dispatcher) Cancel(jobID uuid.UUID) bool {
	d.mu.Lock()
	j, ok := d.active[jobID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	j.token.Cancel()
	j.cancel()
	return true
}

// CancelTransfer cancels a transfer by id. A job of this dispatcher is
// interrupted in place. A stored transfer is marked cancelled and its server
// upload session terminated; one that is in progress elsewhere is refused
// unless force is set.
func (d *Dispatcher) CancelTransfer(ctx context.Context, id uuid.UUID, force bool) error {
	if d.Cancel(id) {
		return nil
	}

	t, err := d.store.GetTransfer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load transfer %s: %w", id, err)
	}
	switch t.Status {
	case db.StatusSucceeded, db.StatusCancelled:
		return fmt.Errorf("transfer %s already %s", id, t.Status)
	case db.StatusInProgress:
		if !force {
			return fmt.Errorf("transfer %s is in progress in another process", id)
		}
	}

	if t.Tus != nil && t.Tus.UploadURL != "" {
		rem, err := d.remotes(t.Account)
		if err != nil {
			return fmt.Errorf("failed to get client for %s: %w", t.Account, err)
		}
		client := tus.NewClient(rem.HTTPClient(), d.logger)
		if err := client.Delete(ctx, nil, t.Tus.UploadURL); err != nil && tus.CodeOf(err) != tus.CodeNotFound {
			return fmt.Errorf("failed to terminate upload session: %w", err)
		}
		if err := d.store.ClearTusState(ctx, id); err != nil {
			return err
		}
	}

	if err := d.store.UpdateTransferStatus(ctx, id, db.StatusCancelled, tus.CodeCancelled.String(), "cancelled"); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}
	d.logger.Info("transfer cancelled", "id", id, "kind", t.Kind, "remote_path", t.RemotePath)
	return nil
}

// Wait blocks until every queued job has finished
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close stops the workers. Running jobs are interrupted and stay queued in the
// store so a later Resume can pick them up.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.stop()
	d.workers.Wait()
	d.drainQueue()
}

func (d *Dispatcher) enqueue(ctx context.Context, t *db.Transfer) (uuid.UUID, error) {
	t.ID = uuid.New()
	t.Status = db.StatusQueued
	if err := d.store.SaveTransfer(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist transfer: %w", err)
	}
	if err := d.submit(ctx, t); err != nil {
		return uuid.Nil, err
	}
	return t.ID, nil
}

func (d *Dispatcher) submit(ctx context.Context, t *db.Transfer) error {
	jobCtx, cancel := context.WithCancel(d.ctx)
	j := &job{transfer: t, token: tus.NewCancelToken(), ctx: jobCtx, cancel: cancel}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return ErrClosed
	}
	d.active[t.ID] = j
	d.pending.Add(1)
	d.mu.Unlock()

	select {
	case d.queue <- j:
		d.logger.Debug("transfer queued", "id", t.ID, "kind", t.Kind, "remote_path", t.RemotePath)
		return nil
	case <-ctx.Done():
	case <-d.ctx.Done():
	}

	d.release(j)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrClosed
}

func (d *Dispatcher) release(j *job) {
	j.cancel()
	d.mu.Lock()
	delete(d.active, j.transfer.ID)
	d.mu.Unlock()
	d.pending.Done()
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.drainQueue()
			return
		case j := <-d.queue:
			d.run(j)
		}
	}
}

// drainQueue releases jobs that never started; they stay queued in the store
func (d *Dispatcher) drainQueue() {
	for {
		select {
		case j := <-d.queue:
			d.release(j)
		default:
			return
		}
	}
}

func (d *Dispatcher) run(j *job) {
	defer d.release(j)

	t := j.transfer
	log := d.logger.With("id", t.ID, "kind", t.Kind, "remote_path", t.RemotePath)
	// Status writes must land even when the job context is gone
	storeCtx := context.WithoutCancel(j.ctx)

	if j.token.Cancelled() {
		d.finish(storeCtx, log, j, &tus.Error{Op: string(t.Kind), Code: tus.CodeCancelled, Err: tus.ErrCancelled})
		return
	}

	if err := d.store.UpdateTransferStatus(storeCtx, t.ID, db.StatusInProgress, "", ""); err != nil {
		log.Warn("failed to mark transfer in progress", "error", err)
	}
	t.Status = db.StatusInProgress
	d.emit(Event{JobID: t.ID, Kind: t.Kind, Path: t.LocalPath, Total: t.SizeBytes, Status: t.Status})

	start := time.Now()
	rem, err := d.remotes(t.Account)
	if err == nil {
		switch t.Kind {
		case db.KindDownload:
			err = d.download(j, rem, log)
		case db.KindUpload:
			err = d.upload(j, rem, log)
		default:
			err = fmt.Errorf("unknown transfer kind %q", t.Kind)
		}
	}

	d.finish(storeCtx, log, j, err)
	if err == nil {
		log.Info("transfer completed", "duration_ms", time.Since(start).Milliseconds())
	}
}

func (d *Dispatcher) finish(ctx context.Context, log *slog.Logger, j *job, err error) {
	t := j.transfer
	status, code := outcome(err, j.token.Cancelled(), d.ctx.Err() != nil)

	msg := ""
	if err != nil {
		msg = err.Error()
		switch status {
		case db.StatusQueued:
			log.Info("transfer interrupted, left queued", "error", err)
		case db.StatusCancelled:
			log.Info("transfer cancelled")
		default:
			log.Error("transfer failed", "code", code, "error", err)
		}
	}

	if uerr := d.store.UpdateTransferStatus(ctx, t.ID, status, code, msg); uerr != nil {
		log.Warn("failed to record transfer status", "status", status, "error", uerr)
	}
	t.Status = status
	t.ResultCode = code
	d.emit(Event{JobID: t.ID, Kind: t.Kind, Path: t.LocalPath, Total: t.SizeBytes, Status: status, Err: err})
}

// outcome maps a job result to its stored status and result code
func outcome(err error, cancelled, shuttingDown bool) (db.TransferStatus, string) {
	switch {
	case err == nil:
		return db.StatusSucceeded, tus.CodeOK.String()
	case cancelled:
		return db.StatusCancelled, tus.CodeCancelled.String()
	case shuttingDown:
		return db.StatusQueued, "INTERRUPTED"
	case errors.Is(err, remote.ErrNotFound):
		return db.StatusFailed, tus.CodeNotFound.String()
	}
	return db.StatusFailed, tus.CodeOf(err).String()
}

func (d *Dispatcher) emit(e Event) {
	d.mu.Lock()
	observers := d.observers
	d.mu.Unlock()
	for _, fn := range observers {
		fn(e)
	}
}
