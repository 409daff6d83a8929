package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	defaultChunkSize       = 10 * 1024 * 1024
	defaultConflictRetries = 3
	cleanupTimeout         = 30 * time.Second
)

// SessionStore persists session progress so an interrupted upload can resume.
// The worker driving an upload is the only writer of its session.
type SessionStore interface {
	// SaveSession stores the full session right after the server created it
	SaveSession(ctx context.Context, s *Session) error
	// SaveOffset stores a newly acknowledged or resynchronized offset
	SaveOffset(ctx context.Context, s *Session) error
}

// UploaderConfig tunes an Uploader
type UploaderConfig struct {
	ChunkSize          int64
	CreationWithUpload bool
	// ConflictRetries bounds how many Head resyncs follow offset conflicts
	ConflictRetries int
}

// Uploader drives a Session through create, patch and resync until complete
type Uploader struct {
	client *Client
	cfg    UploaderConfig
	logger *slog.Logger
}

// NewUploader creates an uploader using client for the protocol requests
func NewUploader(client *Client, cfg UploaderConfig, logger *slog.Logger) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{client: client, cfg: cfg, logger: logger}
}

// Upload sends file to the server. A session without upload URL is created at
// endpoint; a restored session is resynchronized with Head first. On return
// the session is Completed, Cancelled or Failed.
func (u *Uploader) Upload(ctx context.Context, token *CancelToken, file io.ReaderAt, endpoint string, s *Session, store SessionStore, listeners ...ProgressListener) error {
	if token.Cancelled() {
		s.Cancel()
		return &Error{Op: "upload", Code: CodeCancelled, Err: ErrCancelled}
	}
	if s.Terminal() {
		return fmt.Errorf("%w: upload session is %s", ErrInvalidTransition, s.State())
	}

	log := u.logger.With("length", s.Length)

	if s.State() == StateNotStarted {
		if err := u.create(ctx, token, file, endpoint, s, store, listeners); err != nil {
			return u.finish(ctx, s, err)
		}
		log = log.With("url", s.UploadURL)
		log.Debug("upload session created", "offset", s.Offset)
	} else {
		log = log.With("url", s.UploadURL)
		if err := u.resync(ctx, token, s, store); err != nil {
			return u.finish(ctx, s, err)
		}
		log.Info("resuming upload", "offset", s.Offset, "remaining", s.Remaining())
	}

	conflicts := 0
	for s.Offset < s.Length {
		if err := s.BeginPatch(); err != nil {
			return err
		}

		offset, err := u.client.Patch(ctx, token, PatchRequest{
			UploadURL:  s.UploadURL,
			File:       file,
			FileLength: s.Length,
			Offset:     s.Offset,
			ChunkSize:  u.cfg.ChunkSize,
			Listeners:  listeners,
		})
		if err != nil {
			if CodeOf(err) != CodeConflict {
				return u.finish(ctx, s, err)
			}

			s.Fail(err)
			conflicts++
			if conflicts > u.cfg.ConflictRetries {
				return u.finish(ctx, s, fmt.Errorf("giving up after %d offset conflicts: %w", conflicts-1, err))
			}
			log.Warn("offset conflict, re-querying server offset", "offset", s.Offset, "attempt", conflicts)
			if err := u.resync(ctx, token, s, store); err != nil {
				return u.finish(ctx, s, err)
			}
			continue
		}

		if err := s.Acknowledge(offset); err != nil {
			s.Fail(err)
			return err
		}
		if err := store.SaveOffset(ctx, s); err != nil {
			log.Warn("failed to persist upload offset", "offset", s.Offset, "error", err)
		}
		log.Debug("chunk acknowledged", "offset", s.Offset)
	}

	if err := s.Complete(); err != nil {
		return err
	}
	log.Info("upload completed")
	return nil
}

// Abort cancels the session and terminates the upload on the server
func (u *Uploader) Abort(ctx context.Context, s *Session) error {
	s.Cancel()
	if s.UploadURL == "" {
		return nil
	}
	if err := u.client.Delete(ctx, nil, s.UploadURL); err != nil && CodeOf(err) != CodeNotFound {
		return err
	}
	return nil
}

func (u *Uploader) create(ctx context.Context, token *CancelToken, file io.ReaderAt, endpoint string, s *Session, store SessionStore, listeners []ProgressListener) error {
	req := CreateRequest{
		Endpoint: endpoint,
		Length:   s.Length,
		Metadata: s.Metadata,
		Concat:   s.Concat,
	}
	if u.cfg.CreationWithUpload {
		req.File = file
		req.ChunkSize = u.cfg.ChunkSize
		req.Listeners = listeners
	}

	res, err := u.client.Create(ctx, token, req)
	if err != nil {
		return err
	}
	if err := s.Created(res.UploadURL, res.Offset, res.ExpiresAt); err != nil {
		return err
	}
	if err := store.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("failed to persist upload session: %w", err)
	}
	return nil
}

func (u *Uploader) resync(ctx context.Context, token *CancelToken, s *Session, store SessionStore) error {
	info, err := u.client.Head(ctx, token, s.UploadURL)
	if err != nil {
		return err
	}
	if info.Length >= 0 && info.Length != s.Length {
		return &Error{Op: "head", Code: CodeInvalidResponse, Err: fmt.Errorf("server length %d differs from local length %d", info.Length, s.Length)}
	}
	if err := s.Resync(info.Offset, info.ExpiresAt); err != nil {
		return err
	}
	if err := store.SaveOffset(ctx, s); err != nil {
		u.logger.Warn("failed to persist resynced offset", "url", s.UploadURL, "error", err)
	}
	return nil
}

// finish records the failure on the session; cancellation also cleans up server state
func (u *Uploader) finish(ctx context.Context, s *Session, err error) error {
	if !errors.Is(err, ErrCancelled) {
		s.Fail(err)
		return err
	}

	s.Cancel()
	if s.UploadURL != "" {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if delErr := u.client.Delete(cleanupCtx, nil, s.UploadURL); delErr != nil && CodeOf(delErr) != CodeNotFound {
			u.logger.Warn("failed to delete cancelled upload", "url", s.UploadURL, "error", delErr)
		}
	}
	return err
}
