package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/cloudsync/internal/db"
	"github.com/vonshlovens/cloudsync/internal/remote"
	"github.com/vonshlovens/cloudsync/internal/tus"
)

// memStore is an in-memory Store
type memStore struct {
	mu        sync.Mutex
	files     map[uuid.UUID]*db.File
	transfers map[uuid.UUID]*db.Transfer
}

func newMemStore() *memStore {
	return &memStore{files: make(map[uuid.UUID]*db.File), transfers: make(map[uuid.UUID]*db.Transfer)}
}

func (s *memStore) GetFile(_ context.Context, id uuid.UUID) (*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) UpsertFile(_ context.Context, f *db.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.files {
		if existing.Account == f.Account && existing.SpaceID == f.SpaceID && existing.RemotePath == f.RemotePath {
			existing.SizeBytes = f.SizeBytes
			f.ID = existing.ID
			f.Etag = existing.Etag
			f.LocalPath = existing.LocalPath
			return nil
		}
	}
	f.ID = uuid.New()
	f.ParentPath = db.ParentOf(f.RemotePath)
	cp := *f
	s.files[f.ID] = &cp
	return nil
}

func (s *memStore) MarkSynced(_ context.Context, id uuid.UUID, etag, localPath string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return db.ErrNotFound
	}
	f.Etag = etag
	f.LocalPath = &localPath
	f.LastSyncAt = &at
	return nil
}

func (s *memStore) SaveTransfer(_ context.Context, t *db.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.transfers[t.ID] = &cp
	return nil
}

func (s *memStore) GetTransfer(_ context.Context, id uuid.UUID) (*db.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *t
	if t.Tus != nil {
		tusCopy := *t.Tus
		cp.Tus = &tusCopy
	}
	return &cp, nil
}

func (s *memStore) transfer(id uuid.UUID) *db.Transfer {
	t, _ := s.GetTransfer(context.Background(), id)
	return t
}

func (s *memStore) UpdateTransferStatus(_ context.Context, id uuid.UUID, status db.TransferStatus, code, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return db.ErrNotFound
	}
	t.Status, t.ResultCode, t.Error = status, code, msg
	return nil
}

func (s *memStore) UpdateTusState(_ context.Context, id uuid.UUID, st *db.TusState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return db.ErrNotFound
	}
	cp := *st
	t.Tus = &cp
	return nil
}

func (s *memStore) UpdateTusOffset(_ context.Context, id uuid.UUID, offset int64, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok || t.Tus == nil {
		return db.ErrNotFound
	}
	t.Tus.Offset = offset
	if expiresAt != nil {
		t.Tus.ExpiresAt = expiresAt
	}
	return nil
}

func (s *memStore) ClearTusState(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return db.ErrNotFound
	}
	t.Tus = nil
	return nil
}

func (s *memStore) fileByPath(remotePath string) *db.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.RemotePath == remotePath {
			cp := *f
			return &cp
		}
	}
	return nil
}

type remoteEntry struct {
	data []byte
	etag string
}

type tusUpload struct {
	folder   string
	length   int64
	data     []byte
	metadata map[string]string
}

// fakeRemote keeps remote files in memory and serves the resumable upload
// protocol from an httptest server
type fakeRemote struct {
	mu       sync.Mutex
	files    map[string]*remoteEntry
	uploads  map[string]*tusUpload
	nextEtag int
	nextID   int
	puts     int
	creates  int
	deleted  []string
	patched  int64
	blockGet bool
	// onPut runs after a PUT body is read, before the file is stored
	onPut func()

	srv *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	r := &fakeRemote{files: make(map[string]*remoteEntry), uploads: make(map[string]*tusUpload)}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handleTus))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRemote) put(remotePath string, data []byte) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(remotePath, data)
}

func (r *fakeRemote) putLocked(remotePath string, data []byte) string {
	r.nextEtag++
	etag := fmt.Sprintf("etag-%d", r.nextEtag)
	r.files[remotePath] = &remoteEntry{data: data, etag: etag}
	return etag
}

func (r *fakeRemote) content(remotePath string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.files[remotePath]; ok {
		return e.data
	}
	return nil
}

func (r *fakeRemote) ReadFile(_ context.Context, remotePath, _ string) (*remote.RemoteFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.files[remotePath]
	if !ok {
		return nil, &remote.StatusError{Method: "PROPFIND", Path: remotePath, StatusCode: 404}
	}
	return &remote.RemoteFile{Path: remotePath, Name: path.Base(remotePath), Etag: e.etag, Size: int64(len(e.data))}, nil
}

func (r *fakeRemote) Download(ctx context.Context, remotePath, _ string, w io.Writer) (string, error) {
	r.mu.Lock()
	e, ok := r.files[remotePath]
	block := r.blockGet
	r.mu.Unlock()
	if !ok {
		return "", &remote.StatusError{Method: "GET", Path: remotePath, StatusCode: 404}
	}

	if block {
		_, _ = w.Write(e.data[:len(e.data)/2])
		<-ctx.Done()
		return "", ctx.Err()
	}
	if _, err := w.Write(e.data); err != nil {
		return "", err
	}
	return e.etag, nil
}

func (r *fakeRemote) Put(_ context.Context, remotePath, _ string, body io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("short body: %d of %d", len(data), size)
	}
	if r.onPut != nil {
		r.onPut()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts++
	return r.putLocked(remotePath, data), nil
}

func (r *fakeRemote) MkdirAll(context.Context, string, string) error { return nil }

func (r *fakeRemote) UploadURL(_, remoteFolder string) string {
	return r.srv.URL + "/files" + path.Clean("/"+remoteFolder)
}

func (r *fakeRemote) HTTPClient() *http.Client { return r.srv.Client() }

// seedUpload registers a partially uploaded session and returns its URL
func (r *fakeRemote) seedUpload(folder string, length int64, data []byte, filename string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("up-%d", r.nextID)
	r.uploads[id] = &tusUpload{folder: folder, length: length, data: append([]byte(nil), data...), metadata: map[string]string{"filename": filename}}
	return r.srv.URL + "/uploads/" + id
}

func (r *fakeRemote) handleTus(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]

	switch req.Method {
	case http.MethodOptions:
		w.Header().Set(tus.HeaderTusVersion, tus.ProtocolVersion)
		w.Header().Set(tus.HeaderTusExtension, "creation,creation-with-upload,termination")
		w.WriteHeader(http.StatusNoContent)

	case http.MethodPost:
		length, _ := strconv.ParseInt(req.Header.Get(tus.HeaderUploadLength), 10, 64)
		meta, err := tus.DecodeMetadata(req.Header.Get(tus.HeaderUploadMetadata))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(req.Body)

		r.mu.Lock()
		r.nextID++
		r.creates++
		newID := fmt.Sprintf("up-%d", r.nextID)
		up := &tusUpload{folder: strings.TrimPrefix(req.URL.Path, "/files"), length: length, data: body, metadata: meta}
		r.uploads[newID] = up
		r.completeLocked(up)
		r.mu.Unlock()

		w.Header().Set("Location", "/uploads/"+newID)
		w.Header().Set(tus.HeaderUploadOffset, strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusCreated)

	case http.MethodHead:
		r.mu.Lock()
		up, ok := r.uploads[id]
		r.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set(tus.HeaderUploadOffset, strconv.Itoa(len(up.data)))
		w.Header().Set(tus.HeaderUploadLength, strconv.FormatInt(up.length, 10))
		w.WriteHeader(http.StatusOK)

	case http.MethodPatch:
		offset, _ := strconv.ParseInt(req.Header.Get(tus.HeaderUploadOffset), 10, 64)
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return
		}
		r.mu.Lock()
		up, ok := r.uploads[id]
		if !ok {
			r.mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if offset != int64(len(up.data)) {
			r.mu.Unlock()
			w.WriteHeader(http.StatusConflict)
			return
		}
		up.data = append(up.data, body...)
		r.patched += int64(len(body))
		r.completeLocked(up)
		newOffset := len(up.data)
		r.mu.Unlock()

		w.Header().Set(tus.HeaderUploadOffset, strconv.Itoa(newOffset))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		r.mu.Lock()
		delete(r.uploads, id)
		r.deleted = append(r.deleted, id)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *fakeRemote) completeLocked(up *tusUpload) {
	if int64(len(up.data)) == up.length {
		r.putLocked(path.Join(up.folder, up.metadata["filename"]), bytes.Clone(up.data))
	}
}
