package sync

import (
	"context"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vonshlovens/cloudsync/internal/db"
	"github.com/vonshlovens/cloudsync/internal/remote"
)

type fakeRemote struct {
	mu      sync.Mutex
	files   map[string]remote.RemoteFile
	readErr error
	listErr error
	listed  []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[string]remote.RemoteFile)}
}

func (r *fakeRemote) add(remotePath, etag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[remotePath] = remote.RemoteFile{Path: remotePath, Name: path.Base(remotePath), Etag: etag, Size: 3}
}

func (r *fakeRemote) addDir(remotePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[remotePath] = remote.RemoteFile{Path: remotePath, Name: path.Base(remotePath), IsDir: true}
}

func (r *fakeRemote) ReadFile(_ context.Context, remotePath, _ string) (*remote.RemoteFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return nil, r.readErr
	}
	f, ok := r.files[remotePath]
	if !ok {
		return nil, &remote.StatusError{Method: "PROPFIND", Path: remotePath, StatusCode: 404}
	}
	return &f, nil
}

func (r *fakeRemote) ListFolder(_ context.Context, folder, _ string) ([]remote.RemoteFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listed = append(r.listed, folder)
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []remote.RemoteFile
	for p, f := range r.files {
		if p != folder && path.Dir(p) == folder {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// memStore mirrors the upsert semantics of the database: sync state of an
// existing record survives an upsert
type memStore struct {
	mu       sync.Mutex
	files    map[string]*db.File
	deleted  []string
	purged   []bool
	replaced []string
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string]*db.File)}
}

func storeKey(account, spaceID, remotePath string) string {
	return account + "|" + spaceID + "|" + remotePath
}

func (s *memStore) GetFileByRemotePath(_ context.Context, account, spaceID, remotePath string) (*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[storeKey(account, spaceID, remotePath)]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) UpsertFile(_ context.Context, f *db.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(f)
	return nil
}

func (s *memStore) upsertLocked(f *db.File) {
	key := storeKey(f.Account, f.SpaceID, f.RemotePath)
	if existing, ok := s.files[key]; ok {
		existing.SizeBytes = f.SizeBytes
		existing.IsDir = f.IsDir
		f.ID, f.Etag, f.LocalPath, f.LastSyncAt = existing.ID, existing.Etag, existing.LocalPath, existing.LastSyncAt
		return
	}
	f.ID = uuid.New()
	f.ParentPath = db.ParentOf(f.RemotePath)
	cp := *f
	s.files[key] = &cp
}

func (s *memStore) put(f *db.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = uuid.New()
	f.ParentPath = db.ParentOf(f.RemotePath)
	cp := *f
	s.files[storeKey(f.Account, f.SpaceID, f.RemotePath)] = &cp
}

func (s *memStore) DeleteFiles(_ context.Context, files []*db.File, purgeLocal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		delete(s.files, storeKey(f.Account, f.SpaceID, f.RemotePath))
		s.deleted = append(s.deleted, f.RemotePath)
		s.purged = append(s.purged, purgeLocal)
	}
	return nil
}

func (s *memStore) ListFiles(_ context.Context, account string) ([]*db.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.File
	for _, f := range s.files {
		if f.Account == account && !f.IsDir {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemotePath < out[j].RemotePath })
	return out, nil
}

func (s *memStore) ReplaceFolderChildren(_ context.Context, account, spaceID, parent string, children []db.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, parent)

	keep := make(map[string]bool)
	for i := range children {
		c := children[i]
		c.Account, c.SpaceID = account, spaceID
		s.upsertLocked(&c)
		keep[c.RemotePath] = true
	}
	for key, f := range s.files {
		if f.Account == account && f.SpaceID == spaceID && f.ParentPath == parent && !keep[f.RemotePath] {
			delete(s.files, key)
		}
	}
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type enqueued struct {
	account    string
	remotePath string // downloads
	localPath  string
	folder     string // uploads
	spaceID    string
}

type fakeTransfers struct {
	mu        sync.Mutex
	downloads []enqueued
	uploads   []enqueued
	err       error
}

func (f *fakeTransfers) EnqueueDownload(_ context.Context, account string, file *db.File, localPath string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.downloads = append(f.downloads, enqueued{account: account, remotePath: file.RemotePath, localPath: localPath, spaceID: file.SpaceID})
	return uuid.New(), nil
}

func (f *fakeTransfers) EnqueueUpload(_ context.Context, account, localPath, remoteFolder, spaceID string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.uploads = append(f.uploads, enqueued{account: account, localPath: localPath, folder: remoteFolder, spaceID: spaceID})
	return uuid.New(), nil
}

func (f *fakeTransfers) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloads) + len(f.uploads)
}
