package tus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeServer is an in-memory resumable upload endpoint for tests
type fakeServer struct {
	t *testing.T

	mu        sync.Mutex
	uploads   map[string]*fakeUpload
	nextID    int
	requests  int
	methods   []string
	deleted   []string
	conflicts int  // number of upcoming PATCH requests to answer with 412
	stall     bool // accept PATCH bodies without advancing the offset
	patchSize []int64

	srv *httptest.Server
}

type fakeUpload struct {
	length   int64
	data     []byte
	metadata string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, uploads: make(map[string]*fakeUpload)}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) endpoint() string {
	return fs.srv.URL + "/remote.php/dav/files/u1/Documents"
}

func (fs *fakeServer) requestCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests
}

func (fs *fakeServer) upload(id string) *fakeUpload {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.uploads[id]
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.requests++
	fs.methods = append(fs.methods, r.Method)
	fs.mu.Unlock()

	if r.Header.Get(HeaderTusResumable) != ProtocolVersion && r.Method != http.MethodOptions {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set(HeaderTusVersion, "1.0.0,0.2.2")
		w.Header().Set(HeaderTusExtension, "creation,creation-with-upload,termination,expiration")
		w.Header().Set(HeaderTusMaxSize, "1073741824")
		w.WriteHeader(http.StatusNoContent)

	case http.MethodPost:
		length, err := strconv.ParseInt(r.Header.Get(HeaderUploadLength), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)

		fs.mu.Lock()
		fs.nextID++
		id := fmt.Sprintf("UPLD-%d", fs.nextID)
		fs.uploads[id] = &fakeUpload{length: length, data: body, metadata: r.Header.Get(HeaderUploadMetadata)}
		fs.mu.Unlock()

		w.Header().Set("Location", "/remote.php/dav/uploads/u1/"+id)
		w.Header().Set(HeaderUploadOffset, strconv.Itoa(len(body)))
		w.Header().Set(HeaderUploadExpires, "Wed, 21 Oct 2026 07:28:00 GMT")
		w.WriteHeader(http.StatusCreated)

	case http.MethodHead:
		up := fs.lookup(r)
		if up == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fs.mu.Lock()
		w.Header().Set(HeaderUploadOffset, strconv.Itoa(len(up.data)))
		w.Header().Set(HeaderUploadLength, strconv.FormatInt(up.length, 10))
		fs.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case http.MethodPatch:
		up := fs.lookup(r)
		if up == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Content-Type") != ContentTypeOffsetOctetStream {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		offset, _ := strconv.ParseInt(r.Header.Get(HeaderUploadOffset), 10, 64)

		fs.mu.Lock()
		inject := fs.conflicts > 0
		if inject {
			fs.conflicts--
		}
		mismatch := offset != int64(len(up.data))
		fs.mu.Unlock()

		if inject || mismatch {
			_, _ = io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			return
		}

		fs.mu.Lock()
		if fs.stall {
			fs.mu.Unlock()
			w.Header().Set(HeaderUploadOffset, strconv.FormatInt(offset, 10))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		up.data = append(up.data, body...)
		fs.patchSize = append(fs.patchSize, int64(len(body)))
		newOffset := len(up.data)
		fs.mu.Unlock()

		w.Header().Set(HeaderUploadOffset, strconv.Itoa(newOffset))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		id := uploadID(r)
		fs.mu.Lock()
		_, ok := fs.uploads[id]
		delete(fs.uploads, id)
		fs.deleted = append(fs.deleted, id)
		fs.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fs *fakeServer) lookup(r *http.Request) *fakeUpload {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.uploads[uploadID(r)]
}

func uploadID(r *http.Request) string {
	return r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
}

// memStore records what the uploader persisted
type memStore struct {
	mu      sync.Mutex
	url     string
	offsets []int64
}

func (m *memStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = s.UploadURL
	return nil
}

func (m *memStore) SaveOffset(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets = append(m.offsets, s.Offset)
	return nil
}
