package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/studio-b12/gowebdav"
)

const defaultRetryDelay = 500 * time.Millisecond

// RemoteFile is the metadata the server reports for a file or folder
type RemoteFile struct {
	Path        string // rooted at the account's DAV root, e.g. "/Documents/a.txt"
	Name        string
	Etag        string
	Size        int64
	ModTime     time.Time
	ContentType string
	IsDir       bool
}

// Options configures a Client
type Options struct {
	ServerURL     string
	Username      string
	Password      string
	RetryAttempts int
	RetryDelay    time.Duration
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Client talks WebDAV to one account on an ownCloud compatible server.
// Every space gets its own WebDAV client rooted at the space's DAV root.
type Client struct {
	base     *url.URL
	username string
	password string
	timeout  time.Duration
	http     *http.Client
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	dav map[string]*gowebdav.Client // space ID -> client
}

// New creates a client authenticated with basic auth
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https, got %q", opts.ServerURL)
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("username is required")
	}

	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:     base,
		username: opts.Username,
		password: opts.Password,
		timeout:  opts.Timeout,
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &basicAuthTransport{
				username: opts.Username,
				password: opts.Password,
				next:     http.DefaultTransport,
			},
		},
		attempts: max(opts.RetryAttempts, 0),
		delay:    delay,
		logger:   logger.With("server", base.Host, "user", opts.Username),
		dav:      make(map[string]*gowebdav.Client),
	}, nil
}

// HTTPClient returns the authenticated client, shared with the upload protocol client
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Close releases idle connections
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// davRoot returns the URL path under which remote paths live
func (c *Client) davRoot(spaceID string) string {
	if spaceID != "" {
		return c.base.Path + "/dav/spaces/" + spaceID
	}
	return c.base.Path + "/remote.php/dav/files/" + c.username
}

// davClient returns the WebDAV client of a space. Its root is unescaped;
// gowebdav escapes every request path itself.
func (c *Client) davClient(spaceID string) *gowebdav.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dc, ok := c.dav[spaceID]; ok {
		return dc
	}
	root := c.base.Scheme + "://" + c.base.Host + c.davRoot(spaceID)
	dc := gowebdav.NewClient(root, c.username, c.password)
	dc.SetTransport(c.http.Transport)
	dc.SetTimeout(c.timeout)
	c.dav[spaceID] = dc
	return dc
}

func (c *Client) resourceURL(remotePath, spaceID string) string {
	u := *c.base
	u.Path = c.davRoot(spaceID) + cleanRemotePath(remotePath)
	u.RawPath = ""
	return u.String()
}

// UploadURL returns the resumable-upload creation endpoint for a remote folder
func (c *Client) UploadURL(spaceID, remoteFolder string) string {
	return c.resourceURL(remoteFolder, spaceID)
}

// ReadFile returns the metadata of a single remote resource
func (c *Client) ReadFile(ctx context.Context, remotePath, spaceID string) (*RemoteFile, error) {
	p := cleanRemotePath(remotePath)
	dc := c.davClient(spaceID)

	var info os.FileInfo
	err := c.idempotent(ctx, "PROPFIND", p, func() error {
		fi, err := dc.Stat(p)
		if err != nil {
			return err
		}
		if f, ok := fi.(*gowebdav.File); ok && f == nil {
			return fmt.Errorf("empty multistatus")
		}
		info = fi
		return nil
	})
	if err != nil {
		return nil, err
	}
	return remoteFile(p, info), nil
}

// ListFolder returns the direct children of a remote folder, excluding the folder itself
func (c *Client) ListFolder(ctx context.Context, remoteFolder, spaceID string) ([]RemoteFile, error) {
	folder := cleanRemotePath(remoteFolder)
	dc := c.davClient(spaceID)

	var infos []os.FileInfo
	err := c.idempotent(ctx, "PROPFIND", folder, func() error {
		var err error
		infos, err = dc.ReadDir(folder)
		return err
	})
	if err != nil {
		return nil, err
	}

	children := make([]RemoteFile, 0, len(infos))
	for _, fi := range infos {
		children = append(children, *remoteFile(path.Join(folder, fi.Name()), fi))
	}
	return children, nil
}

// Download streams the remote file into w and returns its etag.
// The etag is read before the content so a concurrent change shows up as a
// newer etag on the next sync rather than being lost.
func (c *Client) Download(ctx context.Context, remotePath, spaceID string, w io.Writer) (string, error) {
	f, err := c.ReadFile(ctx, remotePath, spaceID)
	if err != nil {
		return "", err
	}
	if f.IsDir {
		return "", fmt.Errorf("GET %s: is a folder", f.Path)
	}

	dc := c.davClient(spaceID)
	var body io.ReadCloser
	err = c.idempotent(ctx, http.MethodGet, f.Path, func() error {
		var err error
		body, err = dc.ReadStream(f.Path)
		return err
	})
	if err != nil {
		return "", err
	}
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	if _, err := io.Copy(w, body); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	return f.Etag, nil
}

// Put uploads r as the full content of remotePath and returns the new etag.
// Missing parent folders are created. The body is not replayable, so the
// request is not retried.
func (c *Client) Put(ctx context.Context, remotePath, spaceID string, r io.Reader, size int64) (string, error) {
	p := cleanRemotePath(remotePath)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	body := &contextReader{ctx: ctx, r: io.LimitReader(r, size)}
	if err := c.davClient(spaceID).WriteStream(p, body, 0644); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", c.davError(http.MethodPut, p, err)
	}

	f, err := c.ReadFile(ctx, p, spaceID)
	if err != nil {
		return "", fmt.Errorf("failed to read etag after upload: %w", err)
	}
	return f.Etag, nil
}

// MkdirAll creates remoteFolder and any missing parents
func (c *Client) MkdirAll(ctx context.Context, remoteFolder, spaceID string) error {
	folder := cleanRemotePath(remoteFolder)
	if folder == "/" {
		return nil
	}
	dc := c.davClient(spaceID)
	return c.idempotent(ctx, "MKCOL", folder, func() error {
		return dc.MkdirAll(folder, 0755)
	})
}

// idempotent runs fn, retrying transport errors and 5xx responses with
// fibonacci backoff. Errors come back as *StatusError where the server
// answered with a status.
func (c *Client) idempotent(ctx context.Context, method, remotePath string, fn func() error) error {
	backoff := retry.WithMaxRetries(uint64(c.attempts), retry.NewFibonacci(c.delay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		err = c.davError(method, remotePath, err)

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		c.logger.Debug("request failed, retrying", "method", method, "path", remotePath, "error", err)
		return retry.RetryableError(err)
	})
}

// davError maps a gowebdav error onto StatusError when the server answered
func (c *Client) davError(method, remotePath string, err error) error {
	var se gowebdav.StatusError
	if errors.As(err, &se) {
		return &StatusError{Method: method, Path: remotePath, StatusCode: se.Status}
	}
	return fmt.Errorf("%s %s: %w", method, remotePath, err)
}

// davFile is the metadata gowebdav reports beyond os.FileInfo
type davFile interface {
	ETag() string
	ContentType() string
}

func remoteFile(p string, fi os.FileInfo) *RemoteFile {
	f := &RemoteFile{
		Path:    p,
		Name:    path.Base(p),
		Size:    fi.Size(),
		ModTime: fi.ModTime().UTC(),
		IsDir:   fi.IsDir(),
	}
	if df, ok := fi.(davFile); ok {
		f.Etag = normalizeEtag(df.ETag())
		f.ContentType = df.ContentType()
	}
	if f.IsDir {
		f.Size = 0
	}
	return f
}

func cleanRemotePath(p string) string {
	return path.Clean("/" + p)
}

func normalizeEtag(etag string) string {
	return strings.Trim(strings.TrimPrefix(etag, "W/"), `"`)
}

// contextReader fails reads once ctx is done, which aborts the request
// carrying it
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type basicAuthTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(req)
}
