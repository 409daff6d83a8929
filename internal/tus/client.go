package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// ProtocolVersion is the resumable-upload protocol version sent on every request
	ProtocolVersion = "1.0.0"

	HeaderTusResumable   = "Tus-Resumable"
	HeaderTusVersion     = "Tus-Version"
	HeaderTusExtension   = "Tus-Extension"
	HeaderTusMaxSize     = "Tus-Max-Size"
	HeaderUploadLength   = "Upload-Length"
	HeaderUploadOffset   = "Upload-Offset"
	HeaderUploadMetadata = "Upload-Metadata"
	HeaderUploadExpires  = "Upload-Expires"
	HeaderUploadConcat   = "Upload-Concat"

	// ContentTypeOffsetOctetStream is the required body type for chunk uploads
	ContentTypeOffsetOctetStream = "application/offset+octet-stream"

	ExtensionCreation           = "creation"
	ExtensionCreationWithUpload = "creation-with-upload"
	ExtensionTermination        = "termination"
	ExtensionExpiration         = "expiration"
	ExtensionConcatenation      = "concatenation"
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues the individual resumable-upload protocol requests.
// It keeps no per-upload state; Session and Uploader own that.
type Client struct {
	http    Doer
	version string
	logger  *slog.Logger
}

// NewClient creates a protocol client over the given HTTP executor
func NewClient(doer Doer, logger *slog.Logger) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: doer, version: ProtocolVersion, logger: logger}
}

// Capabilities is what the server advertised in response to OPTIONS
type Capabilities struct {
	Versions   []string
	Extensions []string
	MaxSize    int64
}

// Supports reports whether the server advertised the given extension
func (c *Capabilities) Supports(ext string) bool {
	for _, e := range c.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// SupportsVersion reports whether the server speaks the given protocol version
func (c *Capabilities) SupportsVersion(v string) bool {
	for _, sv := range c.Versions {
		if sv == v {
			return true
		}
	}
	return false
}

// CreateRequest describes a new upload
type CreateRequest struct {
	// Endpoint is the creation URL the POST is sent to
	Endpoint string
	Length   int64
	// Metadata is the already-encoded Upload-Metadata value
	Metadata string
	Concat   string

	// When File is set the first chunk travels in the creation request
	// (creation-with-upload extension).
	File      io.ReaderAt
	ChunkSize int64
	Listeners []ProgressListener
}

// CreateResult carries the upload URL assigned by the server
type CreateResult struct {
	UploadURL string
	Offset    int64
	ExpiresAt *time.Time
}

// PatchRequest describes one chunk upload
type PatchRequest struct {
	UploadURL  string
	File       io.ReaderAt
	FileLength int64
	Offset     int64
	ChunkSize  int64
	Listeners  []ProgressListener
}

// UploadInfo is the server's view of an upload as returned by Head
type UploadInfo struct {
	Offset    int64
	Length    int64
	ExpiresAt *time.Time
}

// Options queries the server's protocol capabilities
func (c *Client) Options(ctx context.Context, token *CancelToken, endpoint string) (*Capabilities, error) {
	const op = "options"
	resp, err := c.do(ctx, token, op, http.MethodOptions, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, statusError(op, resp.StatusCode)
	}

	caps := &Capabilities{
		Versions:   splitList(resp.Header.Get(HeaderTusVersion)),
		Extensions: splitList(resp.Header.Get(HeaderTusExtension)),
	}
	if maxSize := resp.Header.Get(HeaderTusMaxSize); maxSize != "" {
		if n, err := strconv.ParseInt(maxSize, 10, 64); err == nil {
			caps.MaxSize = n
		}
	}
	return caps, nil
}

// Create registers a new upload and returns its absolute URL
func (c *Client) Create(ctx context.Context, token *CancelToken, req CreateRequest) (*CreateResult, error) {
	const op = "create"
	if req.Length < 0 {
		return nil, &Error{Op: op, Code: CodeInvalidResponse, Err: fmt.Errorf("negative upload length %d", req.Length)}
	}

	base, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, &Error{Op: op, Code: CodeTransport, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}

	headers := http.Header{}
	headers.Set(HeaderUploadLength, strconv.FormatInt(req.Length, 10))
	if req.Metadata != "" {
		headers.Set(HeaderUploadMetadata, req.Metadata)
	}
	if req.Concat != "" {
		headers.Set(HeaderUploadConcat, req.Concat)
	}

	var body *ChunkBody
	if req.File != nil && req.Length > 0 {
		body, err = NewChunkBody(req.File, req.Length, 0, req.ChunkSize, token)
		if err != nil {
			return nil, &Error{Op: op, Code: CodeTransport, Err: err}
		}
		for _, l := range req.Listeners {
			body.AddListener(l)
		}
		headers.Set("Content-Type", ContentTypeOffsetOctetStream)
	}

	resp, err := c.do(ctx, token, op, http.MethodPost, req.Endpoint, headers, body)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return nil, statusError(op, resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, &Error{Op: op, Code: CodeInvalidResponse, StatusCode: resp.StatusCode, Err: errors.New("missing Location header")}
	}
	locURL, err := url.Parse(location)
	if err != nil {
		return nil, &Error{Op: op, Code: CodeInvalidResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid Location %q: %w", location, err)}
	}

	result := &CreateResult{
		UploadURL: base.ResolveReference(locURL).String(),
		ExpiresAt: parseExpires(resp.Header.Get(HeaderUploadExpires)),
	}
	if body != nil {
		if offset, ok := parseOffset(resp.Header.Get(HeaderUploadOffset)); ok && offset <= body.Len() {
			result.Offset = offset
		}
	}

	c.logger.Debug("tus upload created", "url", result.UploadURL, "length", req.Length, "offset", result.Offset)
	return result, nil
}

// Patch uploads one chunk starting at req.Offset and returns the server's new offset.
// An offset mismatch yields an error with CodeConflict; resynchronize with Head before retrying.
func (c *Client) Patch(ctx context.Context, token *CancelToken, req PatchRequest) (int64, error) {
	const op = "patch"
	if token.Cancelled() {
		return 0, &Error{Op: op, Code: CodeCancelled, Err: ErrCancelled}
	}

	body, err := NewChunkBody(req.File, req.FileLength, req.Offset, req.ChunkSize, token)
	if err != nil {
		return 0, &Error{Op: op, Code: CodeTransport, Err: err}
	}
	for _, l := range req.Listeners {
		body.AddListener(l)
	}

	headers := http.Header{}
	headers.Set(HeaderUploadOffset, strconv.FormatInt(req.Offset, 10))
	headers.Set("Content-Type", ContentTypeOffsetOctetStream)

	resp, err := c.do(ctx, token, op, http.MethodPatch, req.UploadURL, headers, body)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return 0, statusError(op, resp.StatusCode)
	}

	offset, ok := parseOffset(resp.Header.Get(HeaderUploadOffset))
	if !ok {
		return 0, &Error{Op: op, Code: CodeInvalidResponse, StatusCode: resp.StatusCode, Err: errors.New("missing or invalid Upload-Offset")}
	}
	if body.Len() > 0 && offset == req.Offset {
		return 0, &Error{Op: op, Code: CodeInvalidResponse, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("server accepted the chunk at offset %d without advancing", offset)}
	}
	if offset < req.Offset || offset > req.Offset+body.Len() {
		return 0, &Error{Op: op, Code: CodeInvalidResponse, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("server offset %d outside sent range [%d, %d]", offset, req.Offset, req.Offset+body.Len())}
	}

	return offset, nil
}

// Head queries the server-side offset of an upload
func (c *Client) Head(ctx context.Context, token *CancelToken, uploadURL string) (*UploadInfo, error) {
	const op = "head"
	resp, err := c.do(ctx, token, op, http.MethodHead, uploadURL, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, statusError(op, resp.StatusCode)
	}

	offset, ok := parseOffset(resp.Header.Get(HeaderUploadOffset))
	if !ok {
		return nil, &Error{Op: op, Code: CodeInvalidResponse, StatusCode: resp.StatusCode, Err: errors.New("missing or invalid Upload-Offset")}
	}

	info := &UploadInfo{
		Offset:    offset,
		Length:    -1,
		ExpiresAt: parseExpires(resp.Header.Get(HeaderUploadExpires)),
	}
	if length, ok := parseOffset(resp.Header.Get(HeaderUploadLength)); ok {
		info.Length = length
	}
	return info, nil
}

// Delete terminates an upload on the server
func (c *Client) Delete(ctx context.Context, token *CancelToken, uploadURL string) error {
	const op = "delete"
	resp, err := c.do(ctx, token, op, http.MethodDelete, uploadURL, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return statusError(op, resp.StatusCode)
	}
}

// do builds and executes one protocol request, mapping cancellation and
// transport failures to typed errors
func (c *Client) do(ctx context.Context, token *CancelToken, op, method, target string, headers http.Header, body *ChunkBody) (*http.Response, error) {
	if token.Cancelled() {
		return nil, &Error{Op: op, Code: CodeCancelled, Err: ErrCancelled}
	}

	reqCtx, release := token.bind(ctx)

	var reader io.Reader = http.NoBody
	if body != nil && body.Len() > 0 {
		reader = body
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		release()
		return nil, &Error{Op: op, Code: CodeTransport, Err: err}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(HeaderTusResumable, c.version)

	if body != nil {
		req.ContentLength = body.Len()
		if body.Len() > 0 {
			req.GetBody = func() (io.ReadCloser, error) {
				return body.reopen(), nil
			}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		release()
		// only the token means cancelled; a dead parent context keeps the upload resumable
		if token.Cancelled() || errors.Is(err, ErrCancelled) {
			return nil, &Error{Op: op, Code: CodeCancelled, Err: ErrCancelled}
		}
		return nil, &Error{Op: op, Code: CodeTransport, Err: err}
	}

	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// releasingBody unbinds the request from the cancel token once the response is consumed
type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

func parseOffset(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseExpires(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return nil
	}
	return &t
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var _ io.ReadCloser = (*ChunkBody)(nil)
