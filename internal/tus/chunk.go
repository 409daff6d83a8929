package tus

import (
	"fmt"
	"io"
)

// ProgressListener receives incremental progress for one chunk.
// delta is the number of bytes just read, sent the running total for the
// chunk and total the chunk size.
type ProgressListener interface {
	OnProgress(delta, sent, total int64)
}

// ProgressFunc adapts a function to ProgressListener
type ProgressFunc func(delta, sent, total int64)

func (f ProgressFunc) OnProgress(delta, sent, total int64) {
	f(delta, sent, total)
}

// ChunkBody is a request body that streams one chunk of a file.
// It reads through an io.ReaderAt so a single open file can back every chunk
// of an upload without reopening or seeking a shared cursor.
type ChunkBody struct {
	src       io.ReaderAt
	offset    int64
	section   *io.SectionReader
	size      int64
	sent      int64
	token     *CancelToken
	listeners []ProgressListener
}

// NewChunkBody creates a body covering [offset, min(offset+chunkSize, fileLength))
func NewChunkBody(src io.ReaderAt, fileLength, offset, chunkSize int64, token *CancelToken) (*ChunkBody, error) {
	if offset < 0 || offset > fileLength {
		return nil, fmt.Errorf("chunk offset %d outside file of %d bytes", offset, fileLength)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	size := min(chunkSize, fileLength-offset)
	return &ChunkBody{
		src:     src,
		offset:  offset,
		section: io.NewSectionReader(src, offset, size),
		size:    size,
		token:   token,
	}, nil
}

// AddListener registers a progress listener
func (b *ChunkBody) AddListener(l ProgressListener) {
	if l != nil {
		b.listeners = append(b.listeners, l)
	}
}

// Len returns the exact number of bytes the body will produce
func (b *ChunkBody) Len() int64 {
	return b.size
}

// Sent returns the number of bytes read so far
func (b *ChunkBody) Sent() int64 {
	return b.sent
}

func (b *ChunkBody) Read(p []byte) (int, error) {
	if b.token.Cancelled() {
		return 0, ErrCancelled
	}

	n, err := b.section.Read(p)
	if n > 0 {
		delta := int64(n)
		if b.sent+delta > b.size {
			delta = b.size - b.sent
		}
		b.sent += delta
		for _, l := range b.listeners {
			l.OnProgress(delta, b.sent, b.size)
		}
	}
	return n, err
}

// Close is a no-op: the underlying file is owned by the caller
func (b *ChunkBody) Close() error {
	return nil
}

// reopen returns a fresh body over the same range, used by http.Request.GetBody
func (b *ChunkBody) reopen() *ChunkBody {
	return &ChunkBody{
		src:       b.src,
		offset:    b.offset,
		section:   io.NewSectionReader(b.src, b.offset, b.size),
		size:      b.size,
		token:     b.token,
		listeners: b.listeners,
	}
}
