package tus

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancelToken is a cooperative cancellation flag shared between the owner of a
// transfer and the operation executing it. It is observed at operation entry,
// at every chunk read, and it aborts any in-flight request.
type CancelToken struct {
	cancelled atomic.Bool

	mu    sync.Mutex
	next  uint64
	hooks map[uint64]context.CancelFunc
}

// NewCancelToken creates an unset token
func NewCancelToken() *CancelToken {
	return &CancelToken{hooks: make(map[uint64]context.CancelFunc)}
}

// Cancel sets the flag and aborts every operation currently bound to the token
func (t *CancelToken) Cancel() {
	if t == nil || t.cancelled.Swap(true) {
		return
	}

	t.mu.Lock()
	hooks := t.hooks
	t.hooks = make(map[uint64]context.CancelFunc)
	t.mu.Unlock()

	for _, cancel := range hooks {
		cancel()
	}
}

// Cancelled reports whether Cancel has been called. A nil token is never cancelled.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// bind derives a context that is cancelled together with the token.
// The returned release func must be called once the operation finishes.
func (t *CancelToken) bind(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	if t == nil {
		return ctx, cancel
	}

	t.mu.Lock()
	id := t.next
	t.next++
	t.hooks[id] = cancel
	t.mu.Unlock()

	// Cancel may have run between the caller's entry check and registration
	if t.Cancelled() {
		cancel()
	}

	return ctx, func() {
		t.mu.Lock()
		delete(t.hooks, id)
		t.mu.Unlock()
		cancel()
	}
}
