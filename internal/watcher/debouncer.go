package watcher

import (
	"sync"
	"time"
)

// Op is the kind of change seen on a path
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is a debounced change of one file under an account's sync root
type FileEvent struct {
	Account   string
	Path      string // relative to the sync root, slash separated
	Op        Op
	Timestamp time.Time
}

func (e FileEvent) key() string {
	return e.Account + "\x00" + e.Path
}

// Debouncer coalesces bursts of events on the same file into one
type Debouncer struct {
	delay   time.Duration
	pending map[string]*pendingEvent
	mu      sync.Mutex
	output  chan FileEvent
	stopCh  chan struct{}
	// closeMu keeps output open while a send is in progress
	closeMu sync.RWMutex
	stopped bool
}

type pendingEvent struct {
	event FileEvent
	timer *time.Timer
}

// NewDebouncer creates a debouncer that emits an event delay after the last change
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*pendingEvent),
		output:  make(chan FileEvent, 100),
		stopCh:  make(chan struct{}),
	}
}

// Events returns the channel of debounced events; it is closed by Stop
func (d *Debouncer) Events() <-chan FileEvent {
	return d.output
}

// Add records an event, restarting the delay of its file
func (d *Debouncer) Add(ev FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	key := ev.key()
	if p, exists := d.pending[key]; exists {
		p.timer.Stop()
		p.event.Op = coalesce(p.event.Op, ev.Op)
		p.event.Timestamp = ev.Timestamp
		p.timer = time.AfterFunc(d.delay, func() { d.emit(key) })
		return
	}

	d.pending[key] = &pendingEvent{
		event: ev,
		timer: time.AfterFunc(d.delay, func() { d.emit(key) }),
	}
}

// coalesce merges a new op into a pending one. The latest op wins, except
// that a created file stays created while it is being written.
func coalesce(pending, next Op) Op {
	switch {
	case pending == OpCreate && next == OpModify:
		return OpCreate
	case pending == OpDelete && next != OpDelete:
		// Replaced by a new file, as editors do on atomic save
		return OpModify
	}
	return next
}

func (d *Debouncer) emit(key string) {
	d.mu.Lock()
	p, exists := d.pending[key]
	if exists {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !exists {
		return
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	select {
	case <-d.stopCh:
		return
	default:
	}
	select {
	case d.output <- p.event:
	case <-d.stopCh:
	}
}

// Flush emits every pending event immediately
func (d *Debouncer) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.emit(key)
	}
}

// Stop drops pending events and closes the event channel
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingEvent)
	d.mu.Unlock()

	close(d.stopCh)
	d.closeMu.Lock()
	close(d.output)
	d.closeMu.Unlock()
}

// PendingCount returns the number of files waiting for their delay to pass
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
