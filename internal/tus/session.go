package tus

import (
	"fmt"
	"time"
)

// State is the protocol state of one upload session
type State int

const (
	StateNotStarted State = iota
	StateCreated
	StatePatching
	StateOffsetKnown
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateCreated:
		return "CREATED"
	case StatePatching:
		return "PATCHING"
	case StateOffsetKnown:
		return "OFFSET_KNOWN"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
// A conflict failure is recoverable through Resync and therefore not terminal.
func (s *Session) Terminal() bool {
	switch s.state {
	case StateCompleted, StateCancelled:
		return true
	case StateFailed:
		return !s.recoverable
	}
	return false
}

// Session is the client-side state of one resumable upload.
// Invariants: 0 <= Offset <= Length, and UploadURL is assigned once.
type Session struct {
	UploadURL string
	Length    int64
	Offset    int64
	Metadata  string
	Checksum  string
	Version   string
	ExpiresAt *time.Time
	Concat    string

	state       State
	recoverable bool
	lastErr     error
}

// NewSession prepares a session that has not been created on the server yet
func NewSession(length int64, metadata, checksum string) *Session {
	return &Session{
		Length:   length,
		Metadata: metadata,
		Checksum: checksum,
		Version:  ProtocolVersion,
		state:    StateNotStarted,
	}
}

// RestoreSession rebuilds a session from persisted state. The stored offset is
// only a hint; the uploader resynchronizes it with Head before patching.
func RestoreSession(uploadURL string, length, offset int64, metadata, checksum, version string, expiresAt *time.Time, concat string) (*Session, error) {
	if uploadURL == "" {
		return nil, fmt.Errorf("restore session: missing upload URL")
	}
	if offset < 0 || offset > length {
		return nil, fmt.Errorf("restore session: offset %d outside [0, %d]", offset, length)
	}
	if version == "" {
		version = ProtocolVersion
	}
	return &Session{
		UploadURL: uploadURL,
		Length:    length,
		Offset:    offset,
		Metadata:  metadata,
		Checksum:  checksum,
		Version:   version,
		ExpiresAt: expiresAt,
		Concat:    concat,
		state:     StateCreated,
	}, nil
}

// State returns the current protocol state
func (s *Session) State() State {
	return s.state
}

// Err returns the error that moved the session into StateFailed, if any
func (s *Session) Err() error {
	return s.lastErr
}

// Remaining returns the number of bytes not yet acknowledged by the server
func (s *Session) Remaining() int64 {
	return s.Length - s.Offset
}

func (s *Session) transitionError(to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// Created records the result of a successful Create
func (s *Session) Created(uploadURL string, offset int64, expiresAt *time.Time) error {
	if s.state != StateNotStarted {
		return s.transitionError(StateCreated)
	}
	if s.UploadURL != "" {
		return fmt.Errorf("%w: upload URL already assigned", ErrInvalidTransition)
	}
	if uploadURL == "" {
		return fmt.Errorf("created without upload URL")
	}
	if err := s.checkOffset(offset); err != nil {
		return err
	}
	s.UploadURL = uploadURL
	s.Offset = offset
	s.ExpiresAt = expiresAt
	s.state = StateCreated
	return nil
}

// BeginPatch marks a chunk upload as started
func (s *Session) BeginPatch() error {
	if s.state != StateCreated && s.state != StateOffsetKnown {
		return s.transitionError(StatePatching)
	}
	s.state = StatePatching
	return nil
}

// Acknowledge records the offset returned by a successful Patch.
// The offset never moves backwards within a patch sequence.
func (s *Session) Acknowledge(offset int64) error {
	if s.state != StatePatching {
		return s.transitionError(StateOffsetKnown)
	}
	if err := s.checkOffset(offset); err != nil {
		return err
	}
	if offset < s.Offset {
		return fmt.Errorf("%w: server offset moved backwards from %d to %d", ErrInvalidTransition, s.Offset, offset)
	}
	s.Offset = offset
	s.state = StateOffsetKnown
	return nil
}

// Resync adopts the server's offset after a Head query
func (s *Session) Resync(offset int64, expiresAt *time.Time) error {
	switch {
	case s.state == StateCreated, s.state == StateOffsetKnown:
	case s.state == StateFailed && s.recoverable:
	default:
		return s.transitionError(StateOffsetKnown)
	}
	if err := s.checkOffset(offset); err != nil {
		return err
	}
	s.Offset = offset
	if expiresAt != nil {
		s.ExpiresAt = expiresAt
	}
	s.state = StateOffsetKnown
	s.recoverable = false
	s.lastErr = nil
	return nil
}

// Complete finishes the session once every byte is acknowledged
func (s *Session) Complete() error {
	if s.state != StateCreated && s.state != StateOffsetKnown {
		return s.transitionError(StateCompleted)
	}
	if s.Offset != s.Length {
		return fmt.Errorf("%w: offset %d != length %d", ErrInvalidTransition, s.Offset, s.Length)
	}
	s.state = StateCompleted
	return nil
}

// Fail moves the session into StateFailed. Conflicts stay recoverable via Resync.
func (s *Session) Fail(err error) {
	if s.state == StateCompleted || s.state == StateCancelled {
		return
	}
	s.state = StateFailed
	s.recoverable = CodeOf(err) == CodeConflict
	s.lastErr = err
}

// Cancel moves the session into StateCancelled from any non-terminal state
func (s *Session) Cancel() {
	if s.state == StateCompleted {
		return
	}
	s.state = StateCancelled
}

func (s *Session) checkOffset(offset int64) error {
	if offset < 0 || offset > s.Length {
		return fmt.Errorf("offset %d outside [0, %d]", offset, s.Length)
	}
	return nil
}
