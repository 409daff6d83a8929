package tus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_HappyPath(t *testing.T) {
	s := NewSession(10, "", "")
	assert.Equal(t, StateNotStarted, s.State())
	assert.Equal(t, ProtocolVersion, s.Version)

	require.NoError(t, s.Created("https://cloud/uploads/1", 0, nil))
	require.NoError(t, s.BeginPatch())
	require.NoError(t, s.Acknowledge(6))
	assert.Equal(t, int64(4), s.Remaining())
	require.NoError(t, s.BeginPatch())
	require.NoError(t, s.Acknowledge(10))
	require.NoError(t, s.Complete())

	assert.Equal(t, StateCompleted, s.State())
	assert.True(t, s.Terminal())
}

func TestSession_UploadURLAssignedOnce(t *testing.T) {
	s := NewSession(10, "", "")
	require.NoError(t, s.Created("https://cloud/uploads/1", 0, nil))

	err := s.Created("https://cloud/uploads/2", 0, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, "https://cloud/uploads/1", s.UploadURL)
}

func TestSession_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		run  func(s *Session) error
	}{
		{"patch before create", func(s *Session) error { return s.BeginPatch() }},
		{"acknowledge without patch", func(s *Session) error { return s.Acknowledge(1) }},
		{"complete before create", func(s *Session) error { return s.Complete() }},
		{"resync before create", func(s *Session) error { return s.Resync(0, nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(10, "", "")
			err := tt.run(s)
			assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
			assert.Equal(t, StateNotStarted, s.State())
		})
	}
}

func TestSession_OffsetBounds(t *testing.T) {
	s := NewSession(10, "", "")
	assert.Error(t, s.Created("u", 11, nil))
	assert.Equal(t, StateNotStarted, s.State())

	require.NoError(t, s.Created("u", 4, nil))
	require.NoError(t, s.BeginPatch())
	assert.Error(t, s.Acknowledge(11))
	assert.Error(t, s.Acknowledge(3), "offset must not move backwards")
	require.NoError(t, s.Acknowledge(4))
	assert.Error(t, s.Complete(), "cannot complete with bytes outstanding")
}

func TestSession_ConflictIsRecoverable(t *testing.T) {
	s := NewSession(10, "", "")
	require.NoError(t, s.Created("u", 0, nil))
	require.NoError(t, s.BeginPatch())

	s.Fail(&Error{Op: "patch", Code: CodeConflict, StatusCode: 409})
	assert.Equal(t, StateFailed, s.State())
	assert.False(t, s.Terminal())
	assert.Equal(t, CodeConflict, CodeOf(s.Err()))

	require.NoError(t, s.Resync(7, nil))
	assert.Equal(t, StateOffsetKnown, s.State())
	assert.Equal(t, int64(7), s.Offset)
	assert.Nil(t, s.Err())
}

func TestSession_OtherFailuresAreTerminal(t *testing.T) {
	s := NewSession(10, "", "")
	require.NoError(t, s.Created("u", 0, nil))
	s.Fail(&Error{Op: "patch", Code: CodeNotFound, StatusCode: 404})

	assert.True(t, s.Terminal())
	assert.True(t, errors.Is(s.Resync(0, nil), ErrInvalidTransition))
}

func TestSession_CancelIsFinal(t *testing.T) {
	s := NewSession(10, "", "")
	require.NoError(t, s.Created("u", 0, nil))
	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())

	s.Fail(errors.New("late failure"))
	assert.Equal(t, StateCancelled, s.State())
	assert.Error(t, s.BeginPatch())
}

func TestRestoreSession(t *testing.T) {
	_, err := RestoreSession("", 10, 0, "", "", "", nil, "")
	assert.Error(t, err)

	_, err = RestoreSession("u", 10, 11, "", "", "", nil, "")
	assert.Error(t, err)

	s, err := RestoreSession("u", 10, 5, "filename YQ==", "SHA1:00", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, s.State())
	assert.Equal(t, ProtocolVersion, s.Version)
	assert.Equal(t, int64(5), s.Offset)
}
