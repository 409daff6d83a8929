package tus

import (
	"errors"
	"fmt"
)

// ResultCode classifies the outcome of a protocol operation
type ResultCode int

const (
	CodeOK ResultCode = iota
	CodeConflict
	CodeNotFound
	CodeCancelled
	CodeUnexpectedStatus
	CodeTransport
	CodeInvalidResponse
)

func (c ResultCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeConflict:
		return "CONFLICT"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeCancelled:
		return "CANCELLED"
	case CodeUnexpectedStatus:
		return "UNEXPECTED_STATUS"
	case CodeTransport:
		return "TRANSPORT_ERROR"
	case CodeInvalidResponse:
		return "INVALID_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrConflict means the server holds a different offset than the client sent.
	// The caller must re-query the offset with Head before patching again.
	ErrConflict = errors.New("upload offset conflict")

	// ErrCancelled is returned when the cancel token fired before or during an operation
	ErrCancelled = errors.New("operation cancelled")

	// ErrNotFound means the upload resource no longer exists on the server
	ErrNotFound = errors.New("upload not found")

	// ErrInvalidTransition is returned when a session is driven out of protocol order
	ErrInvalidTransition = errors.New("invalid upload state transition")
)

// Error describes a failed protocol operation
type Error struct {
	Op         string
	Code       ResultCode
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("tus %s: %s", e.Op, e.Code)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel belonging to the result code
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Code == CodeConflict
	case ErrCancelled:
		return e.Code == CodeCancelled
	case ErrNotFound:
		return e.Code == CodeNotFound
	}
	return false
}

// CodeOf extracts the result code carried by err
func CodeOf(err error) ResultCode {
	if err == nil {
		return CodeOK
	}
	var tusErr *Error
	if errors.As(err, &tusErr) {
		return tusErr.Code
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	}
	return CodeTransport
}

func statusError(op string, status int) *Error {
	code := CodeUnexpectedStatus
	switch status {
	case 409, 412:
		code = CodeConflict
	case 404, 410:
		code = CodeNotFound
	}
	return &Error{Op: op, Code: code, StatusCode: status}
}
