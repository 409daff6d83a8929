package remote

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested resource does not exist on the server
var ErrNotFound = errors.New("remote resource not found")

// StatusError is returned for any unexpected HTTP status
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}

// Is maps 404 and 410 onto ErrNotFound
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && (e.StatusCode == 404 || e.StatusCode == 410)
}
