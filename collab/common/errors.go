package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed is returned by components used after Close.
var ErrClosed = errors.New("closed")

// ErrInvalidSessionID is returned when a session id cannot be parsed.
type ErrInvalidSessionID struct {
	Value string
}

func (e ErrInvalidSessionID) Error() string {
	return fmt.Sprintf("invalid session id: %q", e.Value)
}

// ErrInvalidUpdate is returned when an update is malformed.
type ErrInvalidUpdate struct {
	Message string
}

func (e ErrInvalidUpdate) Error() string {
	return fmt.Sprintf("invalid update: %s", e.Message)
}

// ErrInvalidOperation is returned when an operation is invalid.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// ErrNotFound is returned when a resource is not found.
type ErrNotFound struct {
	Message string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}
