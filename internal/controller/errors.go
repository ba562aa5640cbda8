package controller

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotReady           = errors.New("diagram session not ready")
	ErrClosed             = errors.New("diagram session closed")
	ErrAlreadyInitialized = errors.New("diagram session already initialized")
	ErrUnknownFormat      = errors.New("unknown export format")
)

// InitializationError is returned when a session could not be started.
type InitializationError struct {
	RoomID string
	Err    error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize room %s: %v", e.RoomID, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}
