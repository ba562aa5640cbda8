package diagram

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// NotFoundError wraps ErrNotFound with the kind and id that was looked up.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError reports a diagram payload that does not have the expected shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid diagram data: %s: %s", e.Field, e.Reason)
}
