package repositories

import (
	"errors"
	"fmt"
)

// Error is the RepositoryError used by adapters that do not have a native error type.
type Error struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error       { return e.Err }
func (e *Error) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.Conflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.Unavailable }

func NewNotFoundError(op, id string) error {
	return &Error{Op: op, Err: fmt.Errorf("%q not found", id), NotFound: true}
}

func NewUnavailableError(op string, err error) error {
	return &Error{Op: op, Err: err, Unavailable: true}
}

// IsNotFound reports whether err carries repository not-found semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
