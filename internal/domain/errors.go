package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCommand indicates a worker command that cannot be applied.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrTerminal indicates a write against an execution that already finished.
	ErrTerminal = errors.New("execution is terminal")

	// ErrNotClaimed indicates a submission for an execution no worker holds.
	ErrNotClaimed = errors.New("execution is not claimed")

	// ErrLeaseLost indicates the submitting worker no longer holds the claim.
	ErrLeaseLost = errors.New("lease lost")

	// ErrPromiseResolved indicates a second resolution outside the idempotency path.
	ErrPromiseResolved = errors.New("promise already resolved")

	// ErrConflict indicates a state precondition did not hold.
	ErrConflict = errors.New("conflict")
)

// Error wraps a kernel error with the operation and entity it concerns.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return errors.Is(e.Err, target) }

// E builds an *Error.
func E(op, id string, err error) error {
	return &Error{Op: op, ID: id, Err: err}
}

// Validationf returns an ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidCommand)
}

// IsConflict groups errors caused by the current state of an entity.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTerminal) ||
		errors.Is(err, ErrNotClaimed) || errors.Is(err, ErrLeaseLost) ||
		errors.Is(err, ErrPromiseResolved)
}
