package shared

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation indicates invalid input (bad allocation totals, missing cost code).
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates a status guard violation. Callers must not retry.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound indicates the entity id could not be resolved.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate lock or duplicate draft draw.
	ErrConflict = errors.New("conflict")
	// ErrUndoExpired indicates the undo window has elapsed.
	ErrUndoExpired = errors.New("undo expired")
	// ErrUndoNotFound indicates the undo entry is missing or already consumed.
	ErrUndoNotFound = errors.New("undo not found")
	// ErrPersistence indicates an underlying store failure.
	ErrPersistence = errors.New("persistence error")
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Transitionf reports a status guard violation naming current and requested states.
func Transitionf(entity, from, to string) error {
	return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, entity, from, to)
}

// HTTPStatus maps taxonomy errors onto response codes.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUndoNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUndoExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
