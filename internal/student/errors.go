package student

import (
	"errors"
	"fmt"

	"roster-service/internal/validate"
)

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")

	// ErrStudentNotDeleted is returned by restore for a live record. It is a
	// kind of not-found: no deleted record with that id exists.
	ErrStudentNotDeleted = fmt.Errorf("%w: student is not deleted", ErrStudentNotFound)

	ErrRollNumberTaken = fmt.Errorf("%w: roll number already assigned to an active student", ErrConflict)
	ErrEmailTaken      = fmt.Errorf("%w: email already used by an active student", ErrConflict)

	// ErrStorageUnavailable marks timeouts and connection failures.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDuplicateID means a record with the generated id already exists, which
	// only happens when an earlier insert attempt of the same create succeeded.
	ErrDuplicateID = errors.New("duplicate student id")
)

// ValidationError lists the rejected fields of a request.
type ValidationError struct {
	Fields validate.Errors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidInput, e.Fields.Error())
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func newValidationError(err error) error {
	if fields := validate.Fields(err); fields != nil {
		return &ValidationError{Fields: fields}
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

func fieldError(field, message string) error {
	return &ValidationError{Fields: validate.Errors{{Field: field, Message: message}}}
}
