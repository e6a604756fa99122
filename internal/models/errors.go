package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrEmptyThread        = errors.New("thread has no messages")
	ErrClassification     = errors.New("classification failed")
	ErrThreadNotFound     = errors.New("thread not found")
	ErrCategoryNotFound   = errors.New("category not found")
	ErrNoStaffAvailable   = errors.New("no staff available")
	ErrAssignmentConflict = errors.New("assignment conflict")
	// ErrStaleThread is returned when a compare-and-set on a thread lost to a concurrent writer.
	ErrStaleThread = errors.New("thread changed concurrently")
)

// ValidationError describes a rejected field. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
