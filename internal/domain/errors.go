package domain

import "errors"

var (
	// ErrValidation marks client input the engine refuses to act on.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup that matched no persisted record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a state transition the current status forbids.
	ErrConflict = errors.New("conflict")
	// ErrAdmission marks a batch rejected before any record was created.
	ErrAdmission = errors.New("admission rejected")
)
