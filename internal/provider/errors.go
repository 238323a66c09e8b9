package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// CollaboratorError classifies external collaborator failures as
// transient or permanent. Transient failures are worth scheduling a retry
// window for; permanent ones will fail the same way next time.
type CollaboratorError struct {
	Collaborator string
	StatusCode   int
	Message      string
	Transient    bool
	Cause        error
}

func (e *CollaboratorError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	name := strings.TrimSpace(e.Collaborator)
	if name == "" {
		name = "collaborator"
	}
	parts = append(parts, name+" error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *CollaboratorError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a collaborator error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var collabErr *CollaboratorError
	if errors.As(err, &collabErr) {
		return collabErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
