package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a keyed lookup has no row.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a mutation before any state is changed.
type ValidationError struct {
	Kind   string
	ID     string
	Action string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %s rejected: %s", e.Kind, e.ID, e.Action, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(kind, id, action, reason string) *ValidationError {
	return &ValidationError{Kind: kind, ID: id, Action: action, Reason: reason}
}
