package session

import (
	"errors"
	"fmt"
)

// NotFoundError reports a missing session or agent profile. The REST layer
// maps it to a 404.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ActivationError wraps any failure during environment activation. It rejects
// the triggering SendMessage and puts the environment into the error state.
type ActivationError struct {
	Phase string
	Err   error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("environment activation failed during %s: %v", e.Phase, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

// ErrSessionDestroyed is returned by operations on a destroyed session.
var ErrSessionDestroyed = errors.New("session is destroyed")
