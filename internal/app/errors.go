package app

import (
	"errors"
	"fmt"
)

// Application errors.
var (
	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("application already running")

	// ErrInvalidRequest indicates a boundary line that is not a command.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCommandTimeout indicates the boundary gave up waiting for a reply.
	ErrCommandTimeout = errors.New("command timed out")
)

// ComponentError represents a failure to initialize or run a component.
type ComponentError struct {
	Component string // Component name (e.g., "config", "logging", "metrics")
	Action    string // Action being performed
	Err       error  // Underlying error
}

func (e *ComponentError) Error() string {
	if e == nil {
		return ""
	}
	if e.Action != "" {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Action, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
