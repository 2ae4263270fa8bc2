package environment

import (
	"errors"
	"fmt"
	"strings"
)

// Standard errors returned by the resolver.
var (
	// ErrEnvironmentNotFound indicates no candidate interpreter or entry
	// script exists for the requested environment.
	ErrEnvironmentNotFound = errors.New("environment not found")

	// ErrInvalidEnvironmentID indicates the identifier is empty or not a
	// plain name.
	ErrInvalidEnvironmentID = errors.New("invalid environment id")
)

// NotFoundError describes a failed resolution and every candidate tried.
type NotFoundError struct {
	Environment string
	Packaged    bool
	Platform    Platform
	Tried       []string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	mode := "development"
	if e.Packaged {
		mode = "packaged"
	}
	msg := fmt.Sprintf("environment %q not found (%s, %s)", e.Environment, mode, e.Platform)
	if len(e.Tried) > 0 {
		msg += ": tried " + strings.Join(e.Tried, ", ")
	}
	return msg
}

// Unwrap returns ErrEnvironmentNotFound.
func (e *NotFoundError) Unwrap() error {
	return ErrEnvironmentNotFound
}

// IsNotFound reports whether err is a resolution failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEnvironmentNotFound)
}
