package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/channel"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
)

// Standard errors returned by the supervisor. Resolution and channel
// failures surface as environment.ErrEnvironmentNotFound,
// channel.ErrChannelClosed and channel.ErrProtocol.
var (
	// ErrStartupFailed indicates the worker could not be spawned or died
	// before signalling readiness.
	ErrStartupFailed = errors.New("worker startup failed")

	// ErrUnexpectedExit indicates the worker exited outside a shutdown.
	ErrUnexpectedExit = errors.New("worker exited unexpectedly")

	// ErrShutdown indicates the supervisor has been shut down.
	ErrShutdown = errors.New("supervisor shut down")
)

// Aliases so callers can match every failure kind from one package.
var (
	ErrEnvironmentNotFound = environment.ErrEnvironmentNotFound
	ErrChannelClosed       = channel.ErrChannelClosed
	ErrProtocol            = channel.ErrProtocol
)

// StartupError describes a failed start attempt.
type StartupError struct {
	Environment string
	Cause       error
}

// likelyCauses are listed with every startup failure.
var likelyCauses = []string{
	"missing dependencies in the environment",
	"incompatible interpreter architecture",
	"corrupted environment",
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("worker startup failed for environment %q: %v (possible causes: %s)",
		e.Environment, e.Cause, strings.Join(likelyCauses, "; "))
}

// Unwrap returns the cause.
func (e *StartupError) Unwrap() error {
	return e.Cause
}

// Is matches ErrStartupFailed.
func (e *StartupError) Is(target error) bool {
	return target == ErrStartupFailed
}

// ExitError describes a worker exit.
type ExitError struct {
	Environment string
	Code        int
	Signaled    bool
	Category    Category
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Signaled {
		return fmt.Sprintf("worker for environment %q terminated by signal", e.Environment)
	}
	return fmt.Sprintf("worker for environment %q exited with code %d (%s)", e.Environment, e.Code, e.Category)
}

// Is matches ErrUnexpectedExit.
func (e *ExitError) Is(target error) bool {
	return target == ErrUnexpectedExit
}

// IsEnvironmentNotFound reports whether err is a resolution failure.
func IsEnvironmentNotFound(err error) bool {
	return errors.Is(err, environment.ErrEnvironmentNotFound)
}
