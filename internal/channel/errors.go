package channel

import (
	"errors"
	"fmt"
)

// Standard errors returned by the channel.
var (
	// ErrChannelClosed is delivered to every pending command when the
	// channel is torn down, and returned by sends after that.
	ErrChannelClosed = errors.New("channel closed")

	// ErrProtocol indicates a structured line that is not valid JSON.
	ErrProtocol = errors.New("protocol error")
)

// ProtocolError describes an inbound line that failed to parse.
type ProtocolError struct {
	Line string
	Err  error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %v: %q", e.Err, line)
	}
	return fmt.Sprintf("protocol error: %q", line)
}

// Unwrap returns the underlying decode error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is matches ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// closedError carries the teardown cause while matching ErrChannelClosed.
type closedError struct {
	cause error
}

func (e *closedError) Error() string {
	if e.cause == nil {
		return ErrChannelClosed.Error()
	}
	return fmt.Sprintf("%v: %v", ErrChannelClosed, e.cause)
}

func (e *closedError) Is(target error) bool {
	return target == ErrChannelClosed
}

func (e *closedError) Unwrap() error {
	return e.cause
}
