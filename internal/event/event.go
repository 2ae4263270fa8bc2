// Package event fans worker events and supervisor notifications out to
// subscribers without ever blocking the publisher.
package event

import (
	"encoding/json"
	"time"
)

// Kind identifies what an Event carries.
type Kind string

const (
	// KindWorker is an asynchronous event emitted by the worker.
	KindWorker Kind = "worker.event"
	// KindStatus is a readiness or lifecycle status change.
	KindStatus Kind = "worker.status"
	// KindDiagnostic is a line the worker wrote to its error stream.
	KindDiagnostic Kind = "worker.stderr"
	// KindFailure is a categorized worker failure.
	KindFailure Kind = "worker.failure"
	// KindWorkerError is an error message the worker reported in-band.
	KindWorkerError Kind = "worker.error"
)

// Status is a readiness notification.
type Status struct {
	Ready       bool   `json:"ready"`
	PID         int    `json:"pid,omitempty"`
	Message     string `json:"message,omitempty"`
	ElapsedMs   int64  `json:"elapsedMs,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Diagnostic is one stderr line from the worker.
type Diagnostic struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// NewDiagnostic wraps a stderr line stamped with the current time in
// milliseconds.
func NewDiagnostic(line string) Diagnostic {
	return Diagnostic{Type: "stderr", Data: line, Timestamp: time.Now().UnixMilli()}
}

// Failure is a categorized worker failure suitable for showing to a user.
type Failure struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Detail      string `json:"detail"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// WorkerError is an error line the worker sent on its output stream.
type WorkerError struct {
	Message     string `json:"message"`
	Environment string `json:"environment,omitempty"`
}

// Event is the unit delivered to subscribers. Exactly one payload field is
// set, matching Kind.
type Event struct {
	Kind       Kind            `json:"kind"`
	Time       time.Time       `json:"time"`
	Worker     json.RawMessage `json:"event,omitempty"`
	Status     *Status         `json:"status,omitempty"`
	Diagnostic *Diagnostic     `json:"diagnostic,omitempty"`
	Failure    *Failure        `json:"failure,omitempty"`
	Error      *WorkerError    `json:"error,omitempty"`
}

// WorkerEvent wraps a raw worker event payload.
func WorkerEvent(raw json.RawMessage) Event {
	return Event{Kind: KindWorker, Time: time.Now(), Worker: raw}
}

// StatusEvent wraps a status notification.
func StatusEvent(s Status) Event {
	return Event{Kind: KindStatus, Time: time.Now(), Status: &s}
}

// DiagnosticEvent wraps a stderr diagnostic.
func DiagnosticEvent(d Diagnostic) Event {
	return Event{Kind: KindDiagnostic, Time: time.Now(), Diagnostic: &d}
}

// FailureEvent wraps a failure notification.
func FailureEvent(f Failure) Event {
	return Event{Kind: KindFailure, Time: time.Now(), Failure: &f}
}

// WorkerErrorEvent wraps an error message reported by the worker running env.
func WorkerErrorEvent(env, message string) Event {
	return Event{Kind: KindWorkerError, Time: time.Now(), Error: &WorkerError{Message: message, Environment: env}}
}
