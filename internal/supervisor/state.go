package supervisor

import "fmt"

// State is the supervisor lifecycle state.
type State int32

const (
	// StateStopped means no worker is running. It is the initial state.
	StateStopped State = iota
	// StateStarting means a worker was spawned and readiness is awaited.
	StateStarting
	// StateReady means the worker accepts commands.
	StateReady
	// StateRestarting means the worker is being replaced for another
	// environment.
	StateRestarting
	// StateStopping means shutdown is in progress.
	StateStopping
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State       State  `json:"-"`
	StateName   string `json:"state"`
	Ready       bool   `json:"ready"`
	Environment string `json:"environment,omitempty"`
	PID         int    `json:"pid,omitempty"`
	HandleID    string `json:"handleId,omitempty"`
	Pending     int    `json:"pending"`
	Queued      int    `json:"queued"`
	Stale       bool   `json:"stale,omitempty"`
}
