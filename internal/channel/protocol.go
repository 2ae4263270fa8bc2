package channel

import (
	"encoding/json"
)

// MessageType tags an inbound worker message.
type MessageType string

// Inbound message types.
const (
	TypeReady    MessageType = "ready"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
	TypeError    MessageType = "error"
)

// ExitCommand is the fire-and-forget request for the worker to exit.
const ExitCommand = "exit"

// Command is one outbound request.
type Command struct {
	// Type names the operation, e.g. "get_models".
	Type string `json:"type"`

	// Data is the optional payload.
	Data json.RawMessage `json:"data,omitempty"`

	// ID is assigned by the channel on Send. Zero means fire-and-forget.
	ID uint64 `json:"id,omitempty"`

	// Environment selects the runtime environment the command needs.
	// It is consumed by the supervisor and never written to the worker.
	Environment string `json:"-"`
}

// NewCommand builds a command with data marshaled from v. A nil v leaves
// Data empty.
func NewCommand(typ string, v any) (Command, error) {
	cmd := Command{Type: typ}
	if v == nil {
		return cmd, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Command{}, err
	}
	cmd.Data = data
	return cmd, nil
}

// Result completes a pending command.
type Result struct {
	Response json.RawMessage
	Err      error
}
