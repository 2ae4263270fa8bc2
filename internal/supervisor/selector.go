package supervisor

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/channel"
)

// Rule selects an environment for commands that do not name one.
type Rule struct {
	// Command matches the command type. Empty matches any type.
	Command string
	// Path is a gjson path into the command data.
	Path string
	// Contains must occur in the value at Path, ignoring case. Empty
	// accepts any non-empty value.
	Contains string
	// Environment is the environment selected on a match.
	Environment string
}

func (r Rule) matches(cmd channel.Command) bool {
	if r.Command != "" && r.Command != cmd.Type {
		return false
	}
	if r.Path == "" {
		return true
	}
	if len(cmd.Data) == 0 {
		return false
	}
	v := gjson.GetBytes(cmd.Data, r.Path)
	if !v.Exists() || v.String() == "" {
		return false
	}
	return strings.Contains(strings.ToLower(v.String()), strings.ToLower(r.Contains))
}

// Selector evaluates rules in order; the first match wins.
type Selector struct {
	rules []Rule
}

// NewSelector creates a selector over rules.
func NewSelector(rules ...Rule) *Selector {
	return &Selector{rules: append([]Rule(nil), rules...)}
}

// Select returns the environment for cmd. An explicit cmd.Environment
// always wins. ok is false when nothing selects an environment.
func (s *Selector) Select(cmd channel.Command) (env string, ok bool) {
	if cmd.Environment != "" {
		return cmd.Environment, true
	}
	if s == nil {
		return "", false
	}
	for _, r := range s.rules {
		if r.matches(cmd) {
			return r.Environment, true
		}
	}
	return "", false
}
