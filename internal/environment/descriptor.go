// Package environment locates the interpreter and entry script for a named
// worker runtime environment.
//
// Resolution walks an ordered list of candidate strategies that depend on the
// target platform and on whether the application runs from a packaged
// install or a development checkout. The first strategy whose interpreter and
// entry script both exist on disk wins.
package environment

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Platform identifies the operating system family a layout targets.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
)

// CurrentPlatform returns the platform of the running binary.
func CurrentPlatform() Platform {
	return Platform(runtime.GOOS)
}

// POSIX reports whether the platform uses POSIX layouts and permissions.
func (p Platform) POSIX() bool {
	return p != PlatformWindows
}

// exe appends the executable suffix used by the platform.
func (p Platform) exe(name string) string {
	if p == PlatformWindows {
		return name + ".exe"
	}
	return name
}

// Descriptor is a resolved environment. It is an immutable value.
type Descriptor struct {
	// ID is the environment identity, e.g. "yolo".
	ID string `json:"id"`

	// Interpreter is the absolute path of the interpreter executable.
	Interpreter string `json:"interpreterPath"`

	// EntryScript is the script the interpreter runs.
	EntryScript string `json:"entryScriptPath"`

	// Home overrides the interpreter home directory. Empty unless the
	// interpreter is a relocated standalone build that needs it.
	Home string `json:"home,omitempty"`

	// Strategy names the candidate strategy that produced the descriptor.
	Strategy string `json:"strategy"`
}

// WorkDir is the directory the worker runs in.
func (d Descriptor) WorkDir() string {
	return filepath.Dir(d.EntryScript)
}

// String returns a short human-readable form.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%s] %s %s", d.ID, d.Strategy, d.Interpreter, d.EntryScript)
}
