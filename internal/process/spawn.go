package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
)

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	// TagVariable names the environment identity variable.
	TagVariable string
	// Extra variables for the worker environment.
	Extra map[string]string
	// Host is the inherited environment. Nil means os.Environ().
	Host []string
	// Args are appended after the entry script.
	Args []string
}

// Spawn starts the worker described by desc with all three standard streams
// piped and the working directory set to the entry script's directory.
func Spawn(desc environment.Descriptor, opts SpawnOptions) (*Process, error) {
	if desc.Interpreter == "" {
		return nil, errors.New("spawn: descriptor has no interpreter")
	}

	host := opts.Host
	if host == nil {
		host = os.Environ()
	}

	args := append([]string{desc.EntryScript}, opts.Args...)
	cmd := exec.Command(desc.Interpreter, args...)
	cmd.Dir = desc.WorkDir()
	cmd.Env = BuildEnv(host, EnvSpec{
		Environment: desc.ID,
		TagVariable: opts.TagVariable,
		Home:        desc.Home,
		Extra:       opts.Extra,
	})

	var (
		childEnds  []*os.File
		parentEnds []*os.File
	)
	cleanup := func() {
		for _, f := range childEnds {
			f.Close()
		}
		for _, f := range parentEnds {
			f.Close()
		}
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	childEnds, parentEnds = append(childEnds, stdinR), append(parentEnds, stdinW)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	childEnds, parentEnds = append(childEnds, stdoutW), append(parentEnds, stdoutR)

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	childEnds, parentEnds = append(childEnds, stderrW), append(parentEnds, stderrR)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p := newProcess(uuid.NewString(), desc.ID, cmd)
	p.Stdin = stdinW
	p.Stdout = stdoutR
	p.Stderr = stderrR

	if err := p.start(); err != nil {
		cleanup()
		return nil, err
	}

	// The child holds its own copies now.
	for _, f := range childEnds {
		f.Close()
	}
	return p, nil
}
