// Package process manages the lifetime of a spawned worker process and its
// three piped standard streams.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Sentinel errors for the process package.
var (
	// ErrNotStarted is returned when an operation needs a running process.
	ErrNotStarted = errors.New("process not started")

	// ErrAlreadyStarted is returned when starting a process twice.
	ErrAlreadyStarted = errors.New("process already started")
)

// State represents the state of a process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process exited on its own.
	StateExited
	// StateKilled indicates the process was terminated by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Process is one spawned worker.
//
// The parent owns the stdin write end and the stdout/stderr read ends. They
// are plain pipes rather than exec.Cmd pipes, so reaping the child never
// closes them underneath a reader that has not drained them yet.
type Process struct {
	// ID uniquely identifies this handle.
	ID string

	// Environment is the environment identity the process runs.
	Environment string

	// Cmd is the underlying command.
	Cmd *exec.Cmd

	// Stdin is the write end of the worker's standard input.
	Stdin io.WriteCloser

	// Stdout is the read end of the worker's standard output.
	Stdout io.ReadCloser

	// Stderr is the read end of the worker's standard error.
	Stderr io.ReadCloser

	// Started is the time the process was started.
	Started time.Time

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	waitOnce  sync.Once
	closeOnce sync.Once
}

func newProcess(id, env string, cmd *exec.Cmd) *Process {
	p := &Process{
		ID:          id,
		Environment: env,
		Cmd:         cmd,
		done:        make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)
	return p
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the exit code. It is -1 while running and for a process
// terminated by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// Done returns a channel that is closed when the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsRunning reports whether the process is running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// HasExited reports whether the process has exited or been killed.
func (p *Process) HasExited() bool {
	state := p.State()
	return state == StateExited || state == StateKilled
}

// Signaled reports whether the process was terminated by a signal.
func (p *Process) Signaled() bool {
	return p.State() == StateKilled
}

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	if p.Cmd == nil || p.Cmd.Process == nil {
		return -1
	}
	return p.Cmd.Process.Pid
}

// Signal sends sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	if !p.IsRunning() || p.Cmd.Process == nil {
		return fmt.Errorf("signal %v: %w", sig, ErrNotStarted)
	}
	return p.Cmd.Process.Signal(sig)
}

// Terminate sends SIGTERM. Platforms without SIGTERM return an error and
// callers escalate to Kill.
func (p *Process) Terminate() error {
	return p.Signal(syscall.SIGTERM)
}

// Kill forcibly terminates the process.
func (p *Process) Kill() error {
	if !p.IsRunning() || p.Cmd.Process == nil {
		return ErrNotStarted
	}
	return p.Cmd.Process.Kill()
}

// Wait blocks until the process exits or timeout elapses and reports
// whether it exited.
func (p *Process) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrAlreadyStarted
	}
	if err := p.Cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	p.Started = time.Now()
	p.state.Store(int32(StateRunning))
	go p.waitLoop()
	return nil
}

func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.Cmd.Wait()
		exitCode := 0
		state := StateExited

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
				}
			} else {
				exitCode = -1
			}
		}

		p.exitCode.Store(int32(exitCode))
		p.state.Store(int32(state))
		close(p.done)
	})
}

// Close closes the parent's ends of the standard streams. It does not
// signal the process.
func (p *Process) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		for _, c := range []struct {
			name string
			c    io.Closer
		}{{"stdin", p.Stdin}, {"stdout", p.Stdout}, {"stderr", p.Stderr}} {
			if c.c == nil {
				continue
			}
			if err := c.c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// Runtime returns how long the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}
