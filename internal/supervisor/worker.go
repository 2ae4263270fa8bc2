package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/channel"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/process"
)

// worker is one spawned process together with its channel. Callbacks hold
// the worker they were created for, so traffic from a retired worker can be
// told apart from the current one.
type worker struct {
	desc    environment.Descriptor
	proc    *process.Process
	ch      *channel.Channel
	logger  *log.Logger
	spawned time.Time

	ready     chan struct{}
	readyOnce sync.Once
	slowOnce  sync.Once

	// exited is closed once exit handling has finished.
	exited  chan struct{}
	exitErr error

	retiring atomic.Bool
	stale    atomic.Bool

	readers sync.WaitGroup

	// outbox holds commands bound for stdin in FIFO order. Only the
	// writer goroutine writes to the channel.
	outMu  sync.Mutex
	outbox []outbound
	wake   chan struct{}

	watchMu sync.Mutex
	watcher *envWatcher
}

func newWorker(desc environment.Descriptor, proc *process.Process, logger *log.Logger) *worker {
	return &worker{
		desc:    desc,
		proc:    proc,
		logger:  logger.With("environment", desc.ID, "pid", proc.PID()),
		spawned: time.Now(),
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// outbound is a command waiting for the writer goroutine.
type outbound struct {
	ctx     context.Context
	cmd     channel.Command
	outcome chan queueOutcome
}

// enqueue hands o to the writer goroutine. It never blocks, so it may be
// called with the supervisor lock held.
func (w *worker) enqueue(o outbound) {
	w.outMu.Lock()
	w.outbox = append(w.outbox, o)
	w.outMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) takeOutbox() []outbound {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	out := w.outbox
	w.outbox = nil
	return out
}

// writeLoop writes queued commands to the worker one at a time. A blocked
// write stalls only this goroutine. Commands whose submitter has given up
// before their turn are skipped.
func (w *worker) writeLoop() {
	for {
		select {
		case <-w.wake:
			w.writeOutbox()
		case <-w.ch.Done():
			w.writeOutbox()
			return
		}
	}
}

func (w *worker) writeOutbox() {
	for _, o := range w.takeOutbox() {
		if err := o.ctx.Err(); err != nil {
			o.outcome <- queueOutcome{err: err}
			continue
		}
		_, res, err := w.ch.Send(o.cmd)
		o.outcome <- queueOutcome{result: res, err: err}
	}
}

func (w *worker) setWatcher(ew *envWatcher) {
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	select {
	case <-w.exited:
		ew.Close()
		return
	default:
	}
	w.watcher = ew
}

func (w *worker) stopWatching() {
	w.watchMu.Lock()
	ew := w.watcher
	w.watcher = nil
	w.watchMu.Unlock()
	ew.Close()
}

// exitCause is valid once exited is closed.
func (w *worker) exitCause() error {
	if w.exitErr != nil {
		return w.exitErr
	}
	return errors.New("worker exited")
}

func (s *Supervisor) hooks(w *worker) channel.Hooks {
	return channel.Hooks{
		OnReady: func() { s.onReady(w) },
		OnEvent: func(raw json.RawMessage) {
			if !s.isCurrent(w) {
				w.logger.Debug("dropping event from retired worker")
				return
			}
			s.publish(event.WorkerEvent(raw))
		},
		OnWorkerError: func(message string) {
			s.metrics.recordWorkerError()
			if !s.isCurrent(w) {
				return
			}
			s.publish(event.WorkerErrorEvent(w.desc.ID, message))
		},
		OnNoise: func(line string) {
			w.logger.Debug("worker output", "line", line)
		},
		OnProtocolError: func(*channel.ProtocolError) {
			s.metrics.recordProtocolError()
		},
	}
}

// onReady promotes w to Ready and flushes the queue to it in FIFO order.
// Duplicate ready messages and ready from a retired worker are ignored.
func (s *Supervisor) onReady(w *worker) {
	s.mu.Lock()
	if s.current != w || s.closed {
		s.mu.Unlock()
		w.logger.Debug("ignoring ready from inactive worker")
		return
	}
	first := false
	w.readyOnce.Do(func() { first = true })
	if !first {
		s.mu.Unlock()
		w.logger.Debug("ignoring duplicate ready")
		return
	}
	s.setStateLocked(StateReady)
	drained := s.drainQueueLocked(w)
	close(w.ready)
	s.mu.Unlock()

	elapsed := time.Since(w.spawned)
	s.metrics.recordReady(w.desc.ID, elapsed)
	w.logger.Info("worker ready", "elapsed", elapsed, "drained", drained)
	s.publish(event.StatusEvent(event.Status{
		Ready:       true,
		PID:         w.proc.PID(),
		Environment: w.desc.ID,
		ElapsedMs:   elapsed.Milliseconds(),
	}))
}

// drainQueueLocked hands queued commands for w's environment to its writer
// in order. Commands queued for another environment are told to retry.
func (s *Supervisor) drainQueueLocked(w *worker) int {
	n := 0
	for _, item := range s.takeQueueLocked() {
		if item.env != w.desc.ID {
			item.outcome <- queueOutcome{retry: true}
			continue
		}
		w.enqueue(outbound{ctx: item.ctx, cmd: item.cmd, outcome: item.outcome})
		n++
	}
	return n
}

func (s *Supervisor) readStdout(w *worker) {
	defer w.readers.Done()
	if err := w.ch.ReadFrom(w.proc.Stdout); err != nil && !errors.Is(err, os.ErrClosed) {
		w.logger.Debug("stdout read ended", "error", err)
	}
}

// readStderr logs and publishes every non-empty stderr line.
func (s *Supervisor) readStderr(w *worker) {
	defer w.readers.Done()
	br := bufio.NewReader(w.proc.Stderr)
	for {
		line, err := br.ReadString('\n')
		if text := strings.TrimSpace(line); text != "" {
			w.logger.Debug("worker stderr", "line", text)
			if s.isCurrent(w) {
				s.publish(event.DiagnosticEvent(event.NewDiagnostic(text)))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				w.logger.Debug("stderr read ended", "error", err)
			}
			return
		}
	}
}

// monitor waits for the process to exit and its output to drain, then
// handles the exit.
func (s *Supervisor) monitor(w *worker) {
	<-w.proc.Done()

	drained := make(chan struct{})
	go func() {
		w.readers.Wait()
		close(drained)
	}()

	t := time.NewTimer(s.cfg.OutputDrain)
	select {
	case <-drained:
	case <-t.C:
		w.logger.Warn("worker output did not close after exit")
		w.proc.Close()
		<-drained
	}
	t.Stop()

	s.handleExit(w)
}

// handleExit tears down w. Outside a retirement it fails queued and pending
// commands with ErrChannelClosed and reports the failure.
func (s *Supervisor) handleExit(w *worker) {
	code := w.proc.ExitCode()
	signaled := w.proc.Signaled() || code < 0
	exitErr := &ExitError{
		Environment: w.desc.ID,
		Code:        code,
		Signaled:    signaled,
		Category:    ClassifyExit(code),
	}
	if signaled {
		exitErr.Category = CategorySignal
	}
	intentional := w.retiring.Load()

	s.mu.Lock()
	var queue []*queuedCommand
	if s.current == w {
		s.current = nil
		if !intentional {
			s.setStateLocked(StateStopped)
			queue = s.takeQueueLocked()
		}
	}
	s.mu.Unlock()

	if intentional {
		w.ch.Close(nil)
	} else {
		w.ch.Close(exitErr)
	}
	if err := w.proc.Close(); err != nil {
		w.logger.Debug("closing worker streams", "error", err)
	}

	w.exitErr = exitErr
	close(w.exited)
	w.stopWatching()

	if intentional {
		w.logger.Info("worker stopped", "code", code, "runtime", w.proc.Runtime())
		return
	}

	// Anything still queued never reached the worker, which means it died
	// before becoming ready.
	var qerr error = &StartupError{Environment: w.desc.ID, Cause: exitErr}
	select {
	case <-w.ready:
		qerr = fmt.Errorf("%w: %w", channel.ErrChannelClosed, exitErr)
	default:
	}
	for _, item := range queue {
		item.outcome <- queueOutcome{err: qerr}
	}

	s.metrics.recordExit(exitErr.Category)
	s.publish(event.StatusEvent(event.Status{
		Ready:       false,
		Environment: w.desc.ID,
		Message:     exitErr.Error(),
	}))

	switch {
	case signaled:
		w.logger.Warn("worker terminated by signal")
	case code == 0:
		w.logger.Warn("worker exited without being asked to")
	default:
		w.logger.Error("worker exited unexpectedly", "code", code, "category", exitErr.Category)
		s.publishFailure(exitFailure(w.desc.ID, code))
	}
}

// environmentChanged marks w stale so the next command restarts it.
func (s *Supervisor) environmentChanged(w *worker, path string) {
	if w.stale.Swap(true) {
		return
	}
	s.metrics.recordEnvChange(w.desc.ID)
	w.logger.Warn("environment changed on disk, restarting on next command", "path", path)
	s.publish(event.StatusEvent(event.Status{
		Ready:       s.isCurrent(w) && s.State() == StateReady,
		PID:         w.proc.PID(),
		Environment: w.desc.ID,
		Message:     fmt.Sprintf("environment %s changed on disk; the worker restarts on the next command", w.desc.ID),
	}))
}
