// Package supervisor owns the lifecycle of the worker process: environment
// selection, spawn and readiness, restarts when a command needs a different
// environment, command queuing and correlation, and shutdown escalation.
//
// Commands submitted while the worker is not ready wait in a FIFO queue that
// is drained, in submission order, the moment the worker reports ready. A
// restart retires the old worker completely (exit command, SIGTERM, SIGKILL)
// before the replacement is spawned; the replacement gets a fresh channel and
// pending map, so late traffic from the retired worker never reaches callers.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/channel"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/process"
)

// queuedCommand waits for the worker to become ready.
type queuedCommand struct {
	ctx     context.Context
	cmd     channel.Command
	env     string
	outcome chan queueOutcome
}

// queueOutcome tells a queued submitter what became of its command.
type queueOutcome struct {
	result <-chan channel.Result
	err    error
	retry  bool
}

// Supervisor manages at most one live worker. It is safe for concurrent use.
type Supervisor struct {
	cfg        Config
	resolver   Resolver
	spawn      Spawner
	selector   *Selector
	router     *event.Router
	metrics    *Metrics
	logger     *log.Logger
	rootLogger *log.Logger

	// switchMu serializes environment switches.
	switchMu sync.Mutex

	mu      sync.Mutex
	state   State
	target  string
	current *worker
	queue   []*queuedCommand
	closed  bool
	closing chan struct{}
}

// New creates a supervisor in the Stopped state. No worker is spawned until
// the first command or EnsureEnvironment call.
func New(resolver Resolver, cfg Config, opts ...Option) *Supervisor {
	defaults := DefaultConfig()
	if cfg.Platform == "" {
		cfg.Platform = defaults.Platform
	}
	if cfg.DefaultEnvironment == "" {
		cfg.DefaultEnvironment = defaults.DefaultEnvironment
	}
	if cfg.OutputDrain <= 0 {
		cfg.OutputDrain = defaults.OutputDrain
	}

	s := &Supervisor{
		cfg:        cfg,
		resolver:   resolver,
		spawn:      process.Spawn,
		logger:     logging.Discard(),
		rootLogger: logging.Discard(),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.setState(StateStopped)
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the supervisor and its worker.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:       s.state,
		StateName:   s.state.String(),
		Ready:       s.state == StateReady,
		Environment: s.target,
		Queued:      len(s.queue),
	}
	if w := s.current; w != nil {
		st.PID = w.proc.PID()
		st.HandleID = w.proc.ID
		st.Pending = w.ch.Pending()
		st.Stale = w.stale.Load()
	}
	return st
}

// Start brings up env and waits until it is ready.
func (s *Supervisor) Start(ctx context.Context, env string) error {
	_, err := s.EnsureEnvironment(ctx, env)
	return err
}

// EnsureEnvironment makes env the running environment. It returns false
// without doing anything when env is already ready. Otherwise the running
// worker, if any, is retired, the restart delay elapses, and a worker for env
// is resolved, spawned and awaited; the result is then true.
//
// Cancelling ctx abandons the readiness wait only. A switch that has begun is
// carried through so queued commands are never stranded.
func (s *Supervisor) EnsureEnvironment(ctx context.Context, env string) (bool, error) {
	if env == "" {
		env = s.cfg.DefaultEnvironment
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrShutdown
	}
	w := s.current
	if w != nil && s.target == env && !w.stale.Load() {
		switch s.state {
		case StateReady:
			s.mu.Unlock()
			return false, nil
		case StateStarting:
			s.mu.Unlock()
			return false, s.awaitReady(ctx, w)
		}
	}
	from := s.target
	s.target = env
	if w != nil {
		s.setStateLocked(StateRestarting)
	} else {
		s.setStateLocked(StateStarting)
	}
	s.mu.Unlock()

	if w != nil {
		s.logger.Info("switching environment", "from", w.desc.ID, "to", env, "stale", w.stale.Load())
		s.retire(context.WithoutCancel(ctx), w)
		s.metrics.recordRestart(from, env)
		if !s.pause(s.cfg.RestartDelay) {
			return true, ErrShutdown
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return true, ErrShutdown
		}
		s.setStateLocked(StateStarting)
		s.mu.Unlock()
	}

	nw, err := s.start(env)
	if err != nil {
		return w != nil, err
	}
	return true, s.awaitReady(ctx, nw)
}

// Submit sends cmd to a worker running the environment the command needs
// and waits for the correlated response. The environment is cmd.Environment
// when set, else the first matching selector rule, else the running
// environment, else the default. There is no deadline other than ctx. A
// command still queued when ctx ends is withdrawn; one already written to
// the worker stays pending there.
func (s *Supervisor) Submit(ctx context.Context, cmd channel.Command) (json.RawMessage, error) {
	env := s.environmentFor(cmd)
	start := time.Now()
	resp, err := s.submit(ctx, cmd, env)
	s.metrics.recordCommand(cmd.Type, err, time.Since(start))
	if err != nil {
		s.logger.Debug("command failed", "type", cmd.Type, "environment", env, "error", err)
	}
	return resp, err
}

func (s *Supervisor) submit(ctx context.Context, cmd channel.Command, env string) (json.RawMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrShutdown
		}

		if w := s.current; s.state == StateReady && s.target == env && w != nil && !w.stale.Load() {
			// The write happens on the worker's writer goroutine. Handing
			// off under the lock keeps FIFO order with drained commands.
			outcome := make(chan queueOutcome, 1)
			w.enqueue(outbound{ctx: ctx, cmd: cmd, outcome: outcome})
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case o := <-outcome:
				return s.awaitOutcome(ctx, o)
			}
		}

		// Queue before starting anything so a command that triggers a
		// start keeps its place ahead of commands submitted after it.
		item := &queuedCommand{ctx: ctx, cmd: cmd, env: env, outcome: make(chan queueOutcome, 1)}
		s.queue = append(s.queue, item)
		s.metrics.setQueueDepth(len(s.queue))
		starting := s.target == env && (s.state == StateStarting || s.state == StateRestarting)
		s.mu.Unlock()
		s.logger.Debug("queued command until ready", "type", cmd.Type, "environment", env)

		if !starting {
			if _, err := s.EnsureEnvironment(ctx, env); err != nil {
				if s.dequeue(item) {
					return nil, err
				}
				// Someone else took the command off the queue. Use the
				// outcome they chose unless ctx has ended meanwhile.
				select {
				case o := <-item.outcome:
					if !o.retry {
						return s.awaitOutcome(ctx, o)
					}
				case <-ctx.Done():
				}
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			if s.dequeue(item) {
				return nil, ctx.Err()
			}
			// Already taken. A failure that is already known wins, but
			// never wait for a write that may be stuck.
			select {
			case o := <-item.outcome:
				if !o.retry && o.err != nil {
					return nil, o.err
				}
			default:
			}
			return nil, ctx.Err()
		case o := <-item.outcome:
			if o.retry {
				continue
			}
			return s.awaitOutcome(ctx, o)
		}
	}
}

func (s *Supervisor) awaitOutcome(ctx context.Context, o queueOutcome) (json.RawMessage, error) {
	if o.err != nil {
		return nil, o.err
	}
	return waitResult(ctx, o.result)
}

// dequeue withdraws item if it is still queued and reports whether it was.
func (s *Supervisor) dequeue(item *queuedCommand) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == item {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.metrics.setQueueDepth(len(s.queue))
			return true
		}
	}
	return false
}

func waitResult(ctx context.Context, res <-chan channel.Result) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		return r.Response, r.Err
	}
}

func (s *Supervisor) environmentFor(cmd channel.Command) string {
	if env, ok := s.selector.Select(cmd); ok {
		return env
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target != "" {
		return s.target
	}
	return s.cfg.DefaultEnvironment
}

// Shutdown stops the worker: the exit command, then SIGTERM after the exit
// grace, then SIGKILL after the terminate grace. Queued and pending commands
// fail with ErrChannelClosed. An expired ctx skips straight to SIGKILL. The
// supervisor cannot be restarted afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	w := s.current
	s.setStateLocked(StateStopping)
	queue := s.takeQueueLocked()
	s.mu.Unlock()

	s.logger.Info("shutting down", "queued", len(queue))
	qerr := fmt.Errorf("%w: %w", channel.ErrChannelClosed, ErrShutdown)
	for _, item := range queue {
		item.outcome <- queueOutcome{err: qerr}
	}

	if w != nil {
		s.retire(ctx, w)
	}

	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
	return nil
}

// start resolves and spawns env and installs it as the current worker.
func (s *Supervisor) start(env string) (*worker, error) {
	desc, err := s.resolver.Resolve(env, s.cfg.Packaged, s.cfg.Platform)
	if err != nil {
		s.startFailed(env, err)
		return nil, err
	}

	proc, err := s.spawn(desc, process.SpawnOptions{
		TagVariable: s.cfg.TagVariable,
		Extra:       s.cfg.ExtraEnv,
	})
	if err != nil {
		serr := &StartupError{Environment: env, Cause: err}
		s.startFailed(env, serr)
		return nil, serr
	}

	w := newWorker(desc, proc, s.logger)
	chLogger := logging.Component(s.rootLogger, "channel").With("environment", env, "pid", proc.PID())
	w.ch = channel.New(proc.Stdin, s.hooks(w), chLogger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = proc.Kill()
		proc.Wait(s.cfg.KillWait)
		proc.Close()
		return nil, ErrShutdown
	}
	s.current = w
	s.mu.Unlock()

	w.readers.Add(2)
	go s.readStdout(w)
	go s.readStderr(w)
	go s.monitor(w)
	go w.writeLoop()

	if s.cfg.WatchEnvironment {
		watcher, err := watchEnvironment(desc, w.logger, func(path string) { s.environmentChanged(w, path) })
		if err != nil {
			w.logger.Debug("environment watch unavailable", "error", err)
		} else {
			w.setWatcher(watcher)
		}
	}

	s.metrics.recordStart(env, nil)
	w.logger.Info("worker spawned",
		"strategy", desc.Strategy,
		"interpreter", desc.Interpreter,
		"script", desc.EntryScript,
		"handle", proc.ID)
	return w, nil
}

func (s *Supervisor) startFailed(env string, err error) {
	s.metrics.recordStart(env, err)

	s.mu.Lock()
	if s.current == nil && !s.closed {
		s.setStateLocked(StateStopped)
	}
	queue := s.takeQueueLocked()
	s.mu.Unlock()

	for _, item := range queue {
		item.outcome <- queueOutcome{err: err}
	}
	s.logger.Error("worker start failed", "environment", env, "error", err)
	s.publishFailure(startFailure(env, err))
}

// awaitReady blocks until w signals readiness, exits, or the wait is
// abandoned. The soft startup timeout only reports; it never fails the wait.
func (s *Supervisor) awaitReady(ctx context.Context, w *worker) error {
	var soft <-chan time.Time
	if d := s.cfg.SoftStartupTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		soft = t.C
	}

	for {
		select {
		case <-w.ready:
			return nil
		case <-w.exited:
			select {
			case <-w.ready:
				return nil
			default:
			}
			return &StartupError{Environment: w.desc.ID, Cause: w.exitCause()}
		case <-s.closing:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		case <-soft:
			soft = nil
			w.slowOnce.Do(func() {
				elapsed := time.Since(w.spawned)
				w.logger.Warn("worker startup is slow, still waiting", "elapsed", elapsed)
				s.publish(event.StatusEvent(event.Status{
					Ready:       false,
					PID:         w.proc.PID(),
					Environment: w.desc.ID,
					Message:     fmt.Sprintf("worker startup is taking longer than %s, still waiting", s.cfg.SoftStartupTimeout),
					ElapsedMs:   elapsed.Milliseconds(),
				}))
			})
		}
	}
}

// retire stops w and waits until its exit has been handled.
func (s *Supervisor) retire(ctx context.Context, w *worker) {
	w.retiring.Store(true)
	w.logger.Info("stopping worker")

	// A worker that has stopped reading stdin can hold the write lock
	// indefinitely, and the signals below must not wait for it.
	go func() {
		if err := w.ch.Notify(channel.Command{Type: channel.ExitCommand}); err != nil {
			w.logger.Debug("exit command not delivered", "error", err)
		}
	}()

	if !waitExit(ctx, w.proc, s.cfg.ExitGrace) {
		w.logger.Warn("worker still running after exit command, sending SIGTERM")
		if err := w.proc.Terminate(); err != nil {
			w.logger.Debug("SIGTERM failed", "error", err)
		}
		if !waitExit(ctx, w.proc, s.cfg.TerminateGrace) {
			w.logger.Warn("worker still running after SIGTERM, killing")
			if err := w.proc.Kill(); err != nil {
				w.logger.Debug("kill failed", "error", err)
			}
			w.proc.Wait(s.cfg.KillWait)
		}
	}

	t := time.NewTimer(s.cfg.KillWait + s.cfg.OutputDrain)
	defer t.Stop()
	select {
	case <-w.exited:
	case <-t.C:
		w.logger.Error("worker was not reaped, abandoning it", "pid", w.proc.PID())
		s.mu.Lock()
		if s.current == w {
			s.current = nil
		}
		s.mu.Unlock()
		w.ch.Close(ErrShutdown)
		w.proc.Close()
	}
}

// waitExit waits up to d for p to exit. An expired ctx ends the wait early.
func waitExit(ctx context.Context, p *process.Process, d time.Duration) bool {
	if d <= 0 {
		return p.Wait(0)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return p.Wait(0)
	}
}

// pause sleeps for d unless the supervisor shuts down first.
func (s *Supervisor) pause(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.closing:
		return false
	}
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state != st {
		s.logger.Debug("state change", "from", s.state, "to", st)
	}
	s.state = st
	s.metrics.setState(st)
}

func (s *Supervisor) takeQueueLocked() []*queuedCommand {
	q := s.queue
	s.queue = nil
	s.metrics.setQueueDepth(0)
	return q
}

func (s *Supervisor) isCurrent(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == w
}

func (s *Supervisor) publish(ev event.Event) {
	if s.router != nil {
		s.router.Publish(ev)
	}
}

// publishFailure notifies subscribers of a failure. Without subscribers the
// failure is only logged.
func (s *Supervisor) publishFailure(f event.Failure) {
	if s.router == nil || !s.router.HasSubscribers() {
		return
	}
	s.router.Publish(event.FailureEvent(f))
}

// Resolve exposes the resolver with the supervisor's layout settings.
func (s *Supervisor) Resolve(env string) (environment.Descriptor, error) {
	return s.resolver.Resolve(env, s.cfg.Packaged, s.cfg.Platform)
}
