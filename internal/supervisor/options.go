package supervisor

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/process"
)

// Resolver locates environments. *environment.Resolver implements it.
type Resolver interface {
	Resolve(envID string, packaged bool, platform environment.Platform) (environment.Descriptor, error)
}

// Spawner starts a worker process. process.Spawn is the default.
type Spawner func(desc environment.Descriptor, opts process.SpawnOptions) (*process.Process, error)

// Config configures a Supervisor.
type Config struct {
	// Packaged selects the packaged install layout.
	Packaged bool
	// Platform is the layout platform passed to the resolver.
	Platform environment.Platform
	// DefaultEnvironment is used when nothing selects an environment and
	// no worker has run yet.
	DefaultEnvironment string

	// TagVariable names the environment identity variable.
	TagVariable string
	// ExtraEnv is added to every worker environment.
	ExtraEnv map[string]string

	// SoftStartupTimeout is when a slow start is reported. The wait for
	// readiness continues after it.
	SoftStartupTimeout time.Duration
	// ExitGrace is how long the worker has to exit after the exit command.
	ExitGrace time.Duration
	// TerminateGrace is how long the worker has to exit after SIGTERM.
	TerminateGrace time.Duration
	// KillWait bounds the wait for a killed worker to be reaped.
	KillWait time.Duration
	// RestartDelay separates retiring a worker from starting the next.
	RestartDelay time.Duration
	// OutputDrain bounds how long exit handling waits for the worker's
	// output streams to reach end of file.
	OutputDrain time.Duration

	// WatchEnvironment marks a running environment stale when its
	// interpreter or entry script changes on disk.
	WatchEnvironment bool
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		Platform:           environment.CurrentPlatform(),
		DefaultEnvironment: "yolo",
		TagVariable:        process.DefaultTagVariable,
		SoftStartupTimeout: 30 * time.Second,
		ExitGrace:          time.Second,
		TerminateGrace:     time.Second,
		KillWait:           5 * time.Second,
		RestartDelay:       time.Second,
		OutputDrain:        2 * time.Second,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logging.Component(l, "supervisor")
		s.rootLogger = logging.OrDiscard(l)
	}
}

// WithRouter sets the router notifications are published to.
func WithRouter(r *event.Router) Option {
	return func(s *Supervisor) {
		s.router = r
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithSpawner replaces the process spawner.
func WithSpawner(fn Spawner) Option {
	return func(s *Supervisor) {
		s.spawn = fn
	}
}

// WithSelector sets the rules for commands without an explicit environment.
func WithSelector(sel *Selector) Option {
	return func(s *Supervisor) {
		s.selector = sel
	}
}
