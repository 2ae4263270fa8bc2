package app

import (
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/config"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/supervisor"
)

// bootstrap initializes all components in dependency order.
func (app *Application) bootstrap() error {
	// 1. Config
	if app.cfg == nil {
		cfg, err := config.Load(app.opts.ConfigPath)
		if err != nil {
			return &ComponentError{Component: "config", Action: "load", Err: err}
		}
		app.cfg = cfg
	}
	if app.opts.LogLevel != "" {
		app.cfg.Logging.Level = app.opts.LogLevel
	}
	if app.opts.LogFormat != "" {
		app.cfg.Logging.Format = app.opts.LogFormat
	}

	// 2. Logging
	if err := app.initLogging(); err != nil {
		return &ComponentError{Component: "logging", Action: "init", Err: err}
	}

	// 3. Event router
	app.router = event.NewRouter(
		event.WithQueueSize(app.cfg.Supervisor.SubscriberQueue),
		event.WithLogger(logging.Component(app.logger, "router")),
		event.WithPanicHandler(func(id uint64, ev event.Event, recovered any, stack []byte) {
			app.logger.Error("event subscriber panicked",
				"subscriber", id, "kind", ev.Kind, "panic", recovered, "stack", string(stack))
		}),
	)

	// 4. Environment resolver
	app.resolver = environment.NewResolver(
		app.cfg.Environment.Layout(),
		environment.WithLogger(logging.Component(app.logger, "resolver")),
	)

	// 5. Metrics
	if app.cfg.Metrics.Enabled {
		app.metrics = supervisor.NewMetrics(app.cfg.Metrics.Namespace)
	}

	// 6. Supervisor
	app.sup = supervisor.New(app.resolver, SupervisorConfig(app.cfg),
		supervisor.WithLogger(app.logger),
		supervisor.WithRouter(app.router),
		supervisor.WithMetrics(app.metrics),
		supervisor.WithSelector(Selector(app.cfg)),
	)

	app.logger.Debug("bootstrap complete",
		"version", buildVersion(),
		"project_root", app.cfg.Environment.ProjectRoot,
		"resources_root", app.cfg.Environment.ResourcesRoot)
	return nil
}

func (app *Application) initLogging() error {
	lc := logging.DefaultConfig()
	lc.Level = app.cfg.Logging.Level
	lc.Format = logging.Format(app.cfg.Logging.Format)
	lc.Timestamps = app.cfg.Logging.Timestamps

	switch {
	case app.opts.LogOutput != nil:
		lc.Output = app.opts.LogOutput
	case app.cfg.Logging.File != "":
		if err := os.MkdirAll(filepath.Dir(app.cfg.Logging.File), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(app.cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		app.logFile = f
		lc.Output = f
	default:
		lc.Output = os.Stderr
	}

	logger, err := logging.New(lc)
	if err != nil {
		return err
	}
	app.logger = logger
	return nil
}

// SupervisorConfig maps the file configuration onto supervisor settings.
func SupervisorConfig(cfg *config.Config) supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.Packaged = cfg.Environment.Packaged
	sc.Platform = cfg.Environment.TargetPlatform()
	sc.DefaultEnvironment = cfg.Environment.Default
	if cfg.Environment.TagVariable != "" {
		sc.TagVariable = cfg.Environment.TagVariable
	}
	sc.SoftStartupTimeout = cfg.Supervisor.SoftStartupTimeout.Std()
	sc.ExitGrace = cfg.Supervisor.ExitGrace.Std()
	sc.TerminateGrace = cfg.Supervisor.TerminateGrace.Std()
	sc.KillWait = cfg.Supervisor.KillWait.Std()
	sc.RestartDelay = cfg.Supervisor.RestartDelay.Std()
	sc.WatchEnvironment = cfg.Supervisor.WatchEnvironment
	return sc
}

// Selector builds the selector from the configured rules.
func Selector(cfg *config.Config) *supervisor.Selector {
	rules := make([]supervisor.Rule, 0, len(cfg.Selector.Rules))
	for _, r := range cfg.Selector.Rules {
		rules = append(rules, supervisor.Rule{
			Command:     r.Command,
			Path:        r.Path,
			Contains:    r.Contains,
			Environment: r.Environment,
		})
	}
	return supervisor.NewSelector(rules...)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
