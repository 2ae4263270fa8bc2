// Package app wires configuration, logging, environment resolution, the
// supervisor and the event router into the workerd service, and serves the
// command boundary over a pair of streams.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/config"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/supervisor"
)

// Application owns every long-lived component of the service.
type Application struct {
	opts Options
	cfg  *config.Config

	logger  *log.Logger
	logFile *os.File

	router   *event.Router
	resolver *environment.Resolver
	metrics  *supervisor.Metrics
	sup      *supervisor.Supervisor

	running      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Options configures the application.
type Options struct {
	// ConfigPath is the path to the configuration file. Empty uses the
	// default location when it exists.
	ConfigPath string

	// LogLevel overrides the configured log level.
	LogLevel string

	// LogFormat overrides the configured log format.
	LogFormat string

	// Prestart brings the default environment up before the first command.
	Prestart bool

	// LogOutput replaces the configured log destination.
	LogOutput io.Writer
}

// New loads configuration and builds all components.
func New(opts Options) (*Application, error) {
	app := &Application{opts: opts}
	if err := app.bootstrap(); err != nil {
		app.closeLog()
		return nil, err
	}
	return app, nil
}

// NewWithConfig builds all components from an already loaded configuration.
func NewWithConfig(cfg *config.Config, opts Options) (*Application, error) {
	app := &Application{opts: opts, cfg: cfg}
	if err := app.bootstrap(); err != nil {
		app.closeLog()
		return nil, err
	}
	return app, nil
}

// Config returns the effective configuration.
func (app *Application) Config() *config.Config { return app.cfg }

// Logger returns the root logger.
func (app *Application) Logger() *log.Logger { return app.logger }

// Supervisor returns the worker supervisor.
func (app *Application) Supervisor() *supervisor.Supervisor { return app.sup }

// Router returns the event router.
func (app *Application) Router() *event.Router { return app.router }

// Resolver returns the environment resolver.
func (app *Application) Resolver() *environment.Resolver { return app.resolver }

// Run serves commands read from in and writes replies and events to out
// until in is exhausted or ctx ends. The worker is shut down before Run
// returns.
func (app *Application) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	boundary := NewBoundary(app.sup, out, app.cfg.Boundary.CommandTimeout.Std(), logging.Component(app.logger, "boundary"))
	sub, err := app.router.Subscribe(boundary.Publish, nil)
	if err != nil {
		return &ComponentError{Component: "router", Action: "subscribe", Err: err}
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if app.metrics != nil {
		srv := &http.Server{
			Addr:              app.cfg.Metrics.Address,
			Handler:           app.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			app.logger.Info("serving metrics", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return &ComponentError{Component: "metrics", Action: "listen", Err: err}
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if app.opts.Prestart {
		g.Go(func() error {
			env := app.cfg.Environment.Default
			if err := app.sup.Start(gctx, env); err != nil && gctx.Err() == nil {
				app.logger.Warn("prestart failed", "environment", env, "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		return boundary.Serve(gctx, in)
	})

	app.logger.Info("workerd running", "default_environment", app.cfg.Environment.Default, "packaged", app.cfg.Environment.Packaged)
	runErr := g.Wait()

	sctx, scancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
	defer scancel()
	if err := app.Shutdown(sctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (app *Application) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	return mux
}

// shutdownTimeout covers the whole exit escalation plus a margin.
func (app *Application) shutdownTimeout() time.Duration {
	s := app.cfg.Supervisor
	return s.ExitGrace.Std() + s.TerminateGrace.Std() + s.KillWait.Std() + 5*time.Second
}

// Shutdown stops the worker, drains the router and closes the log file.
// It is safe to call more than once.
func (app *Application) Shutdown(ctx context.Context) error {
	app.shutdownOnce.Do(func() {
		app.logger.Info("shutting down")
		app.shutdownErr = app.sup.Shutdown(ctx)
		app.router.Close()
		if stats := app.router.Stats(); stats.Dropped > 0 {
			app.logger.Warn("events dropped during run", "count", stats.Dropped)
		}
		app.closeLog()
	})
	return app.shutdownErr
}

func (app *Application) closeLog() {
	if app.logFile != nil {
		app.logFile.Close()
		app.logFile = nil
	}
}
