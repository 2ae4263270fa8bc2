// Package config loads workerd settings from a TOML or YAML file overlaid
// with WORKERD_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
)

// Config is the complete workerd configuration.
type Config struct {
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
	Environment EnvironmentConfig `toml:"environment" yaml:"environment"`
	Supervisor  SupervisorConfig  `toml:"supervisor" yaml:"supervisor"`
	Selector    SelectorConfig    `toml:"selector" yaml:"selector"`
	Metrics     MetricsConfig     `toml:"metrics" yaml:"metrics"`
	Boundary    BoundaryConfig    `toml:"boundary" yaml:"boundary"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `toml:"level" yaml:"level"`
	Format     string `toml:"format" yaml:"format"`
	File       string `toml:"file" yaml:"file"`
	Timestamps bool   `toml:"timestamps" yaml:"timestamps"`
}

// EnvironmentConfig configures where worker environments are found.
type EnvironmentConfig struct {
	// Default is the environment started when a command names none.
	Default string `toml:"default" yaml:"default"`
	// Packaged selects the packaged install layout.
	Packaged bool `toml:"packaged" yaml:"packaged"`
	// Platform overrides the detected platform (linux, darwin, windows).
	Platform string `toml:"platform" yaml:"platform"`

	ResourcesRoot    string   `toml:"resources_root" yaml:"resources_root"`
	ProjectRoot      string   `toml:"project_root" yaml:"project_root"`
	DistFolder       string   `toml:"dist_folder" yaml:"dist_folder"`
	SourceFolder     string   `toml:"source_folder" yaml:"source_folder"`
	EntryScript      string   `toml:"entry_script" yaml:"entry_script"`
	Launcher         string   `toml:"launcher" yaml:"launcher"`
	StandaloneDir    string   `toml:"standalone_dir" yaml:"standalone_dir"`
	StandaloneBinary string   `toml:"standalone_binary" yaml:"standalone_binary"`
	EnvSuffix        string   `toml:"env_suffix" yaml:"env_suffix"`
	CondaPrefix      string   `toml:"conda_prefix" yaml:"conda_prefix"`
	CondaFallback    string   `toml:"conda_fallback" yaml:"conda_fallback"`
	CondaRoots       []string `toml:"conda_roots" yaml:"conda_roots"`

	// TagVariable names the variable that carries the environment id to
	// the worker.
	TagVariable string `toml:"tag_variable" yaml:"tag_variable"`
}

// SupervisorConfig configures lifecycle timing.
type SupervisorConfig struct {
	SoftStartupTimeout Duration `toml:"soft_startup_timeout" yaml:"soft_startup_timeout"`
	ExitGrace          Duration `toml:"exit_grace" yaml:"exit_grace"`
	TerminateGrace     Duration `toml:"terminate_grace" yaml:"terminate_grace"`
	KillWait           Duration `toml:"kill_wait" yaml:"kill_wait"`
	RestartDelay       Duration `toml:"restart_delay" yaml:"restart_delay"`
	SubscriberQueue    int      `toml:"subscriber_queue" yaml:"subscriber_queue"`
	WatchEnvironment   bool     `toml:"watch_environment" yaml:"watch_environment"`
}

// SelectorRule maps a command without an explicit environment to one.
type SelectorRule struct {
	// Command matches the command type. Empty matches any.
	Command string `toml:"command" yaml:"command"`
	// Path is a gjson path into the command data.
	Path string `toml:"path" yaml:"path"`
	// Contains must occur in the value at Path, case-insensitively. Empty
	// matches any non-empty value.
	Contains string `toml:"contains" yaml:"contains"`
	// Environment is the selected environment id.
	Environment string `toml:"environment" yaml:"environment"`
}

// SelectorConfig holds the ordered selector rules.
type SelectorConfig struct {
	Rules []SelectorRule `toml:"rules" yaml:"rules"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Address   string `toml:"address" yaml:"address"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// BoundaryConfig configures the command boundary of the run command.
type BoundaryConfig struct {
	CommandTimeout Duration `toml:"command_timeout" yaml:"command_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	layout := environment.DefaultLayout()
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     string(logging.FormatText),
			Timestamps: true,
		},
		Environment: EnvironmentConfig{
			Default:          "yolo",
			DistFolder:       layout.DistFolder,
			SourceFolder:     layout.SourceFolder,
			EntryScript:      layout.EntryScript,
			Launcher:         layout.Launcher,
			StandaloneDir:    layout.StandaloneDir,
			StandaloneBinary: layout.StandaloneBinary,
			EnvSuffix:        layout.EnvSuffix,
			CondaPrefix:      layout.CondaPrefix,
			CondaFallback:    layout.CondaFallback,
			TagVariable:      "MODEL_TYPE",
		},
		Supervisor: SupervisorConfig{
			SoftStartupTimeout: Duration(30 * time.Second),
			ExitGrace:          Duration(time.Second),
			TerminateGrace:     Duration(time.Second),
			KillWait:           Duration(5 * time.Second),
			RestartDelay:       Duration(time.Second),
			SubscriberQueue:    256,
			WatchEnvironment:   true,
		},
		Selector: SelectorConfig{
			Rules: []SelectorRule{
				{Command: "start_processing", Path: "model", Contains: "retinaface", Environment: "retinaface"},
				{Command: "start_processing", Path: "model", Environment: "yolo"},
			},
		},
		Metrics: MetricsConfig{
			Address:   "127.0.0.1:9464",
			Namespace: "workerd",
		},
		Boundary: BoundaryConfig{
			CommandTimeout: Duration(120 * time.Second),
		},
	}
}

// Layout builds the resolver layout described by the config.
func (c EnvironmentConfig) Layout() environment.Layout {
	l := environment.DefaultLayout()
	l.ResourcesRoot = c.ResourcesRoot
	l.ProjectRoot = c.ProjectRoot
	l.DistFolder = c.DistFolder
	l.SourceFolder = c.SourceFolder
	l.EntryScript = c.EntryScript
	l.Launcher = c.Launcher
	l.StandaloneDir = c.StandaloneDir
	l.StandaloneBinary = c.StandaloneBinary
	l.EnvSuffix = c.EnvSuffix
	l.CondaPrefix = c.CondaPrefix
	l.CondaFallback = c.CondaFallback
	l.CondaRoots = c.CondaRoots
	return l
}

// TargetPlatform returns the configured platform, or the running one.
func (c EnvironmentConfig) TargetPlatform() environment.Platform {
	if c.Platform != "" {
		return environment.Platform(strings.ToLower(c.Platform))
	}
	return environment.CurrentPlatform()
}

// Validate checks value ranges and required settings.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return &ValidationError{Path: "logging.level", Message: err.Error()}
	}
	switch logging.Format(c.Logging.Format) {
	case "", logging.FormatText, logging.FormatJSON, logging.FormatLogfmt:
	default:
		return &ValidationError{Path: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}

	switch c.Environment.Platform {
	case "", string(environment.PlatformLinux), string(environment.PlatformDarwin), string(environment.PlatformWindows):
	default:
		return &ValidationError{Path: "environment.platform", Message: fmt.Sprintf("unknown platform %q", c.Environment.Platform)}
	}
	if c.Environment.Default == "" {
		return &ValidationError{Path: "environment.default", Message: "must not be empty"}
	}
	if c.Environment.Packaged && c.Environment.ResourcesRoot == "" {
		return &ValidationError{Path: "environment.resources_root", Message: "required for packaged layout"}
	}
	if !c.Environment.Packaged && c.Environment.ProjectRoot == "" {
		return &ValidationError{Path: "environment.project_root", Message: "required for development layout"}
	}

	durations := []struct {
		path string
		d    Duration
	}{
		{"supervisor.soft_startup_timeout", c.Supervisor.SoftStartupTimeout},
		{"supervisor.exit_grace", c.Supervisor.ExitGrace},
		{"supervisor.terminate_grace", c.Supervisor.TerminateGrace},
		{"supervisor.kill_wait", c.Supervisor.KillWait},
		{"supervisor.restart_delay", c.Supervisor.RestartDelay},
		{"boundary.command_timeout", c.Boundary.CommandTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			return &ValidationError{Path: d.path, Message: "must not be negative"}
		}
	}

	for i, r := range c.Selector.Rules {
		if r.Environment == "" {
			return &ValidationError{Path: fmt.Sprintf("selector.rules[%d].environment", i), Message: "must not be empty"}
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return &ValidationError{Path: "metrics.address", Message: "required when metrics are enabled"}
	}
	return nil
}
