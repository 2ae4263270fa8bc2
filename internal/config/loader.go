package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WORKERD_"

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "workerd", "config.toml")
}

// Load builds the configuration: defaults, then the file at path, then
// WORKERD_ variables. An empty path tries DefaultPath and tolerates its
// absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if !cfg.Environment.Packaged && cfg.Environment.ProjectRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Environment.ProjectRoot = wd
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes the file at path over cfg. The format follows the
// extension: .toml, .yaml or .yml.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Decode(path, data, cfg)
}

// Decode parses data in the format implied by name over cfg. Lists present
// in the file replace the current lists rather than extending them.
func Decode(name string, data []byte, cfg *Config) error {
	var decode func(string, []byte, *Config) error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		decode = decodeTOML
	case ".yaml", ".yml":
		decode = decodeYAML
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}

	rules, roots := cfg.Selector.Rules, cfg.Environment.CondaRoots
	cfg.Selector.Rules, cfg.Environment.CondaRoots = nil, nil
	err := decode(name, data, cfg)
	if cfg.Selector.Rules == nil {
		cfg.Selector.Rules = rules
	}
	if cfg.Environment.CondaRoots == nil {
		cfg.Environment.CondaRoots = roots
	}
	return err
}

func decodeTOML(name string, data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		perr := &ParseError{Path: name, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			perr.Message = serr.String()
		}
		return perr
	}
	return nil
}

func decodeYAML(name string, data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &ParseError{Path: name, Message: err.Error(), Err: err}
	}
	return nil
}

// envSetting applies one environment variable to the config.
type envSetting func(cfg *Config, value string) error

var envMapping = map[string]envSetting{
	EnvPrefix + "LOG_LEVEL":  func(c *Config, v string) error { c.Logging.Level = v; return nil },
	EnvPrefix + "LOG_FORMAT": func(c *Config, v string) error { c.Logging.Format = v; return nil },
	EnvPrefix + "LOG_FILE":   func(c *Config, v string) error { c.Logging.File = v; return nil },
	EnvPrefix + "PACKAGED": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Environment.Packaged = b
		return err
	},
	EnvPrefix + "PLATFORM":            func(c *Config, v string) error { c.Environment.Platform = v; return nil },
	EnvPrefix + "RESOURCES_ROOT":      func(c *Config, v string) error { c.Environment.ResourcesRoot = v; return nil },
	EnvPrefix + "PROJECT_ROOT":        func(c *Config, v string) error { c.Environment.ProjectRoot = v; return nil },
	EnvPrefix + "DEFAULT_ENVIRONMENT": func(c *Config, v string) error { c.Environment.Default = v; return nil },
	EnvPrefix + "CONDA_ROOTS": func(c *Config, v string) error {
		c.Environment.CondaRoots = filepath.SplitList(v)
		return nil
	},
	EnvPrefix + "METRICS_ADDR": func(c *Config, v string) error {
		c.Metrics.Address = v
		c.Metrics.Enabled = v != ""
		return nil
	},
	EnvPrefix + "COMMAND_TIMEOUT": func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Boundary.CommandTimeout = Duration(d)
		return err
	},
}

// ApplyEnv overlays the mapped WORKERD_ variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for name, set := range envMapping {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := set(cfg, v); err != nil {
			return &ParseError{Path: "$" + name, Message: err.Error(), Err: err}
		}
	}
	return nil
}
