package process

import (
	"maps"
	"slices"
	"strings"
)

// Variables set or removed in every worker environment.
const (
	EnvNoUserSite = "PYTHONNOUSERSITE"
	EnvVirtualEnv = "VIRTUAL_ENV"
	EnvHome       = "PYTHONHOME"

	// DefaultTagVariable carries the environment identity to the worker.
	DefaultTagVariable = "MODEL_TYPE"
)

// deniedHostVars are inherited variables that would let the worker pick up
// packages from outside its own environment.
var deniedHostVars = []string{
	"PYTHONPATH",
	"PYTHONHOME",
	"PYTHONSTARTUP",
	"PYTHONUSERBASE",
	"CONDA_PREFIX",
	"CONDA_DEFAULT_ENV",
	"CONDA_SHLVL",
	"__PYVENV_LAUNCHER__",
}

// EnvSpec describes the worker environment on top of the host environment.
type EnvSpec struct {
	// Environment is the environment identity, exported as TagVariable.
	Environment string
	// TagVariable names the identity variable. Defaults to MODEL_TYPE.
	TagVariable string
	// Home is the interpreter home override. Empty leaves it unset.
	Home string
	// Extra holds additional variables, applied last.
	Extra map[string]string
}

// BuildEnv returns the sanitized worker environment as KEY=VALUE pairs,
// sorted by key. host is typically os.Environ().
func BuildEnv(host []string, spec EnvSpec) []string {
	env := make(map[string]string, len(host)+4)
	for _, kv := range host {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if slices.Contains(deniedHostVars, key) {
			continue
		}
		env[key] = value
	}

	env[EnvNoUserSite] = "1"
	env[EnvVirtualEnv] = ""
	if spec.Home != "" {
		env[EnvHome] = spec.Home
	}

	tag := spec.TagVariable
	if tag == "" {
		tag = DefaultTagVariable
	}
	if spec.Environment != "" {
		env[tag] = spec.Environment
	}

	maps.Copy(env, spec.Extra)

	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
