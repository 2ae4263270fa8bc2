package environment

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
)

// Strategy names, reported in Descriptor.Strategy.
const (
	StrategyPackagedWindows   = "packaged-dedicated-windows"
	StrategyPackagedShared    = "packaged-shared"
	StrategyPackagedDedicated = "packaged-dedicated"
	StrategyProjectVenv       = "project-venv"
	StrategyConda             = "conda"
	StrategySystem            = "system"
)

// Resolver finds the interpreter and entry script for an environment.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	layout   Layout
	lookPath func(string) (string, error)
	logger   *log.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) {
		r.logger = logging.Component(l, "environment")
	}
}

// WithLookPath replaces the PATH lookup used by the system strategy.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Resolver) {
		r.lookPath = fn
	}
}

// NewResolver creates a resolver over layout.
func NewResolver(layout Layout, opts ...Option) *Resolver {
	r := &Resolver{
		layout:   layout,
		lookPath: exec.LookPath,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Layout returns the layout the resolver searches.
func (r *Resolver) Layout() Layout {
	return r.layout
}

// search accumulates the candidates a resolution attempt has checked.
type search struct {
	id       string
	platform Platform
	tried    []string
	seen     map[string]bool
}

func (s *search) note(path string) {
	if s.seen[path] {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	s.seen[path] = true
	s.tried = append(s.tried, path)
}

// strategy produces a descriptor or reports that it found nothing.
type strategy struct {
	name     string
	packaged bool
	applies  func(Platform) bool
	find     func(r *Resolver, s *search) (Descriptor, bool)
}

var strategies = []strategy{
	{StrategyPackagedWindows, true, isWindows, (*Resolver).packagedWindows},
	{StrategyPackagedShared, true, Platform.POSIX, (*Resolver).packagedShared},
	{StrategyPackagedDedicated, true, Platform.POSIX, (*Resolver).packagedDedicated},
	{StrategyProjectVenv, false, anyPlatform, (*Resolver).projectVenv},
	{StrategyConda, false, anyPlatform, (*Resolver).conda},
	{StrategySystem, false, anyPlatform, (*Resolver).system},
}

func isWindows(p Platform) bool { return p == PlatformWindows }
func anyPlatform(Platform) bool { return true }

// Resolve locates the environment envID. Strategies run in a fixed order and
// the first one whose interpreter and entry script both exist wins. When none
// does, the error is a *NotFoundError listing every path checked.
func (r *Resolver) Resolve(envID string, packaged bool, platform Platform) (Descriptor, error) {
	if envID == "" || strings.ContainsAny(envID, `/\`) || envID == "." || envID == ".." {
		return Descriptor{}, &NotFoundError{
			Environment: envID,
			Packaged:    packaged,
			Platform:    platform,
			Tried:       []string{ErrInvalidEnvironmentID.Error()},
		}
	}

	s := &search{id: envID, platform: platform}
	for _, st := range strategies {
		if st.packaged != packaged || !st.applies(platform) {
			continue
		}
		desc, ok := st.find(r, s)
		if !ok {
			continue
		}
		desc.ID = envID
		desc.Strategy = st.name
		r.logger.Debug("resolved environment",
			"environment", envID,
			"strategy", st.name,
			"interpreter", desc.Interpreter,
			"script", desc.EntryScript)
		return desc, nil
	}

	r.logger.Warn("environment not found", "environment", envID, "candidates", len(s.tried))
	return Descriptor{}, &NotFoundError{
		Environment: envID,
		Packaged:    packaged,
		Platform:    platform,
		Tried:       s.tried,
	}
}

func (r *Resolver) packagedWindows(s *search) (Descriptor, bool) {
	if r.layout.ResourcesRoot == "" {
		return Descriptor{}, false
	}
	interp := r.layout.distPath(r.layout.envDir(s.id), "python.exe")
	script := r.layout.distPath(r.layout.SourceFolder, r.layout.EntryScript)
	if !r.interpreter(s, interp) || !r.file(s, script) {
		return Descriptor{}, false
	}
	return Descriptor{Interpreter: interp, EntryScript: script, Home: filepath.Dir(interp)}, true
}

func (r *Resolver) packagedShared(s *search) (Descriptor, bool) {
	if r.layout.ResourcesRoot == "" {
		return Descriptor{}, false
	}
	interp := r.layout.distPath(r.layout.StandaloneDir, "bin", r.layout.StandaloneBinary)
	script := r.layout.distPath(r.layout.SourceFolder, r.layout.Launcher)
	if !r.interpreter(s, interp) || !r.file(s, script) {
		return Descriptor{}, false
	}
	return Descriptor{Interpreter: interp, EntryScript: script}, true
}

func (r *Resolver) packagedDedicated(s *search) (Descriptor, bool) {
	if r.layout.ResourcesRoot == "" {
		return Descriptor{}, false
	}
	script := r.layout.distPath(r.layout.SourceFolder, r.layout.EntryScript)
	for _, name := range []string{"python", "python3"} {
		interp := r.layout.distPath(r.layout.envDir(s.id), "bin", name)
		if r.interpreter(s, interp) {
			if !r.file(s, script) {
				return Descriptor{}, false
			}
			return Descriptor{Interpreter: interp, EntryScript: script}, true
		}
	}
	return Descriptor{}, false
}

func (r *Resolver) projectVenv(s *search) (Descriptor, bool) {
	if r.layout.ProjectRoot == "" {
		return Descriptor{}, false
	}
	script, ok := r.devScript(s)
	if !ok {
		return Descriptor{}, false
	}
	dir := filepath.Join(r.layout.ProjectRoot, r.layout.envDir(s.id))
	for _, interp := range venvInterpreters(dir, s.platform) {
		if r.interpreter(s, interp) {
			return Descriptor{Interpreter: interp, EntryScript: script}, true
		}
	}
	return Descriptor{}, false
}

func (r *Resolver) conda(s *search) (Descriptor, bool) {
	script, ok := r.devScript(s)
	if !ok {
		return Descriptor{}, false
	}

	root := ""
	for _, candidate := range r.layout.condaRoots(s.platform) {
		if isDir(candidate) {
			root = candidate
			break
		}
		s.note(candidate)
	}
	if root == "" {
		return Descriptor{}, false
	}

	names := []string{r.layout.CondaPrefix + s.id}
	if r.layout.CondaFallback != "" && r.layout.CondaFallback != names[0] {
		names = append(names, r.layout.CondaFallback)
	}
	for _, name := range names {
		dir := filepath.Join(root, name)
		for _, interp := range condaInterpreters(dir, s.platform) {
			if r.interpreter(s, interp) {
				return Descriptor{Interpreter: interp, EntryScript: script}, true
			}
		}
	}
	return Descriptor{}, false
}

func (r *Resolver) system(s *search) (Descriptor, bool) {
	script, ok := r.devScript(s)
	if !ok {
		return Descriptor{}, false
	}
	name := "python3"
	if s.platform == PlatformWindows {
		name = "python"
	}
	s.note("PATH:" + name)
	interp, err := r.lookPath(name)
	if err != nil {
		return Descriptor{}, false
	}
	if abs, err := filepath.Abs(interp); err == nil {
		interp = abs
	}
	return Descriptor{Interpreter: interp, EntryScript: script}, true
}

// devScript picks the launcher when present, otherwise the single
// environment entry script.
func (r *Resolver) devScript(s *search) (string, bool) {
	if r.layout.ProjectRoot == "" {
		return "", false
	}
	src := filepath.Join(r.layout.ProjectRoot, r.layout.SourceFolder)
	if r.layout.Launcher != "" {
		launcher := filepath.Join(src, r.layout.Launcher)
		if isFile(launcher) {
			return launcher, true
		}
	}
	script := filepath.Join(src, r.layout.EntryScript)
	return script, r.file(s, script)
}

func venvInterpreters(dir string, p Platform) []string {
	if p == PlatformWindows {
		return []string{
			filepath.Join(dir, "python.exe"),
			filepath.Join(dir, "Scripts", "python.exe"),
		}
	}
	return []string{
		filepath.Join(dir, "bin", "python"),
		filepath.Join(dir, "bin", "python3"),
		filepath.Join(dir, "python"),
	}
}

func condaInterpreters(dir string, p Platform) []string {
	if p == PlatformWindows {
		return []string{
			filepath.Join(dir, p.exe("python")),
			filepath.Join(dir, "Scripts", p.exe("python")),
		}
	}
	return []string{filepath.Join(dir, "bin", "python")}
}

// interpreter records path and reports whether it is an existing executable.
func (r *Resolver) interpreter(s *search, path string) bool {
	s.note(path)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if s.platform.POSIX() && info.Mode().Perm()&0o111 == 0 {
		return false
	}
	return true
}

// file records path and reports whether it is an existing regular file.
func (r *Resolver) file(s *search, path string) bool {
	s.note(path)
	return isFile(path)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
