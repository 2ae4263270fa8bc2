package environment

import (
	"os"
	"path/filepath"
)

// Layout names the on-disk locations the resolver searches.
type Layout struct {
	// ResourcesRoot is the resources directory of a packaged install.
	ResourcesRoot string
	// ProjectRoot is the root of a development checkout.
	ProjectRoot string

	// DistFolder holds bundled interpreters under ResourcesRoot.
	DistFolder string
	// SourceFolder holds the worker scripts.
	SourceFolder string
	// EntryScript is the single-environment worker script.
	EntryScript string
	// Launcher is the multi-environment launcher script.
	Launcher string

	// StandaloneDir is the shared standalone interpreter directory.
	StandaloneDir string
	// StandaloneBinary is the interpreter file name inside StandaloneDir/bin.
	StandaloneBinary string

	// EnvSuffix is appended to an environment id to name its directory.
	EnvSuffix string
	// CondaPrefix is prepended to an environment id to name its conda env.
	CondaPrefix string
	// CondaFallback is the shared conda environment tried last.
	CondaFallback string
	// CondaRoots overrides the conda envs roots. Empty means the
	// platform defaults.
	CondaRoots []string

	// HomeDir and User feed the default conda roots.
	HomeDir string
	User    string
}

// DefaultLayout returns the stock layout rooted at the current user's home.
func DefaultLayout() Layout {
	home, _ := os.UserHomeDir()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	return Layout{
		DistFolder:       "pythondist",
		SourceFolder:     "python",
		EntryScript:      "subprocess_api.py",
		Launcher:         "multi_env_launcher.py",
		StandaloneDir:    "python-standalone",
		StandaloneBinary: "python3.10",
		EnvSuffix:        "-env",
		CondaPrefix:      "electron-python-",
		CondaFallback:    "electron-python-sample",
		HomeDir:          home,
		User:             user,
	}
}

// DefaultCondaRoots returns the well-known conda envs directories for a
// platform in search order.
func DefaultCondaRoots(p Platform, home, user string) []string {
	if p == PlatformWindows {
		roots := make([]string, 0, 5)
		if home != "" {
			roots = append(roots,
				filepath.Join(home, "miniconda3", "envs"),
				filepath.Join(home, "anaconda3", "envs"),
			)
		}
		return append(roots,
			`C:\Miniconda3\envs`,
			`C:\ProgramData\Miniconda3\envs`,
			`C:\Anaconda3\envs`,
		)
	}

	roots := make([]string, 0, 6)
	if home != "" {
		roots = append(roots,
			filepath.Join(home, "miniconda3", "envs"),
			filepath.Join(home, "anaconda3", "envs"),
		)
	}
	roots = append(roots,
		"/opt/homebrew/miniconda3/envs",
		"/opt/homebrew/anaconda3/envs",
	)
	if user != "" {
		roots = append(roots,
			filepath.Join("/home", user, "miniconda3", "envs"),
			filepath.Join("/home", user, "anaconda3", "envs"),
		)
	}
	return roots
}

func (l Layout) condaRoots(p Platform) []string {
	if len(l.CondaRoots) > 0 {
		return l.CondaRoots
	}
	return DefaultCondaRoots(p, l.HomeDir, l.User)
}

func (l Layout) distPath(elem ...string) string {
	return filepath.Join(append([]string{l.ResourcesRoot, l.DistFolder}, elem...)...)
}

func (l Layout) envDir(id string) string {
	return id + l.EnvSuffix
}
