package supervisor

import (
	"fmt"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
)

// Category classifies a worker failure for the user.
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryStartup       Category = "startup"
	CategoryDependency    Category = "dependency"
	CategoryImport        Category = "import"
	CategoryPermission    Category = "permission"
	CategoryExecutable    Category = "executable"
	CategoryGeneric       Category = "generic"
	CategorySignal        Category = "signal"
)

// ClassifyExit maps a worker exit code to a category. Negative codes are
// signal terminations.
func ClassifyExit(code int) Category {
	switch {
	case code < 0:
		return CategorySignal
	case code == 1:
		return CategoryDependency
	case code == 2:
		return CategoryImport
	case code == 126:
		return CategoryPermission
	case code == 127:
		return CategoryExecutable
	default:
		return CategoryGeneric
	}
}

// exitFailure builds the user-facing notification for an exit.
func exitFailure(env string, code int) event.Failure {
	f := event.Failure{
		Category:    string(ClassifyExit(code)),
		ExitCode:    &code,
		Environment: env,
	}
	switch ClassifyExit(code) {
	case CategoryDependency:
		f.Title = "Missing Dependencies"
		f.Detail = fmt.Sprintf("The %s environment is missing required packages. Reinstall the application or rebuild the environment.", env)
	case CategoryImport:
		f.Title = "Import Error"
		f.Detail = "The worker could not import one of its modules. The environment may be incomplete or corrupted."
	case CategoryPermission:
		f.Title = "Permission Denied"
		f.Detail = "The interpreter is not executable. Check the file permissions of the installation."
	case CategoryExecutable:
		f.Title = "Interpreter Not Found"
		f.Detail = "The interpreter executable could not be found. The installation may be incomplete."
	default:
		f.Title = "Worker Error"
		f.Detail = fmt.Sprintf("The worker exited with code %d.", code)
	}
	return f
}

// startFailure builds the notification for a failed start attempt.
func startFailure(env string, err error) event.Failure {
	if IsEnvironmentNotFound(err) {
		return event.Failure{
			Category:    string(CategoryConfiguration),
			Title:       "Environment Not Found",
			Detail:      err.Error(),
			Environment: env,
		}
	}
	return event.Failure{
		Category:    string(CategoryStartup),
		Title:       "Worker Failed To Start",
		Detail:      err.Error(),
		Environment: env,
	}
}
