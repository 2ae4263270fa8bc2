package supervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
)

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		code int
		want Category
	}{
		{-1, CategorySignal},
		{1, CategoryDependency},
		{2, CategoryImport},
		{126, CategoryPermission},
		{127, CategoryExecutable},
		{3, CategoryGeneric},
		{137, CategoryGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyExit(tt.code), "code %d", tt.code)
	}
}

func TestExitFailure(t *testing.T) {
	f := exitFailure("yolo", 1)
	assert.Equal(t, "dependency", f.Category)
	assert.Equal(t, "Missing Dependencies", f.Title)
	assert.Contains(t, f.Detail, "yolo")
	require.NotNil(t, f.ExitCode)
	assert.Equal(t, 1, *f.ExitCode)
	assert.Equal(t, "yolo", f.Environment)

	f = exitFailure("yolo", 42)
	assert.Equal(t, "generic", f.Category)
	assert.Contains(t, f.Detail, "42")
}

func TestStartFailure(t *testing.T) {
	nf := &environment.NotFoundError{Environment: "retinaface", Tried: []string{"/opt/env/bin/python"}}
	f := startFailure("retinaface", nf)
	assert.Equal(t, "configuration", f.Category)
	assert.Equal(t, "Environment Not Found", f.Title)

	f = startFailure("retinaface", &StartupError{Environment: "retinaface", Cause: errors.New("exec format error")})
	assert.Equal(t, "startup", f.Category)
	assert.Contains(t, f.Detail, "exec format error")
	assert.Contains(t, f.Detail, "incompatible interpreter architecture")
}

func TestErrorKinds(t *testing.T) {
	exit := &ExitError{Environment: "yolo", Code: 2, Category: CategoryImport}
	startup := &StartupError{Environment: "yolo", Cause: exit}

	assert.ErrorIs(t, startup, ErrStartupFailed)
	assert.ErrorIs(t, startup, ErrUnexpectedExit)
	assert.NotErrorIs(t, exit, ErrStartupFailed)
	assert.Contains(t, exit.Error(), "code 2")

	signaled := &ExitError{Environment: "yolo", Code: -1, Signaled: true, Category: CategorySignal}
	assert.Contains(t, signaled.Error(), "signal")

	assert.True(t, IsEnvironmentNotFound(&environment.NotFoundError{Environment: "x"}))
	assert.False(t, IsEnvironmentNotFound(exit))
}
