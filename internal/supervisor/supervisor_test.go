package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/channel"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
)

var defaultModes = map[string]string{
	"yolo":       "normal",
	"retinaface": "normal",
}

func cmdFor(t *testing.T, typ string, data any, env string) channel.Command {
	t.Helper()
	cmd, err := channel.NewCommand(typ, data)
	require.NoError(t, err)
	cmd.Environment = env
	return cmd
}

func TestNewSupervisorIsStopped(t *testing.T) {
	h := newHarness(t, defaultModes, nil)

	st := h.sup.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "stopped", st.StateName)
	assert.False(t, st.Ready)
	assert.Zero(t, st.PID)
	assert.Empty(t, h.spawned.all())
}

func TestSubmitStartsWorkerAndRoundTrips(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	resp, err := h.sup.Submit(ctx, cmdFor(t, "echo", map[string]string{"hello": "world"}, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp))

	st := h.sup.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, "yolo", st.Environment)
	assert.NotZero(t, st.PID)
	assert.NotEmpty(t, st.HandleID)

	require.Eventually(t, func() bool {
		_, ok := h.events.find(event.KindStatus, func(ev event.Event) bool { return ev.Status.Ready })
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerEnvironmentIsSanitized(t *testing.T) {
	t.Setenv("PYTHONPATH", "/somewhere/else")
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	resp, err := h.sup.Submit(ctx, cmdFor(t, "env", nil, "retinaface"))
	require.NoError(t, err)

	assert.Equal(t, "retinaface", gjson.GetBytes(resp, "tag").String())
	assert.Equal(t, "", gjson.GetBytes(resp, "virtualEnv").String())
	assert.Equal(t, "1", gjson.GetBytes(resp, "noUserSite").String())
	assert.Equal(t, "", gjson.GetBytes(resp, "pythonPath").String())

	wantDir, err := filepath.EvalSymlinks(h.resolver.dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(gjson.GetBytes(resp, "cwd").String())
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir)
}

func TestCommandsQueuedBeforeReadyAreSentInOrder(t *testing.T) {
	h := newHarness(t, map[string]string{"yolo": "slow"}, nil)
	ctx := testContext(t)

	const n = 5
	results := make([]json.RawMessage, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.sup.Submit(ctx, cmdFor(t, "seq", i, "yolo"))
		}(i)
		require.Eventually(t, func() bool { return h.sup.Status().Queued == i+1 },
			2*time.Second, time.Millisecond)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(i+1), gjson.GetBytes(results[i], "seq").Int(), "command %d", i)
		assert.Equal(t, int64(i), gjson.GetBytes(results[i], "data").Int())
	}
	assert.Equal(t, 1, h.resolver.count("yolo"))
	assert.Len(t, h.spawned.all(), 1)
}

func TestQueuedCommandIsSentOnce(t *testing.T) {
	h := newHarness(t, map[string]string{"yolo": "slow"}, nil)
	ctx := testContext(t)

	_, err := h.sup.Submit(ctx, cmdFor(t, "get_models", nil, "yolo"))
	require.NoError(t, err)

	resp, err := h.sup.Submit(ctx, cmdFor(t, "stats", nil, "yolo"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.GetBytes(resp, "get_models").Int())
}

func TestConcurrentSubmitsRestartOnce(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	_, err := h.sup.Submit(ctx, cmdFor(t, "echo", 1, "yolo"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sup.Submit(ctx, cmdFor(t, "echo", 2, "retinaface"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, h.resolver.count("retinaface"))
	assert.Len(t, h.spawned.all(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.restarts.WithLabelValues("yolo", "retinaface")))
}

func TestEnvironmentSwitchReplacesWorker(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	resp, err := h.sup.Submit(ctx, cmdFor(t, "env", nil, "yolo"))
	require.NoError(t, err)
	assert.Equal(t, "yolo", gjson.GetBytes(resp, "tag").String())

	resp, err = h.sup.Submit(ctx, cmdFor(t, "env", nil, "retinaface"))
	require.NoError(t, err)
	assert.Equal(t, "retinaface", gjson.GetBytes(resp, "tag").String())

	procs := h.spawned.all()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].HasExited(), "old worker must be gone before the new one serves")
	assert.False(t, procs[0].Signaled(), "old worker should honor the exit command")
	assert.True(t, procs[1].IsRunning())
	assert.Equal(t, "retinaface", h.sup.Status().Environment)

	// Switching away did not count as a failure.
	assert.Zero(t, h.events.count(event.KindFailure))
}

func TestSwitchQueuesCommandsForNewEnvironment(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	_, err := h.sup.Submit(ctx, cmdFor(t, "echo", 1, "yolo"))
	require.NoError(t, err)

	h.resolver.gate = make(chan struct{})
	var (
		wg   sync.WaitGroup
		resp json.RawMessage
		rerr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, rerr = h.sup.Submit(ctx, cmdFor(t, "env", nil, "retinaface"))
	}()

	require.Eventually(t, func() bool { return h.sup.State() == StateStarting },
		5*time.Second, 5*time.Millisecond)

	// The old worker is gone; a second command for the new environment
	// waits in the queue instead of being sent anywhere.
	var second json.RawMessage
	var serr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, serr = h.sup.Submit(ctx, cmdFor(t, "env", nil, "retinaface"))
	}()
	require.Eventually(t, func() bool { return h.sup.Status().Queued == 2 },
		2*time.Second, time.Millisecond)

	close(h.resolver.gate)
	wg.Wait()

	require.NoError(t, rerr)
	require.NoError(t, serr)
	assert.Equal(t, "retinaface", gjson.GetBytes(resp, "tag").String())
	assert.Equal(t, "retinaface", gjson.GetBytes(second, "tag").String())
}

func TestEnsureEnvironmentIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	restarted, err := h.sup.EnsureEnvironment(ctx, "yolo")
	require.NoError(t, err)
	assert.True(t, restarted)

	restarted, err = h.sup.EnsureEnvironment(ctx, "yolo")
	require.NoError(t, err)
	assert.False(t, restarted)
	assert.Equal(t, 1, h.resolver.count("yolo"))
}

func TestWorkerExitFailsPendingCommands(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	require.NoError(t, h.sup.Start(ctx, "yolo"))

	hung := make(chan error, 1)
	go func() {
		_, err := h.sup.Submit(ctx, cmdFor(t, "hang", nil, "yolo"))
		hung <- err
	}()
	require.Eventually(t, func() bool { return h.sup.Status().Pending == 1 },
		2*time.Second, time.Millisecond)

	_, err := h.sup.Submit(ctx, cmdFor(t, "die", nil, "yolo"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, err, ErrUnexpectedExit)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Equal(t, CategoryDependency, exitErr.Category)

	select {
	case err := <-hung:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending command was not failed")
	}

	assert.Equal(t, StateStopped, h.sup.State())

	require.Eventually(t, func() bool {
		ev, ok := h.events.find(event.KindFailure, nil)
		return ok && ev.Failure.Title == "Missing Dependencies" && *ev.Failure.ExitCode == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := h.events.find(event.KindDiagnostic, func(ev event.Event) bool {
			return ev.Diagnostic.Data == "fatal: boom"
		})
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.exits.WithLabelValues("dependency")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The next command starts a fresh worker.
	resp, err := h.sup.Submit(ctx, cmdFor(t, "echo", "again", "yolo"))
	require.NoError(t, err)
	assert.JSONEq(t, `"again"`, string(resp))
	assert.Equal(t, 2, h.resolver.count("yolo"))
}

func TestStartupCrashIsStartupFailure(t *testing.T) {
	h := newHarness(t, map[string]string{"yolo": "crash"}, nil)
	ctx := testContext(t)

	err := h.sup.Start(ctx, "yolo")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartupFailed)
	assert.Contains(t, err.Error(), "missing dependencies")

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, CategoryImport, exitErr.Category)
	assert.Equal(t, StateStopped, h.sup.State())

	require.Eventually(t, func() bool {
		_, ok := h.events.find(event.KindDiagnostic, func(ev event.Event) bool {
			return strings.Contains(ev.Diagnostic.Data, "ImportError")
		})
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownEnvironment(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	_, err := h.sup.Submit(ctx, cmdFor(t, "echo", nil, "missing"))
	require.Error(t, err)
	assert.True(t, IsEnvironmentNotFound(err))
	assert.ErrorIs(t, err, ErrEnvironmentNotFound)
	assert.Equal(t, StateStopped, h.sup.State())
	assert.Empty(t, h.spawned.all())

	require.Eventually(t, func() bool {
		ev, ok := h.events.find(event.KindFailure, nil)
		return ok && ev.Failure.Category == string(CategoryConfiguration)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerEventsAreRouted(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	_, err := h.sup.Submit(ctx, cmdFor(t, "emit", nil, "yolo"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ev, ok := h.events.find(event.KindWorker, nil)
		return ok && gjson.GetBytes(ev.Worker, "progress").Int() == 50
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedWorkerLinesDoNotBreakChannel(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	resp, err := h.sup.Submit(ctx, cmdFor(t, "bad", nil, "yolo"))
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(resp))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.protocolErrors))

	resp, err = h.sup.Submit(ctx, cmdFor(t, "echo", 3, "yolo"))
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(resp))
}

func TestSelectorPicksEnvironment(t *testing.T) {
	sel := NewSelector(
		Rule{Command: "start_processing", Path: "model", Contains: "retinaface", Environment: "retinaface"},
		Rule{Command: "start_processing", Path: "model", Environment: "yolo"},
	)
	h := newHarness(t, defaultModes, nil, WithSelector(sel))
	ctx := testContext(t)

	_, err := h.sup.Submit(ctx, cmdFor(t, "start_processing", map[string]string{"model": "RetinaFace-R50"}, ""))
	require.NoError(t, err)
	assert.Equal(t, "retinaface", h.sup.Status().Environment)

	// Commands without a rule stay on the running environment.
	_, err = h.sup.Submit(ctx, cmdFor(t, "echo", nil, ""))
	require.NoError(t, err)
	assert.Equal(t, "retinaface", h.sup.Status().Environment)
	assert.Zero(t, h.resolver.count("yolo"))
}

func TestSoftStartupTimeoutOnlyWarns(t *testing.T) {
	h := newHarness(t, map[string]string{"yolo": "noready"}, func(cfg *Config) {
		cfg.SoftStartupTimeout = 50 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	err := h.sup.Start(ctx, "yolo")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		_, ok := h.events.find(event.KindStatus, func(ev event.Event) bool {
			return !ev.Status.Ready && strings.Contains(ev.Status.Message, "still waiting")
		})
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// The worker was not killed by the soft timeout.
	procs := h.spawned.all()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].IsRunning())
	assert.Equal(t, StateStarting, h.sup.State())
}

func TestShutdownFailsQueuedCommands(t *testing.T) {
	h := newHarness(t, map[string]string{"yolo": "noready"}, nil)
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.sup.Submit(ctx, cmdFor(t, "echo", nil, "yolo"))
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.sup.Status().Queued == 1 },
		2*time.Second, time.Millisecond)

	require.NoError(t, h.sup.Shutdown(ctx))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("queued command was not failed")
	}
	assert.Equal(t, StateStopped, h.sup.State())
	for _, p := range h.spawned.all() {
		assert.True(t, p.HasExited())
	}
}

func TestShutdownGraceful(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	require.NoError(t, h.sup.Start(ctx, "yolo"))
	require.NoError(t, h.sup.Shutdown(ctx))

	procs := h.spawned.all()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].HasExited())
	assert.False(t, procs[0].Signaled())
	assert.Equal(t, 0, procs[0].ExitCode())
	assert.Zero(t, h.events.count(event.KindFailure))

	_, err := h.sup.Submit(ctx, cmdFor(t, "echo", nil, "yolo"))
	assert.ErrorIs(t, err, ErrShutdown)

	// Shutdown is idempotent.
	require.NoError(t, h.sup.Shutdown(ctx))
}

func TestShutdownEscalatesToKill(t *testing.T) {
	h := newHarness(t, map[string]string{"yolo": "stubborn"}, func(cfg *Config) {
		cfg.ExitGrace = 100 * time.Millisecond
		cfg.TerminateGrace = 100 * time.Millisecond
	})
	ctx := testContext(t)

	require.NoError(t, h.sup.Start(ctx, "yolo"))

	start := time.Now()
	require.NoError(t, h.sup.Shutdown(ctx))
	elapsed := time.Since(start)

	procs := h.spawned.all()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].HasExited())
	assert.True(t, procs[0].Signaled())
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Equal(t, StateStopped, h.sup.State())
}

func TestSubmitHonorsContext(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)
	require.NoError(t, h.sup.Start(ctx, "yolo"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := h.sup.Submit(short, cmdFor(t, "hang", nil, "yolo"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The abandoned command stays pending; the worker keeps serving.
	assert.Equal(t, 1, h.sup.Status().Pending)
	resp, err := h.sup.Submit(ctx, cmdFor(t, "echo", "still here", "yolo"))
	require.NoError(t, err)
	assert.JSONEq(t, `"still here"`, string(resp))
}

func TestEnvironmentChangeOnDiskRestartsOnNextCommand(t *testing.T) {
	h := newHarness(t, defaultModes, func(cfg *Config) {
		cfg.WatchEnvironment = true
	})
	ctx := testContext(t)

	require.NoError(t, h.sup.Start(ctx, "yolo"))
	require.False(t, h.sup.Status().Stale)

	script := filepath.Join(h.resolver.dir, "normal")
	require.NoError(t, os.WriteFile(script, []byte("# updated\n"), 0o644))

	require.Eventually(t, func() bool { return h.sup.Status().Stale },
		5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := h.events.find(event.KindStatus, func(ev event.Event) bool {
			return strings.Contains(ev.Status.Message, "changed on disk")
		})
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, err := h.sup.Submit(ctx, cmdFor(t, "echo", nil, "yolo"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.resolver.count("yolo"))
	assert.False(t, h.sup.Status().Stale)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.envChanges.WithLabelValues("yolo")))
}

func TestStalledWorkerStdinDoesNotBlockSupervisor(t *testing.T) {
	h := newHarness(t, map[string]string{"yolo": "flood"}, nil)
	ctx := testContext(t)

	resp, err := h.sup.Submit(ctx, cmdFor(t, "echo", "first", "yolo"))
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(resp))

	// The worker now floods stdout and no longer reads stdin, so a command
	// larger than the pipe buffer cannot be written.
	big := cmdFor(t, "echo", strings.Repeat("a", 256*1024), "yolo")
	short, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = h.sup.Submit(short, big)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status := make(chan Status, 1)
	go func() { status <- h.sup.Status() }()
	select {
	case st := <-status:
		assert.Equal(t, StateReady, st.State)
	case <-time.After(3 * time.Second):
		t.Fatal("Status blocked behind a stalled stdin write")
	}

	require.Eventually(t, func() bool {
		return h.events.count(event.KindWorker) > 100
	}, 5*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- h.sup.Shutdown(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(8 * time.Second):
		t.Fatal("Shutdown blocked behind a stalled stdin write")
	}
	assert.Equal(t, StateStopped, h.sup.State())
	procs := h.spawned.all()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].HasExited())
}

func TestWorkerErrorsAreRouted(t *testing.T) {
	h := newHarness(t, defaultModes, nil)
	ctx := testContext(t)

	_, err := h.sup.Submit(ctx, cmdFor(t, "frobnicate", nil, "yolo"))
	require.NoError(t, err)

	var ev event.Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = h.events.find(event.KindWorkerError, nil)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "unknown command frobnicate", ev.Error.Message)
	assert.Equal(t, "yolo", ev.Error.Environment)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.workerErrors))
}
