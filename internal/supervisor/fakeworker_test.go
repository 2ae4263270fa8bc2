package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/process"
)

// fakeWorkerVar turns the test binary into a worker. The base name of the
// entry script argument picks the worker's behavior.
const fakeWorkerVar = "WORKERD_TEST_FAKE_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(fakeWorkerVar) == "1" && len(os.Args) > 1 {
		os.Exit(runFakeWorker(filepath.Base(os.Args[1])))
	}
	os.Exit(m.Run())
}

// runFakeWorker speaks the worker side of the protocol.
//
// Modes:
//
//	normal    ready at once
//	slow      ready after 300ms
//	noready   never ready
//	crash     exits with code 2 before ready
//	stubborn  ready, then ignores the exit command and SIGTERM
//	flood     answers one command, then floods stdout and stops reading stdin
func runFakeWorker(mode string) int {
	enc := json.NewEncoder(os.Stdout)
	fmt.Println("loading model weights")

	switch mode {
	case "crash":
		fmt.Fprintln(os.Stderr, "ImportError: No module named 'torch'")
		return 2
	case "slow":
		time.Sleep(300 * time.Millisecond)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
	}
	if mode != "noready" {
		enc.Encode(map[string]string{"type": "ready"})
	}

	wd, _ := os.Getwd()
	received := make(map[string]int)
	seq := 0

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var cmd struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
			ID   uint64          `json:"id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			continue
		}
		if cmd.Type == "exit" {
			if mode == "stubborn" {
				continue
			}
			return 0
		}

		seq++
		received[cmd.Type]++
		reply := func(v any) {
			enc.Encode(map[string]any{"type": "response", "id": cmd.ID, "response": v})
		}

		switch cmd.Type {
		case "echo":
			reply(cmd.Data)
		case "seq":
			reply(map[string]any{"seq": seq, "data": cmd.Data})
		case "stats":
			reply(received)
		case "env":
			reply(map[string]string{
				"tag":        os.Getenv("MODEL_TYPE"),
				"virtualEnv": os.Getenv("VIRTUAL_ENV"),
				"noUserSite": os.Getenv("PYTHONNOUSERSITE"),
				"pythonPath": os.Getenv("PYTHONPATH"),
				"cwd":        wd,
			})
		case "emit":
			enc.Encode(map[string]any{"type": "event", "event": map[string]int{"progress": 50}})
			reply("ok")
		case "bad":
			fmt.Println(`{"type": "response", broken`)
			reply("ok")
		case "hang":
		case "die":
			fmt.Fprintln(os.Stderr, "fatal: boom")
			return 1
		default:
			enc.Encode(map[string]string{"type": "error", "message": "unknown command " + cmd.Type})
			reply(map[string]string{"error": "unknown command"})
		}

		if mode == "flood" {
			pad := strings.Repeat("x", 1024)
			for i := 0; i < 20000; i++ {
				enc.Encode(map[string]any{"type": "event", "event": map[string]any{"i": i, "pad": pad}})
			}
			for {
				time.Sleep(time.Hour)
			}
		}
	}

	if mode == "stubborn" {
		for {
			time.Sleep(time.Hour)
		}
	}
	return 0
}

// fakeResolver maps environment ids to fake worker modes.
type fakeResolver struct {
	exe   string
	dir   string
	modes map[string]string
	gate  chan struct{}

	mu    sync.Mutex
	calls map[string]int
}

func newFakeResolver(t *testing.T, modes map[string]string) *fakeResolver {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return &fakeResolver{
		exe:   exe,
		dir:   t.TempDir(),
		modes: modes,
		calls: make(map[string]int),
	}
}

func (r *fakeResolver) Resolve(env string, _ bool, p environment.Platform) (environment.Descriptor, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.calls[env]++
	r.mu.Unlock()

	mode, ok := r.modes[env]
	if !ok {
		return environment.Descriptor{}, &environment.NotFoundError{
			Environment: env,
			Platform:    p,
			Tried:       []string{filepath.Join(r.dir, env, "bin", "python")},
		}
	}
	return environment.Descriptor{
		ID:          env,
		Interpreter: r.exe,
		EntryScript: filepath.Join(r.dir, mode),
		Strategy:    "fake",
	}, nil
}

func (r *fakeResolver) count(env string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[env]
}

// collector records every routed event.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) handle(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) find(kind event.Kind, match func(event.Event) bool) (event.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Kind == kind && (match == nil || match(ev)) {
			return ev, true
		}
	}
	return event.Event{}, false
}

func (c *collector) count(kind event.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// spawnLog records every process the supervisor spawns.
type spawnLog struct {
	mu    sync.Mutex
	procs []*process.Process
}

func (l *spawnLog) spawn(desc environment.Descriptor, opts process.SpawnOptions) (*process.Process, error) {
	p, err := process.Spawn(desc, opts)
	if err == nil {
		l.mu.Lock()
		l.procs = append(l.procs, p)
		l.mu.Unlock()
	}
	return p, err
}

func (l *spawnLog) all() []*process.Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*process.Process(nil), l.procs...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	// The race runtime sleeps at exit by default, which would outlast
	// ExitGrace.
	cfg.ExtraEnv = map[string]string{fakeWorkerVar: "1", "GORACE": "atexit_sleep_ms=0"}
	cfg.SoftStartupTimeout = 10 * time.Second
	cfg.ExitGrace = 500 * time.Millisecond
	cfg.TerminateGrace = 500 * time.Millisecond
	cfg.KillWait = 3 * time.Second
	cfg.RestartDelay = 10 * time.Millisecond
	return cfg
}

type harness struct {
	sup      *Supervisor
	resolver *fakeResolver
	events   *collector
	spawned  *spawnLog
	metrics  *Metrics
	router   *event.Router
}

func newHarness(t *testing.T, modes map[string]string, tweak func(*Config), opts ...Option) *harness {
	t.Helper()

	h := &harness{
		resolver: newFakeResolver(t, modes),
		events:   &collector{},
		spawned:  &spawnLog{},
		metrics:  NewMetrics("test"),
		router:   event.NewRouter(),
	}
	_, err := h.router.Subscribe(h.events.handle, nil)
	require.NoError(t, err)

	cfg := testConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	opts = append([]Option{
		WithRouter(h.router),
		WithMetrics(h.metrics),
		WithSpawner(h.spawned.spawn),
	}, opts...)
	h.sup = New(h.resolver, cfg, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.sup.Shutdown(ctx)
		h.router.Close()
	})
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}
