package supervisor

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxCommandTypes bounds the distinct command type label values. Types seen
// after the limit is reached are recorded as otherCommandType.
const (
	maxCommandTypes  = 32
	otherCommandType = "other"
)

// Metrics exports supervisor activity to Prometheus. Each instance owns its
// registry. A nil *Metrics records nothing.
type Metrics struct {
	state           prometheus.Gauge
	starts          *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	startupDuration *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	protocolErrors  prometheus.Counter
	exits           *prometheus.CounterVec
	envChanges      *prometheus.CounterVec
	workerErrors    prometheus.Counter

	typesMu sync.Mutex
	types   map[string]struct{}

	registry *prometheus.Registry
}

// NewMetrics creates and registers the supervisor metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "workerd"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		types:    make(map[string]struct{}),
	}

	m.state = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "supervisor_state",
		Help:      "Current supervisor state (0 stopped, 1 starting, 2 ready, 3 restarting, 4 stopping)",
	})

	m.starts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_starts_total",
		Help:      "Worker start attempts by environment and result",
	}, []string{"environment", "result"})

	m.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Environment switches performed",
	}, []string{"from", "to"})

	m.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands submitted by type and outcome",
	}, []string{"type", "outcome"})

	m.commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time from submit to response",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"type"})

	m.startupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_startup_duration_seconds",
		Help:      "Time from spawn to readiness",
		Buckets:   []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"environment"})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "command_queue_depth",
		Help:      "Commands waiting for the worker to become ready",
	})

	m.protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Structured worker lines that failed to parse",
	})

	m.exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_unexpected_exits_total",
		Help:      "Worker exits outside a shutdown, by category",
	}, []string{"category"})

	m.envChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "environment_changes_total",
		Help:      "On-disk changes detected in an active environment",
	}, []string{"environment"})

	m.workerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_errors_total",
		Help:      "Error messages reported by the worker",
	})

	m.registry.MustRegister(
		m.state,
		m.starts,
		m.restarts,
		m.commands,
		m.commandDuration,
		m.startupDuration,
		m.queueDepth,
		m.protocolErrors,
		m.exits,
		m.envChanges,
		m.workerErrors,
	)
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) recordStart(env string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.starts.WithLabelValues(env, result).Inc()
}

func (m *Metrics) recordRestart(from, to string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(from, to).Inc()
}

func (m *Metrics) recordCommand(typ string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	typ = m.commandType(typ)
	m.commands.WithLabelValues(typ, outcome).Inc()
	if err == nil {
		m.commandDuration.WithLabelValues(typ).Observe(d.Seconds())
	}
}

func (m *Metrics) recordReady(env string, d time.Duration) {
	if m == nil {
		return
	}
	m.startupDuration.WithLabelValues(env).Observe(d.Seconds())
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) recordProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) recordExit(c Category) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(string(c)).Inc()
}

func (m *Metrics) recordEnvChange(env string) {
	if m == nil {
		return
	}
	m.envChanges.WithLabelValues(env).Inc()
}

func (m *Metrics) recordWorkerError() {
	if m == nil {
		return
	}
	m.workerErrors.Inc()
}

// commandType returns the label for typ. Command types come from clients, so
// only the first maxCommandTypes distinct values get their own series.
func (m *Metrics) commandType(typ string) string {
	m.typesMu.Lock()
	defer m.typesMu.Unlock()
	if _, ok := m.types[typ]; ok {
		return typ
	}
	if len(m.types) >= maxCommandTypes {
		return otherCommandType
	}
	m.types[typ] = struct{}{}
	return typ
}
