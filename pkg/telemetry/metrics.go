package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Call outcomes used as the outcome label of engine_calls_total.
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeProcessExit = "process_exit"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeProtocol    = "protocol_error"
	OutcomeStopped     = "stopped"
	OutcomeSpawn       = "spawn_error"
	OutcomeCanceled    = "canceled"
	OutcomeWrite       = "write_error"
	OutcomeDenied      = "denied"
)

// Metrics provides Prometheus metrics for the engine client.
type Metrics struct {
	config MetricsConfig

	// Call metrics
	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	protocolErrors *prometheus.CounterVec
	pendingCalls   prometheus.Gauge

	// Process metrics
	spawns       prometheus.Counter
	crashes      prometheus.Counter
	circuitOpen  prometheus.Gauge
	generation   prometheus.Gauge
	droppedLines prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "calls_total",
				Help:      "Total number of engine calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "call_duration_seconds",
				Help:      "Duration of engine calls in seconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
		protocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "protocol_errors_total",
				Help:      "Total number of error responses by engine error code",
			},
			[]string{"code"},
		),
		pendingCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "pending_calls",
				Help:      "Current number of calls awaiting a response",
			},
		),

		spawns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "spawns_total",
				Help:      "Total number of engine processes started",
			},
		),
		crashes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "crashes_total",
				Help:      "Total number of unexpected engine exits and failed spawns",
			},
		),
		circuitOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "circuit_open",
				Help:      "Whether the restart circuit is open (1) or closed (0)",
			},
		),
		generation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "generation",
				Help:      "Current engine process generation",
			},
		),
		droppedLines: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "decode_dropped_lines_total",
				Help:      "Total number of malformed or oversized output lines discarded",
			},
		),
	}

	registry.MustRegister(
		m.calls,
		m.callDuration,
		m.protocolErrors,
		m.pendingCalls,
		m.spawns,
		m.crashes,
		m.circuitOpen,
		m.generation,
		m.droppedLines,
	)

	return m, nil
}

// Call Metrics

// RecordCall records a settled call with its outcome and duration.
func (m *Metrics) RecordCall(method, outcome string, duration time.Duration) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.callDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordProtocolError records an error response by its engine error code.
func (m *Metrics) RecordProtocolError(code string) {
	if m == nil || m.protocolErrors == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code).Inc()
}

// SetPendingCalls sets the number of in-flight calls.
func (m *Metrics) SetPendingCalls(count int) {
	if m == nil || m.pendingCalls == nil {
		return
	}
	m.pendingCalls.Set(float64(count))
}

// Process Metrics

// RecordSpawn records a started engine process and its generation.
func (m *Metrics) RecordSpawn(generation uint64) {
	if m == nil || m.spawns == nil {
		return
	}
	m.spawns.Inc()
	m.generation.Set(float64(generation))
}

// RecordCrash records an unexpected exit or failed spawn.
func (m *Metrics) RecordCrash() {
	if m == nil || m.crashes == nil {
		return
	}
	m.crashes.Inc()
}

// SetCircuitOpen records the circuit breaker state.
func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil || m.circuitOpen == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	m.circuitOpen.Set(value)
}

// AddDroppedLines records discarded output lines.
func (m *Metrics) AddDroppedLines(n uint64) {
	if m == nil || m.droppedLines == nil || n == 0 {
		return
	}
	m.droppedLines.Add(float64(n))
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics until ctx is
// done. Serve errors are passed to onErr, which may be nil.
func (m *Metrics) StartMetricsServer(ctx context.Context, onErr func(error)) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if onErr != nil {
				onErr(err)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
