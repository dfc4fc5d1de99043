package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"otlp tracing", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = "localhost:4317"
		}, false},
		{"bad stderr level", func(c *Config) { c.Logging.EngineStderrLevel = "fatal" }, true},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
		{"bad event level", func(c *Config) { c.Events.MinLevel = "debug" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLineWriter(t *testing.T) {
	var out bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &out)

	w := logger.WithGeneration(4).LineWriter(zerolog.DebugLevel)
	_, _ = w.Write([]byte("first line\nsecond "))
	_, _ = w.Write([]byte("line\r\n\npartial"))
	_ = w.Close()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3: %q", len(lines), out.String())
	}
	for i, want := range []string{"first line", "second line", "partial"} {
		if !strings.Contains(lines[i], `"message":"`+want+`"`) {
			t.Errorf("line %d = %s, want message %q", i, lines[i], want)
		}
		if !strings.Contains(lines[i], `"generation":4`) {
			t.Errorf("line %d missing generation: %s", i, lines[i])
		}
	}
}

func TestEngineStderrLevel(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"", `"level":"debug"`},
		{"warn", `"level":"warn"`},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		logger := NewLoggerWithWriter(LoggingConfig{Level: "trace", Format: "json", EngineStderrLevel: tt.level}, &out)

		w := logger.EngineStderr()
		_, _ = w.Write([]byte("engine booted\n"))
		_ = w.Close()

		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("EngineStderr(%q) logged %s, want %s", tt.level, out.String(), tt.want)
		}
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordCall("system.ping", OutcomeOK, time.Millisecond)
	m.RecordSpawn(1)
	m.RecordCrash()
	m.SetCircuitOpen(true)
	m.SetPendingCalls(3)
	m.AddDroppedLines(2)
	m.RecordProtocolError("runtime_error")

	if m.Registry() != nil {
		t.Error("expected nil registry for disabled metrics")
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordCall("system.ping", OutcomeOK, 10*time.Millisecond)
	m.RecordCall("system.ping", OutcomeTimeout, 75*time.Millisecond)
	m.RecordSpawn(3)
	m.RecordCrash()
	m.SetCircuitOpen(true)
	m.AddDroppedLines(2)

	if got := testutil.ToFloat64(m.calls.WithLabelValues("system.ping", OutcomeTimeout)); got != 1 {
		t.Errorf("timeout calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.generation); got != 3 {
		t.Errorf("generation = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.circuitOpen); got != 1 {
		t.Errorf("circuit_open = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.droppedLines); got != 2 {
		t.Errorf("dropped lines = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.callDuration); n != 1 {
		t.Errorf("call duration series = %d, want 1", n)
	}
}

func TestEventPublisherAsyncDeliversInOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    16,
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  4,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	}, nil)

	_ = ep.PublishSpawned(1, 10, "/bin/engine")
	_ = ep.PublishExited(1, 10, 2, false)
	_ = ep.PublishRestartScheduled(1, 250*time.Millisecond, 1)
	_ = ep.PublishCircuitOpened(1, time.Now().Add(time.Second), 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{EventTypeSpawned, EventTypeExited, EventTypeRestartScheduled, EventTypeCircuitOpened}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("delivered %v, want %v", got, want)
	}

	if err := ep.Publish(Event{Type: EventTypeStopped}); err == nil {
		t.Error("expected error publishing after shutdown")
	}
}

func TestEventPublisherFilters(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, MaxBatchSize: 1})

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))
	ep.AddFilter(FilterByGeneration(2))

	_ = ep.PublishSpawned(2, 1, "engine")              // info, filtered by level
	_ = ep.PublishExited(2, 1, 1, false)               // warning, delivered
	_ = ep.PublishCallFailed(1, "x", "timeout", "msg") // other generation

	if len(got) != 1 || got[0].Type != EventTypeExited {
		t.Fatalf("got %+v, want single exited event", got)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() || got[0].Source == "" {
		t.Errorf("event defaults not populated: %+v", got[0])
	}
}

func TestEventPublisherMinLevel(t *testing.T) {
	if _, err := NewEventPublisher(EventsConfig{Enabled: true, MinLevel: "loud"}); err == nil {
		t.Error("NewEventPublisher() accepted an unknown level")
	}

	ep, err := NewEventPublisher(EventsConfig{Enabled: true, MinLevel: EventLevelError})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	_ = ep.PublishSpawned(1, 1, "engine")
	_ = ep.PublishExited(1, 1, 1, false)
	_ = ep.PublishCircuitOpened(1, time.Now(), 5)

	if len(got) != 1 || got[0] != EventTypeCircuitOpened {
		t.Errorf("delivered %v, want only the circuit event", got)
	}
}

func TestNopTelemetry(t *testing.T) {
	tel := NewNop()
	ctx, span := tel.Tracer.StartCallSpan(context.Background(), "system.ping")
	RecordSuccess(span)
	span.End()

	if TraceID(ctx) != "" {
		t.Error("nop tracer should not produce a valid trace id")
	}
	if err := tel.Events.PublishStopped(1, 0); err != nil {
		t.Errorf("PublishStopped() error = %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
