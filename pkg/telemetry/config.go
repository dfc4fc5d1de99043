package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the glassctl configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" validate:"required"`

	// Environment is reported as a trace resource attribute.
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"required,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"required,oneof=console json"`

	// Output is stdout, stderr, or a file path opened for append.
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enable_caller"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`

	// EngineStderrLevel is the level at which lines the engine writes to
	// stderr are logged.
	EngineStderrLevel string `yaml:"engine_stderr_level" validate:"omitempty,oneof=trace debug info warn error"`
}

// TracingConfig configures OpenTelemetry spans for engine calls and spawns.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	SamplingRate       float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" validate:"gte=0"`
	Headers            map[string]string `yaml:"headers"`
	Insecure           bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`

	// DefaultHistogramBuckets are call latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets" validate:"dive,gt=0"`
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	BufferSize int `yaml:"buffer_size" validate:"gte=0"`

	// FlushInterval bounds how long a partial batch waits for delivery.
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`

	MaxBatchSize int  `yaml:"max_batch_size" validate:"gte=0"`
	EnableAsync  bool `yaml:"enable_async"`

	// MinLevel drops events below this severity before any subscriber,
	// the journal included, sees them.
	MinLevel string `yaml:"min_level" validate:"omitempty,oneof=info warning error"`
}

// DefaultConfig returns console logging at info, tracing and metrics off,
// and asynchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "glassengine",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:             "info",
			Format:            "console",
			Output:            "stderr",
			TimeFormat:        "rfc3339",
			EngineStderrLevel: "debug",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9464",
			Path:          "/metrics",
			Namespace:     "glassengine",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and the settings that depend on each
// other.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("otlp exporter requires an endpoint")
			}
		case "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %q", c.Tracing.Exporter)
		}
	}

	if c.Events.Enabled && (c.Events.BufferSize <= 0 || c.Events.MaxBatchSize <= 0) {
		return fmt.Errorf("event buffer and batch sizes must be positive, got %d and %d",
			c.Events.BufferSize, c.Events.MaxBatchSize)
	}
	return nil
}
