// Package telemetry provides observability instrumentation for the engine
// client.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and lifecycle event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Components that do not care about observability can pass NewNop(); every
// field of the returned bundle is usable and records nothing.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("engine-client")
//	logger.WithGeneration(3).WithMethod("system.ping").Debug("sending request")
//
// Logger.EngineStderr forwards a child's stderr line by line at the
// configured engine_stderr_level.
//
// # Metrics
//
// All metrics live in a private registry under the "<namespace>_engine"
// prefix:
//
//   - engine_calls_total{method,outcome}
//   - engine_call_duration_seconds{method}
//   - engine_protocol_errors_total{code}
//   - engine_pending_calls
//   - engine_spawns_total
//   - engine_crashes_total
//   - engine_circuit_open
//   - engine_generation
//   - engine_decode_dropped_lines_total
//
// A disabled Metrics value turns every recording method into a no-op.
//
// # Events
//
// The EventPublisher delivers engine lifecycle events to subscribers in
// publish order, after dropping anything below events.min_level. With
// EnableAsync the publisher never blocks the caller; a full buffer drops the
// event and reports an error.
package telemetry
