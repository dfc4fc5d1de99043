// Package config loads glassctl configuration from YAML or CUE files.
//
// Loading starts from Default, which mirrors client.DefaultConfig, and
// overlays the file. Every file is first unified with the embedded CUE
// schema (schema.cue) so unknown keys, malformed durations, and out of
// range restart settings are reported with their path. A .cue file is
// evaluated and exported to JSON before that step, so both formats share
// one decoder. Environment variables are applied last:
//
//	GG_ENGINE_PATH   engine executable
//	GG_JOURNAL_PATH  journal database; also enables the journal
//	LOG_LEVEL        telemetry.logging.level
//
// The merged result is checked with validator struct tags.
//
// A minimal file:
//
//	engine:
//	  path: /Applications/Guerillaglass.app/Contents/MacOS/guerillaglass-engine-darwin
//	timeouts:
//	  default: 15s
//	  methods:
//	    agent.run: 5m
//	restart:
//	  max_attempts_in_window: 5
//	journal:
//	  enabled: true
//	policy:
//	  paths: [/etc/guerillaglass/policies]
//
// ResolveEnginePath finds the engine when no path is configured, and Watch
// reloads a file as it changes on disk.
package config
