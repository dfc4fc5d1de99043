package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guerillaglass/glassengine/pkg/client"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func noEnv(string) string { return "" }

func TestDefault_MatchesClientDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	got := cfg.ClientConfig()
	want := client.DefaultConfig()
	if got.DefaultTimeout != want.DefaultTimeout || got.RestartBackoff != want.RestartBackoff ||
		got.MaxRestartAttemptsInWindow != want.MaxRestartAttemptsInWindow ||
		got.RestartCircuitOpen != want.RestartCircuitOpen {
		t.Errorf("ClientConfig() = %+v, want %+v", got, want)
	}
	for method, d := range want.RequestTimeoutByMethod {
		if got.RequestTimeoutByMethod[method] != d {
			t.Errorf("timeout for %s = %v, want %v", method, got.RequestTimeoutByMethod[method], d)
		}
	}
	if got.Env != nil {
		t.Errorf("Env = %v, want nil to inherit", got.Env)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "yaml overrides merge with defaults",
			file: "engine.yaml",
			content: `
engine:
  path: /opt/gg/engine
  args: ["--verbose"]
  env:
    GG_AGENT_ALLOW_FORCE: "1"
timeouts:
  default: 5s
  methods:
    system.ping: 500ms
    capture.status: "0"
restart:
  backoff: 100ms
  max_attempts_in_window: 3
`,
			check: func(t *testing.T, cfg *Config) {
				cc := cfg.ClientConfig()
				if cfg.Engine.Path != "/opt/gg/engine" {
					t.Errorf("engine path = %q", cfg.Engine.Path)
				}
				if cc.DefaultTimeout != 5*time.Second {
					t.Errorf("default timeout = %v", cc.DefaultTimeout)
				}
				if cc.RequestTimeoutByMethod["system.ping"] != 500*time.Millisecond {
					t.Errorf("ping timeout = %v", cc.RequestTimeoutByMethod["system.ping"])
				}
				if d, ok := cc.TimeoutFor("capture.status"); ok {
					t.Errorf("capture.status timeout = %v, want none", d)
				}
				if _, ok := cc.TimeoutFor("export.run"); ok {
					t.Error("export.run lost its default exemption")
				}
				if cc.RestartBackoff != 100*time.Millisecond || cc.MaxRestartAttemptsInWindow != 3 {
					t.Errorf("restart = %v, %d", cc.RestartBackoff, cc.MaxRestartAttemptsInWindow)
				}
				if cc.RestartWindow != time.Minute {
					t.Errorf("restart window = %v, want default", cc.RestartWindow)
				}
				if len(cc.Env) == 0 || cc.Env[len(cc.Env)-1] != "GG_AGENT_ALLOW_FORCE=1" {
					t.Errorf("env tail = %v", cc.Env)
				}
			},
		},
		{
			name: "cue file",
			file: "engine.cue",
			content: `
timeouts: default: "3s"
restart: {
	max_attempts_in_window: 2
	circuit_open:           "1m"
}
journal: {
	enabled: true
	path:    "/tmp/journal.db"
}
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Timeouts.Default.Std() != 3*time.Second {
					t.Errorf("default timeout = %v", cfg.Timeouts.Default.Std())
				}
				if cfg.Restart.MaxAttemptsInWindow != 2 || cfg.Restart.CircuitOpen.Std() != time.Minute {
					t.Errorf("restart = %+v", cfg.Restart)
				}
				if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/journal.db" {
					t.Errorf("journal = %+v", cfg.Journal)
				}
			},
		},
		{
			name:    "env overrides file",
			file:    "env.yaml",
			content: "engine:\n  path: /from/file\n",
			env:     map[string]string{EnvEnginePath: "/from/env", EnvLogLevel: "debug"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Engine.Path != "/from/env" {
					t.Errorf("engine path = %q", cfg.Engine.Path)
				}
				if cfg.Telemetry.Logging.Level != "debug" {
					t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
				}
			},
		},
		{
			name:    "empty file keeps defaults",
			file:    "empty.yaml",
			content: "",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Timeouts.Default.Std() != 15*time.Second {
					t.Errorf("default timeout = %v", cfg.Timeouts.Default.Std())
				}
			},
		},
		{
			name: "policy section",
			file: "policy.yaml",
			content: `
policy:
  paths: [/etc/guerillaglass/policies]
  disabled: [agent-runtime-budget]
  allow_destructive: true
`,
			check: func(t *testing.T, cfg *Config) {
				p := cfg.Policy
				if !p.Enabled || len(p.Paths) != 1 || len(p.Disabled) != 1 || !p.AllowDestructive || p.Interactive {
					t.Errorf("policy = %+v", p)
				}
			},
		},
		{
			name:    "empty policy path",
			file:    "policy-empty.yaml",
			content: "policy:\n  paths: [\"\"]\n",
			wantErr: "invalid config",
		},
		{
			name:    "unknown key",
			file:    "unknown.yaml",
			content: "engine:\n  binary: /x\n",
			wantErr: "does not match schema",
		},
		{
			name:    "bad duration",
			file:    "duration.yaml",
			content: "timeouts:\n  default: soon\n",
			wantErr: "does not match schema",
		},
		{
			name:    "zero attempts",
			file:    "attempts.yaml",
			content: "restart:\n  max_attempts_in_window: 0\n",
			wantErr: "does not match schema",
		},
		{
			name:    "invalid log level",
			file:    "level.yaml",
			content: "telemetry:\n  logging:\n    level: loud\n",
			wantErr: "invalid config",
		},
		{
			name:    "journal enabled without path",
			file:    "journal.yaml",
			content: "journal:\n  enabled: true\n  path: \"\"\n",
			wantErr: "invalid config",
		},
		{
			name:    "malformed yaml",
			file:    "broken.yaml",
			content: "engine: [\n",
			wantErr: "failed to parse config",
		},
		{
			name:    "malformed cue",
			file:    "broken.cue",
			content: "timeouts: {\n",
			wantErr: "failed to compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			getenv := noEnv
			if tt.env != nil {
				getenv = func(k string) string { return tt.env[k] }
			}

			cfg, err := load(path, getenv)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("load() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), noEnv)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("load() error = %v, want not exist", err)
	}
}

func TestLoad_NoPath(t *testing.T) {
	cfg, err := load("", func(k string) string {
		if k == EnvJournalPath {
			return "/var/tmp/j.db"
		}
		return ""
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/var/tmp/j.db" {
		t.Errorf("journal = %+v, want enabled by env", cfg.Journal)
	}
}

func TestResolveEnginePath(t *testing.T) {
	dir := t.TempDir()
	explicit := writeFile(t, dir, "explicit-engine", "")
	fromEnv := writeFile(t, dir, "env-engine", "")
	sibling := writeFile(t, dir, EngineBinaryName(), "")

	self := func() (string, error) { return filepath.Join(dir, "glassctl"), nil }
	noSelf := func() (string, error) { return "", errors.New("unknown") }
	onPath := func(name string) (string, error) { return "/usr/local/bin/" + name, nil }
	notOnPath := func(string) (string, error) { return "", errors.New("not found") }
	env := func(k string) string {
		if k == EnvEnginePath {
			return fromEnv
		}
		return ""
	}

	tests := []struct {
		name     string
		explicit string
		getenv   func(string) string
		self     func() (string, error)
		lookPath func(string) (string, error)
		want     string
		wantErr  bool
	}{
		{name: "explicit wins", explicit: explicit, getenv: env, self: self, lookPath: onPath, want: explicit},
		{name: "env", getenv: env, self: self, lookPath: onPath, want: fromEnv},
		{name: "sibling binary", getenv: noEnv, self: self, lookPath: onPath, want: sibling},
		{name: "path lookup", getenv: noEnv, self: noSelf, lookPath: onPath, want: "/usr/local/bin/" + EngineBinaryName()},
		{name: "not found", getenv: noEnv, self: noSelf, lookPath: notOnPath, wantErr: true},
		{name: "missing explicit", explicit: filepath.Join(dir, "missing"), getenv: noEnv, self: self, lookPath: onPath, wantErr: true},
		{name: "directory", explicit: dir, getenv: noEnv, self: self, lookPath: onPath, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveEnginePath(tt.explicit, tt.getenv, tt.self, tt.lookPath)
			if tt.wantErr {
				if !errors.Is(err, ErrEngineNotFound) {
					t.Errorf("resolveEnginePath() error = %v, want ErrEngineNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("resolveEnginePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "engine.yaml", "timeouts:\n  default: 1s\n")

	var mu sync.Mutex
	var reloads []*Config
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := watch(ctx, path, 100*time.Millisecond, nil, func(cfg *Config) {
		mu.Lock()
		reloads = append(reloads, cfg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(reloads)
	}

	// An invalid edit is skipped.
	writeFile(t, dir, "engine.yaml", "timeouts:\n  default: never\n")
	time.Sleep(400 * time.Millisecond)
	if n := count(); n != 0 {
		t.Fatalf("reloads after invalid edit = %d, want 0", n)
	}

	// A burst of writes collapses into one reload.
	for _, d := range []string{"2s", "3s", "4s"} {
		writeFile(t, dir, "engine.yaml", "timeouts:\n  default: "+d+"\n")
	}
	deadline := time.Now().Add(2 * time.Second)
	for count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(reloads) != 1 {
		t.Fatalf("reloads = %d, want 1", len(reloads))
	}
	if got := reloads[0].Timeouts.Default.Std(); got != 4*time.Second {
		t.Errorf("reloaded default timeout = %v, want 4s", got)
	}
}

func TestWatch_CloseWaitsForReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "engine.yaml", "timeouts:\n  default: 1s\n")

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	w, err := watch(context.Background(), path, 20*time.Millisecond, nil, func(*Config) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
	})
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "engine.yaml", "timeouts:\n  default: 2s\n")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not start")
	}

	closed := make(chan error, 1)
	go func() { closed <- w.Close() }()

	select {
	case <-closed:
		t.Fatal("Close() returned while a reload was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return after the reload finished")
	}

	// Edits after Close never reach onReload.
	before := calls.Load()
	writeFile(t, dir, "engine.yaml", "timeouts:\n  default: 3s\n")
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != before {
		t.Errorf("onReload calls after Close = %d, want %d", n, before)
	}
}
