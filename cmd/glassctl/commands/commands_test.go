package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guerillaglass/glassengine/pkg/client"
	"github.com/guerillaglass/glassengine/pkg/config"
	"github.com/guerillaglass/glassengine/pkg/policy"
	"github.com/guerillaglass/glassengine/pkg/stores"
	"github.com/guerillaglass/glassengine/pkg/stubengine"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

// TestHelperProcess is the engine child for these tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if err := stubengine.New(stubengine.Options{Platform: "test"}).Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

type testEnv struct {
	dir         string
	configPath  string
	journalPath string

	// extra is appended to the generated config.
	extra string
}

// newTestEnv writes a config that runs this test binary as the engine and
// journals to a temp database.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{
		dir:         dir,
		configPath:  filepath.Join(dir, "engine.yaml"),
		journalPath: filepath.Join(dir, "journal.db"),
	}
	env.writeConfig(t, "5s")
	return env
}

func (e *testEnv) writeConfig(t *testing.T, defaultTimeout string) {
	t.Helper()

	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	content := `engine:
  path: ` + self + `
  args: ["-test.run=^TestHelperProcess$"]
  env:
    GO_WANT_HELPER_PROCESS: "1"
  stop_grace_period: 2s
timeouts:
  default: ` + defaultTimeout + `
telemetry:
  logging:
    level: error
journal:
  enabled: true
  path: ` + e.journalPath + `
` + e.extra
	if err := os.WriteFile(e.configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runContext(t, context.Background(), args...)
}

func (e *testEnv) runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()

	root := newRootCommand(buildInfo{Version: "1.2.3", Commit: "abc123", BuildDate: "2026-10-01"})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (e *testEnv) journal(t *testing.T) []*stores.Entry {
	t.Helper()

	j, err := stores.Open(context.Background(), stores.Config{Path: e.journalPath})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	defer j.Close()

	entries, err := j.List(context.Background(), stores.Filter{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func countType(entries []*stores.Entry, typ string) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "--json", "ping")
	if err != nil {
		t.Fatalf("ping error = %v", err)
	}
	var res client.PingResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("ping output %q: %v", out, err)
	}
	if res.App != "guerillaglass" || res.EngineVersion != stubengine.EngineVersion || res.Platform != "test" {
		t.Errorf("ping = %+v", res)
	}

	text, err := env.run(t, "ping")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text, "guerillaglass "+stubengine.EngineVersion) {
		t.Errorf("ping text = %q", text)
	}
}

func TestCall(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, out string)
		wantErr error
		errText string
	}{
		{
			name: "no params",
			args: []string{"call", "permissions.get"},
			check: func(t *testing.T, out string) {
				var perms client.Permissions
				if err := json.Unmarshal([]byte(out), &perms); err != nil {
					t.Fatalf("output %q: %v", out, err)
				}
			},
		},
		{
			name: "inline params",
			args: []string{"call", "project.recents", `{"limit": 2}`},
			check: func(t *testing.T, out string) {
				if !strings.Contains(out, `"items"`) {
					t.Errorf("output = %q", out)
				}
			},
		},
		{
			name:    "unsupported method",
			args:    []string{"call", "system.reboot"},
			wantErr: client.ErrProtocol,
			errText: "Unsupported method: system.reboot",
		},
		{
			name:    "params not an object",
			args:    []string{"call", "system.ping", `[1, 2]`},
			errText: "invalid params",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.run(t, tt.args...)
			if tt.errText != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errText) {
					t.Fatalf("call error = %v, want containing %q", err, tt.errText)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("call error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("call error = %v", err)
			}
			tt.check(t, out)
		})
	}

	params := filepath.Join(env.dir, "params.json")
	if err := os.WriteFile(params, []byte(`{"limit": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := env.run(t, "call", "project.recents", "{}", "--params-file", params); err == nil {
		t.Error("call with inline and file params succeeded")
	}
	if _, err := env.run(t, "call", "project.recents", "--params-file", params); err != nil {
		t.Errorf("call with params file error = %v", err)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "--json", "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	var st struct {
		Engine  client.Status        `json:"engine"`
		Capture client.CaptureStatus `json:"capture"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status output %q: %v", out, err)
	}
	if st.Engine.State != client.StateReady || st.Engine.Generation != 1 || st.Engine.PID == 0 {
		t.Errorf("engine status = %+v", st.Engine)
	}
	if st.Capture.IsRunning {
		t.Error("fresh engine reports a running capture")
	}
}

func TestTextOutput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		args []string
		want []string
	}{
		{args: []string{"sources"}, want: []string{"Kind", "display", "window"}},
		{args: []string{"capabilities"}, want: []string{"Protocol", "Display capture"}},
		{args: []string{"permissions"}, want: []string{"Screen recording"}},
		{args: []string{"recents"}, want: []string{"No recent projects"}},
		{args: []string{"version"}, want: []string{"glassctl 1.2.3 (commit: abc123"}},
		{args: []string{"version", "--engine-version"}, want: []string{"glassctl 1.2.3", stubengine.EngineVersion}},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			out, err := env.run(t, tt.args...)
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.run(t, "ping"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.run(t, "ping"); err != nil {
		t.Fatal(err)
	}

	out, err := env.run(t, "--json", "history", "--type", telemetry.EventTypeSpawned)
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var entries []stores.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("history output %q: %v", out, err)
	}
	if len(entries) != 2 {
		t.Fatalf("spawned entries = %d, want 2", len(entries))
	}

	out, err = env.run(t, "--json", "history", "--summary")
	if err != nil {
		t.Fatal(err)
	}
	var summary stores.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Counts[telemetry.EventTypeStopped] != 2 {
		t.Errorf("summary = %+v, want 2 stops", summary.Counts)
	}

	out, err = env.run(t, "--json", "history", "--limit", "1")
	if err != nil {
		t.Fatal(err)
	}
	entries = nil
	if err := json.Unmarshal([]byte(out), &entries); err != nil || len(entries) != 1 {
		t.Errorf("history --limit 1 = %q, want one entry", out)
	}

	text, err := env.run(t, "history", "--type", telemetry.EventTypeStopped)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Engine client stopped") || strings.Contains(text, telemetry.EventTypeSpawned) {
		t.Errorf("history --type = %q, want only stops", text)
	}
}

func TestEngineNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "--engine", filepath.Join(env.dir, "missing-engine"), "ping")
	if err == nil || !strings.Contains(err.Error(), "engine executable not found") {
		t.Errorf("ping error = %v, want not found", err)
	}
}

func TestServe(t *testing.T) {
	env := newTestEnv(t)

	root := newRootCommand(buildInfo{})
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--watch"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--watch requires --config") {
		t.Fatalf("serve --watch without config error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.runContext(t, ctx, "serve", "--watch", "--interval", "50ms")
		done <- err
	}()

	waitSpawned := func(n int) {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if countType(env.journal(t), telemetry.EventTypeSpawned) >= n {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		t.Fatalf("fewer than %d spawns journaled", n)
	}

	waitSpawned(1)
	env.writeConfig(t, "4s")
	waitSpawned(2)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}

	entries := env.journal(t)
	if got := countType(entries, telemetry.EventTypeStopped); got != 2 {
		t.Errorf("stopped events = %d, want 2 (replaced and final client)", got)
	}
}

func TestServe_ReloadDuringShutdown(t *testing.T) {
	env := newTestEnv(t)
	next, err := config.Load(env.configPath)
	if err != nil {
		t.Fatal(err)
	}

	origPath := enginePath
	enginePath = ""
	t.Cleanup(func() { enginePath = origPath })

	tel := telemetry.NewNop()
	tel.Events, err = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	counts := map[string]int{}
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		counts[e.Type]++
		mu.Unlock()
	}, nil)

	srv := &server{tel: tel, logger: tel.Logger}

	// A cancelled serve context never spawns.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv.reload(ctx, next)

	// Once shutdown has begun, a reload that raced it is stopped, not kept.
	if got := srv.shutdown(); got != nil {
		t.Fatalf("shutdown() = %v, want nil client", got)
	}
	srv.reload(context.Background(), next)

	if srv.current() != nil {
		t.Error("reload swapped in a client after shutdown")
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[telemetry.EventTypeSpawned] != 1 || counts[telemetry.EventTypeStopped] != 1 {
		t.Errorf("events = %v, want one spawn and one stop", counts)
	}
}

func TestPolicy(t *testing.T) {
	orig := stdinIsTerminal
	stdinIsTerminal = func() bool { return false }
	t.Cleanup(func() { stdinIsTerminal = orig })

	env := newTestEnv(t)
	rego := filepath.Join(env.dir, "no-save.rego")
	content := `# Projects are read-only here.
package local.save

import rego.v1

deny contains {"message": "project.save is disabled", "severity": "error"} if {
	input.method == "project.save"
}
`
	if err := os.WriteFile(rego, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	env.extra = "policy:\n  paths: [" + rego + "]\n  disabled: [" + policy.PolicyAgentBudget + "]\n"
	env.writeConfig(t, "5s")

	out, err := env.run(t, "--json", "policy", "list")
	if err != nil {
		t.Fatalf("policy list error = %v", err)
	}
	var policies []policy.Policy
	if err := json.Unmarshal([]byte(out), &policies); err != nil {
		t.Fatalf("policy list output %q: %v", out, err)
	}
	if len(policies) != len(policy.GetBuiltinPolicies())+1 {
		t.Errorf("policy list = %d policies", len(policies))
	}
	text, err := env.run(t, "policy", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "no-save") || !strings.Contains(text, "Projects are read-only here.") {
		t.Errorf("policy list text = %q", text)
	}

	tests := []struct {
		name       string
		args       []string
		wantDenied bool
		want       string
	}{
		{name: "headless prompt", args: []string{"call", "permissions.requestMicrophone"}, wantDenied: true},
		{name: "custom policy", args: []string{"call", "project.save", "{}"}, wantDenied: true},
		{name: "allowed call", args: []string{"call", "permissions.get"}},
		{
			name:       "check destructive apply",
			args:       []string{"policy", "check", "agent.apply", `{"jobId": "j", "destructiveIntent": true}`},
			wantDenied: true,
			want:       "agent.apply: denied",
		},
		{
			name: "check with override",
			args: []string{"policy", "check", "--allow-destructive", "agent.apply", `{"jobId": "j", "destructiveIntent": true}`},
			want: "agent.apply: allowed",
		},
		{
			name: "disabled policy",
			args: []string{"policy", "check", "agent.run", `{"runtimeBudgetMinutes": 500}`},
			want: "agent.run: allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.run(t, tt.args...)
			if tt.wantDenied {
				var denied *policy.DeniedError
				if !errors.As(err, &denied) {
					t.Fatalf("error = %v, want denied", err)
				}
			} else if err != nil {
				t.Fatalf("error = %v", err)
			}
			if tt.want != "" && !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}

	_, err = env.run(t, "call", "permissions.requestMicrophone")
	if !errors.Is(err, client.ErrDenied) {
		t.Errorf("call error = %v, want client.ErrDenied", err)
	}
	if n := countType(env.journal(t), telemetry.EventTypeCallFailed); n < 2 {
		t.Errorf("journaled call failures = %d, want denied calls recorded", n)
	}
}
