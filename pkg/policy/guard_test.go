package policy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestGuard(t *testing.T, opts Options, policies ...Policy) *Guard {
	t.Helper()
	g, err := NewGuard(context.Background(), opts, policies...)
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	return g
}

func TestNewGuard_Builtins(t *testing.T) {
	g := newTestGuard(t, Options{})

	var names []string
	for _, p := range g.ListPolicies() {
		names = append(names, p.Name)
	}
	want := []string{
		PolicyAgentBudget,
		PolicyDestructiveApply,
		PolicyExportOutput,
		PolicyForcedAgentRun,
		PolicyHeadlessPermissions,
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("ListPolicies() = %v, want %v", names, want)
	}

	if _, err := NewGuard(context.Background(), Options{Disabled: []string{"no-such-policy"}}); err == nil {
		t.Error("NewGuard() with unknown disabled policy succeeded")
	}
}

func TestGuard_Check(t *testing.T) {
	headless := newTestGuard(t, Options{})
	operator := newTestGuard(t, Options{Context: Context{Interactive: true, AllowDestructive: true}})

	tests := []struct {
		name       string
		guard      *Guard
		method     string
		params     string
		wantPolicy string
	}{
		{name: "ping", guard: headless, method: "system.ping"},
		{
			name:       "headless permission prompt",
			guard:      headless,
			method:     "permissions.requestMicrophone",
			wantPolicy: PolicyHeadlessPermissions,
		},
		{name: "interactive permission prompt", guard: operator, method: "permissions.requestMicrophone"},
		{name: "permission status is not a prompt", guard: headless, method: "permissions.get"},
		{
			name:       "destructive apply",
			guard:      headless,
			method:     "agent.apply",
			params:     `{"jobId": "job-1", "destructiveIntent": true}`,
			wantPolicy: PolicyDestructiveApply,
		},
		{name: "safe apply", guard: headless, method: "agent.apply", params: `{"jobId": "job-1", "destructiveIntent": false}`},
		{name: "allowed destructive apply", guard: operator, method: "agent.apply", params: `{"jobId": "job-1", "destructiveIntent": true}`},
		{
			name:       "forced run",
			guard:      headless,
			method:     "agent.run",
			params:     `{"preflightToken": "t", "force": true}`,
			wantPolicy: PolicyForcedAgentRun,
		},
		{
			name:       "export without output",
			guard:      operator,
			method:     "export.run",
			params:     `{"presetId": "h264-1080p-30"}`,
			wantPolicy: PolicyExportOutput,
		},
		{
			name:       "relative export output",
			guard:      operator,
			method:     "export.runCutPlan",
			params:     `{"outputURL": "out.mp4", "presetId": "p", "jobId": "j"}`,
			wantPolicy: PolicyExportOutput,
		},
		{name: "absolute export output", guard: headless, method: "export.run", params: `{"outputURL": "/tmp/out.mp4"}`},
		{name: "file URL export output", guard: headless, method: "export.run", params: `{"outputURL": "file:///tmp/out.mp4"}`},
		{name: "windows export output", guard: headless, method: "export.run", params: `{"outputURL": "C:\\Videos\\out.mp4"}`},
		{name: "long budget only warns", guard: headless, method: "agent.run", params: `{"preflightToken": "t", "runtimeBudgetMinutes": 240}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.guard.Check(context.Background(), tt.method, json.RawMessage(tt.params))
			if tt.wantPolicy == "" {
				if err != nil {
					t.Fatalf("Check() error = %v", err)
				}
				return
			}

			var denied *DeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("Check() error = %v, want *DeniedError", err)
			}
			if denied.Method != tt.method || len(denied.Violations) != 1 || denied.Violations[0].Policy != tt.wantPolicy {
				t.Errorf("denied = %+v, want one %s violation", denied, tt.wantPolicy)
			}
			if !strings.Contains(err.Error(), "call to "+tt.method+" denied by policy: "+tt.wantPolicy) {
				t.Errorf("error = %q", err.Error())
			}
		})
	}
}

func TestGuard_Evaluate(t *testing.T) {
	g := newTestGuard(t, Options{})

	d, err := g.Evaluate(context.Background(), "agent.run", json.RawMessage(`{"runtimeBudgetMinutes": 90, "force": true}`))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Allowed {
		t.Error("forced run should not be allowed")
	}
	if len(d.EvaluatedPolicies) != len(GetBuiltinPolicies()) {
		t.Errorf("evaluated %v", d.EvaluatedPolicies)
	}
	if len(d.Warnings) != 1 || d.Warnings[0].Policy != PolicyAgentBudget || d.Warnings[0].Severity != SeverityWarning {
		t.Errorf("warnings = %+v", d.Warnings)
	}
	if !strings.Contains(d.Warnings[0].Message, "90") {
		t.Errorf("warning message = %q", d.Warnings[0].Message)
	}

	if _, err := g.Evaluate(context.Background(), "system.ping", json.RawMessage(`[1]`)); err == nil {
		t.Error("Evaluate() with array params succeeded")
	}
}

func TestGuard_EnableDisable(t *testing.T) {
	g := newTestGuard(t, Options{Disabled: []string{PolicyDestructiveApply}})
	params := json.RawMessage(`{"jobId": "j", "destructiveIntent": true}`)

	if err := g.Check(context.Background(), "agent.apply", params); err != nil {
		t.Fatalf("Check() with policy disabled = %v", err)
	}
	if err := g.EnablePolicy(PolicyDestructiveApply); err != nil {
		t.Fatal(err)
	}
	if err := g.Check(context.Background(), "agent.apply", params); err == nil {
		t.Error("Check() after EnablePolicy succeeded")
	}
	if err := g.DisablePolicy("missing"); err == nil {
		t.Error("DisablePolicy(missing) succeeded")
	}

	p, err := g.GetPolicy(PolicyDestructiveApply)
	if err != nil || !p.Enabled {
		t.Errorf("GetPolicy() = %+v, %v", p, err)
	}
}

func TestGuard_CustomPolicies(t *testing.T) {
	custom := Policy{
		Name:     "no-recordings",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.recording

import rego.v1

deny contains "recording is disabled on this host" if {
	input.method == "recording.start"
}

deny contains {"message": "mic capture is noted", "severity": "info"} if {
	startswith(input.method, "capture.start")
	input.params.enableMic == true
}`,
	}
	g := newTestGuard(t, Options{}, custom)

	err := g.Check(context.Background(), "recording.start", nil)
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Violations[0].Message != "recording is disabled on this host" {
		t.Fatalf("Check(recording.start) = %v", err)
	}
	if denied.Violations[0].Severity != SeverityError {
		t.Errorf("severity = %s, want policy default", denied.Violations[0].Severity)
	}

	d, err := g.Evaluate(context.Background(), "capture.startDisplay", json.RawMessage(`{"enableMic": true}`))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || len(d.Warnings) != 1 || d.Warnings[0].Severity != SeverityInfo {
		t.Errorf("decision = %+v, want one info warning", d)
	}

	tests := []struct {
		name     string
		policies []Policy
	}{
		{name: "syntax error", policies: []Policy{{Name: "broken", Rego: "package broken\n\ndeny contains if {"}}},
		{name: "no name", policies: []Policy{{Rego: "package x"}}},
		{name: "duplicate", policies: []Policy{custom, custom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.Load(context.Background(), tt.policies); err == nil {
				t.Error("Load() succeeded")
			}
		})
	}
}
