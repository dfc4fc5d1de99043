package policy

// Names of the built-in policies.
const (
	PolicyHeadlessPermissions = "headless-permission-prompts"
	PolicyDestructiveApply    = "destructive-apply"
	PolicyForcedAgentRun      = "forced-agent-run"
	PolicyExportOutput        = "export-output-url"
	PolicyAgentBudget         = "agent-runtime-budget"
)

// GetBuiltinPolicies returns the policies every guard starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		headlessPermissionsPolicy(),
		destructiveApplyPolicy(),
		forcedAgentRunPolicy(),
		exportOutputPolicy(),
		agentBudgetPolicy(),
	}
}

// headlessPermissionsPolicy blocks OS permission prompts nobody can answer.
func headlessPermissionsPolicy() Policy {
	return Policy{
		Name:        PolicyHeadlessPermissions,
		Description: "Blocks permission prompts when no one is at the keyboard",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"permissions", "headless"},
		Rego: `package glassengine.policies.permissions

import rego.v1

prompting_methods := {
	"permissions.requestScreenRecording",
	"permissions.requestMicrophone",
	"permissions.requestInputMonitoring",
	"permissions.openInputMonitoringSettings",
}

deny contains violation if {
	input.method in prompting_methods
	not input.context.interactive

	violation := {
		"message": sprintf("%s opens a system prompt and needs an interactive session", [input.method]),
		"severity": "error",
	}
}`,
	}
}

// destructiveApplyPolicy guards agent.apply with destructive intent.
func destructiveApplyPolicy() Policy {
	return Policy{
		Name:        PolicyDestructiveApply,
		Description: "Requires allow_destructive before a cut plan may overwrite timeline edits",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"agent", "safety"},
		Rego: `package glassengine.policies.apply

import rego.v1

deny contains violation if {
	input.method == "agent.apply"
	input.params.destructiveIntent == true
	not input.context.allow_destructive

	violation := {
		"message": sprintf("Applying job %s with destructive intent is not allowed", [object.get(input.params, "jobId", "")]),
		"severity": "critical",
	}
}`,
	}
}

// forcedAgentRunPolicy guards agent.run with force set.
func forcedAgentRunPolicy() Policy {
	return Policy{
		Name:        PolicyForcedAgentRun,
		Description: "Requires allow_destructive before an agent run may replace a job in progress",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"agent", "safety"},
		Rego: `package glassengine.policies.force

import rego.v1

deny contains "Forced agent runs are not allowed" if {
	input.method == "agent.run"
	input.params.force == true
	not input.context.allow_destructive
}`,
	}
}

// exportOutputPolicy requires exports to name an absolute output location.
func exportOutputPolicy() Policy {
	return Policy{
		Name:        PolicyExportOutput,
		Description: "Requires exports to write to an absolute path or file URL",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"export"},
		Rego: `package glassengine.policies.export

import rego.v1

export_methods := {"export.run", "export.runCutPlan"}

output := object.get(input.params, "outputURL", "")

deny contains "outputURL is required" if {
	input.method in export_methods
	output == ""
}

deny contains violation if {
	input.method in export_methods
	output != ""
	not absolute(output)

	violation := sprintf("outputURL %q must be an absolute path or file URL", [output])
}

absolute(p) if startswith(p, "/")

absolute(p) if startswith(p, "file://")

absolute(p) if regex.match("^[A-Za-z]:[\\\\/]", p)`,
	}
}

// agentBudgetPolicy warns about unusually long agent runs.
func agentBudgetPolicy() Policy {
	return Policy{
		Name:        PolicyAgentBudget,
		Description: "Warns when an agent runtime budget exceeds an hour",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"agent"},
		Rego: `package glassengine.policies.budget

import rego.v1

max_minutes := 60

deny contains violation if {
	input.method in {"agent.preflight", "agent.run"}
	input.params.runtimeBudgetMinutes > max_minutes

	violation := sprintf("runtimeBudgetMinutes %v exceeds %v", [input.params.runtimeBudgetMinutes, max_minutes])
}`,
	}
}
