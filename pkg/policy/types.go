package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the call.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the call.
	SeverityError Severity = "error"

	// SeverityCritical blocks the call.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the call.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated before engine calls.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Method   string   `json:"method"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the result of evaluating every enabled policy for one call.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the call.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. They do not block.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document bound to input in Rego.
type Input struct {
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
	Context Context                `json:"context"`
}

// Context describes the caller, so policies can differ between an operator
// at a terminal and an unattended process.
type Context struct {
	// Interactive is true when a person can answer OS permission prompts.
	Interactive bool `json:"interactive"`

	// AllowDestructive permits calls that discard user edits.
	AllowDestructive bool `json:"allow_destructive"`

	// Client names the calling program.
	Client string `json:"client,omitempty"`
}

// DeniedError is returned by Guard.Check for a call with blocking violations.
type DeniedError struct {
	Method     string
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("call to %s denied by policy: %s", e.Method, strings.Join(msgs, "; "))
}
