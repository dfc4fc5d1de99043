package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/guerillaglass/glassengine/pkg/policy"
	"github.com/guerillaglass/glassengine/pkg/protocol"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the call policies",
		Long: `Calls are checked against Rego policies before they are sent to the
engine. Built-in policies are always loaded; policy.paths adds .rego and
.json files, and policy.disabled turns policies off by name.

Built-in policies: ` + policyNames(),
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			guard, err := newGuard(cmd.Context(), cfg, telemetry.NewNopLogger(), stdinIsTerminal())
			if err != nil {
				return err
			}

			policies := guard.ListPolicies()
			return printResult(cmd.OutOrStdout(), policies, func(w io.Writer) error {
				return renderPolicies(w, policies, cfg.Policy.Enabled)
			})
		},
	}
}

func renderPolicies(w io.Writer, policies []policy.Policy, guardEnabled bool) error {
	if !guardEnabled {
		if _, err := fmt.Fprintln(w, "Policy checks are disabled (policy.enabled: false)"); err != nil {
			return err
		}
	}
	rows := make([][]string, 0, len(policies))
	for _, p := range policies {
		source := p.Source
		if source == "" {
			source = "built-in"
		}
		rows = append(rows, []string{p.Name, string(p.Severity), yesNo(p.Enabled), source, p.Description})
	}
	return printTable(w, []string{"Name", "Severity", "Enabled", "Source", "Description"}, rows)
}

func newPolicyCheckCommand() *cobra.Command {
	var destructive bool

	cmd := &cobra.Command{
		Use:   "check <method> [params-json]",
		Short: "Evaluate the policies for a call without sending it",
		Example: `  # Would an unattended apply be allowed?
  glassctl policy check agent.apply '{"jobId": "job-1", "destructiveIntent": true}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if destructive {
				cfg.Policy.AllowDestructive = true
			}

			var raw any
			if len(args) == 2 {
				raw = json.RawMessage(args[1])
			}
			params, err := protocol.MarshalParams(raw)
			if err != nil {
				return fmt.Errorf("invalid params: %w", err)
			}

			guard, err := newGuard(cmd.Context(), cfg, telemetry.NewNopLogger(), stdinIsTerminal())
			if err != nil {
				return err
			}
			decision, err := guard.Evaluate(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}

			if err := printResult(cmd.OutOrStdout(), decision, func(w io.Writer) error {
				return renderDecision(w, args[0], decision)
			}); err != nil {
				return err
			}
			if !decision.Allowed {
				return &policy.DeniedError{Method: args[0], Violations: decision.Violations}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&destructive, "allow-destructive", false, "evaluate as if policy.allow_destructive were set")

	return cmd
}

func renderDecision(w io.Writer, method string, d *policy.Decision) error {
	verdict := "allowed"
	if !d.Allowed {
		verdict = "denied"
	}
	if _, err := fmt.Fprintf(w, "%s: %s (%d policies in %s)\n", method, verdict, len(d.EvaluatedPolicies), d.Duration.Round(time.Microsecond)); err != nil {
		return err
	}

	var rows [][]string
	for _, v := range d.Violations {
		rows = append(rows, []string{v.Policy, string(v.Severity), v.Message})
	}
	for _, v := range d.Warnings {
		rows = append(rows, []string{v.Policy, string(v.Severity), v.Message})
	}
	for _, e := range d.Errors {
		rows = append(rows, []string{"", "eval error", e})
	}
	if len(rows) == 0 {
		return nil
	}
	return printTable(w, []string{"Policy", "Severity", "Message"}, rows)
}

// policyNames lists the built-in policy names.
func policyNames() string {
	names := make([]string, 0, len(policy.GetBuiltinPolicies()))
	for _, p := range policy.GetBuiltinPolicies() {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}
