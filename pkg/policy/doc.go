// Package policy vets engine calls against Rego policies before they are
// sent.
//
// A Guard compiles each policy's deny set with Open Policy Agent and
// evaluates it against an input document for every call:
//
//	{
//	  "method":  "agent.apply",
//	  "params":  {"jobId": "job-1", "destructiveIntent": true},
//	  "context": {"interactive": false, "allow_destructive": false, "client": "glassctl"}
//	}
//
// Each deny entry is either a message string or an object with message and
// severity keys. Entries of severity error or critical block the call;
// lower severities are logged as warnings. The built-in policies cover
// permission prompts in headless sessions, destructive agent actions,
// export destinations, and oversized agent budgets.
//
// Custom policies are loaded from .rego files (named after the file, default
// severity warning) or .json definitions:
//
//	policies, err := policy.NewLoader(logger).LoadFromPaths(ctx, []string{"/etc/guerillaglass/policies"})
//	guard, err := policy.NewGuard(ctx, policy.Options{Context: policy.Context{Interactive: true}}, policies...)
//	c, err := client.New(path, cfg, client.WithCallGuard(guard))
package policy
