package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

// Guard evaluates Rego policies against engine calls before they are sent.
// It implements client.CallGuard.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	context  Context
	logger   *telemetry.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// Options configures a Guard.
type Options struct {
	// Context is bound to input.context for every evaluation.
	Context Context

	// Disabled names policies to load disabled.
	Disabled []string

	Logger *telemetry.Logger
}

// NewGuard creates a guard with the built-in policies plus any extra ones.
func NewGuard(ctx context.Context, opts Options, policies ...Policy) (*Guard, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		context:  opts.Context,
		logger:   logger.NewComponentLogger("policy-guard"),
	}

	if err := g.Load(ctx, GetBuiltinPolicies()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	if err := g.Load(ctx, policies); err != nil {
		return nil, err
	}
	for _, name := range opts.Disabled {
		if err := g.DisablePolicy(name); err != nil {
			return nil, err
		}
	}

	g.logger.WithField("count", len(g.policies)).Debug("Policies loaded")
	return g, nil
}

// Load compiles policies and adds them, replacing any with the same name.
// Nothing is added if one of them fails to compile.
func (g *Guard) Load(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	seen := make(map[string]bool, len(policies))
	for i := range policies {
		p := policies[i]
		if p.Name == "" {
			return fmt.Errorf("policy name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate policy name: %s", p.Name)
		}
		seen[p.Name] = true

		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cp := range compiled {
		g.policies[cp.policy.Name] = cp
	}
	return nil
}

func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy is empty")
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

// Evaluate runs every enabled policy against a call. params must be a JSON
// object or empty.
func (g *Guard) Evaluate(ctx context.Context, method string, params json.RawMessage) (*Decision, error) {
	start := time.Now()

	input := Input{
		Method:  method,
		Params:  map[string]interface{}{},
		Context: g.context,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input.Params); err != nil {
			return nil, fmt.Errorf("invalid params for %s: %w", method, err)
		}
	}

	decision := &Decision{Allowed: true}
	for _, cp := range g.enabled() {
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		violations, err := evaluatePolicy(ctx, cp, &input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			g.logger.WithError(err).WithMethod(method).WithField("policy", cp.policy.Name).Error("Policy evaluation failed")
			decision.Errors = append(decision.Errors, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = time.Since(start)
	return decision, nil
}

// Check rejects a call with a *DeniedError when a blocking violation is found.
// Warnings are logged.
func (g *Guard) Check(ctx context.Context, method string, params json.RawMessage) error {
	decision, err := g.Evaluate(ctx, method, params)
	if err != nil {
		return err
	}

	for _, w := range decision.Warnings {
		g.logger.WithMethod(method).WithFields(map[string]interface{}{
			"policy":   w.Policy,
			"severity": w.Severity,
		}).Warn(w.Message)
	}

	if !decision.Allowed {
		g.logger.WithMethod(method).WithField("violations", len(decision.Violations)).Info("Call denied by policy")
		return &DeniedError{Method: method, Violations: decision.Violations}
	}
	return nil
}

func (g *Guard) enabled() []*compiledPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*compiledPolicy, 0, len(g.policies))
	for _, cp := range g.policies {
		if cp.policy.Enabled {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// The deny rule is a set, which evaluates to a slice.
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(&cp.policy, d, input.Method))
		}
	}
	return violations, nil
}

// createViolation accepts either a message string or an object with
// message and severity keys.
func createViolation(policy *Policy, result interface{}, method string) Violation {
	v := Violation{
		Policy:   policy.Name,
		Method:   method,
		Severity: policy.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// GetPolicy returns a policy by name.
func (g *Guard) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (g *Guard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (g *Guard) EnablePolicy(name string) error {
	return g.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (g *Guard) DisablePolicy(name string) error {
	return g.setEnabled(name, false)
}

func (g *Guard) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	g.logger.WithFields(map[string]interface{}{
		"policy":  name,
		"enabled": enabled,
	}).Debug("Policy toggled")
	return nil
}
