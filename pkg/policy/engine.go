package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine compiles Rego policies and evaluates them against candidate entries.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		cp, err := compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}
	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")

	return e, nil
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", p.Name)
	}
	pkg := module.Package.Path.String()

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(pkg+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &compiledPolicy{policy: p, pkg: pkg, query: query, compiled: time.Now()}, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported as a warning and does not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()
	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	decision := &Decision{Allowed: true, EvaluatedPolicies: make([]string, 0, len(policies))}
	for _, cp := range policies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, Violation{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
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

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from a deny set member.
func createViolation(p Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if op, ok := v["operation"].(string); ok {
			violation.Operation = op
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// LoadPolicies loads policy files and directories on top of the current set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.Load(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.addPolicies(ctx, policies, false)
}

// ReplacePolicies swaps every loaded policy for the given set, keeping the
// built-ins. Nothing changes if any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	return e.addPolicies(ctx, policies, true)
}

func (e *Engine) addPolicies(ctx context.Context, policies []Policy, replace bool) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if replace {
		for name, cp := range e.policies {
			if !cp.policy.Builtin {
				delete(e.policies, name)
			}
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Bool("replace", replace).Msg("Policies loaded")
	return nil
}

// Watch reloads the policies under paths whenever their files change, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Close stops any policy watcher.
func (e *Engine) Close() error {
	return e.loader.Close()
}
