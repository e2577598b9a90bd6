package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// ErrPolicyNotFound is returned for unknown policy names.
var ErrPolicyNotFound = errors.New("policy not found")

// Engine compiles Rego policies and evaluates them against envelopes.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate runs every enabled policy against input. Policies that fail to
// evaluate are reported as warnings and do not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	if input == nil {
		return nil, fmt.Errorf("policy input is required")
	}
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: start}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("module", input.Envelope.Module).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("module", input.Envelope.Module).
		Str("event", input.Envelope.Event).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Envelope policy evaluation completed")

	return result, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
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
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// createViolation converts one deny element. Elements may be plain strings
// or objects with message and severity.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
		Module:   input.Envelope.Module,
		Event:    input.Envelope.Event,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compileLocked parses policy, prepares its deny query and stores it.
func (e *Engine) compileLocked(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtin := BuiltinPolicies()
	for i := range builtin {
		if err := e.compileLocked(ctx, &builtin[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(builtin)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files and directories and adds them to the
// engine. A policy that fails to compile aborts the load.
func (e *Engine) LoadPolicies(ctx context.Context, loader *Loader, paths []string) error {
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileLocked(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every non built-in policy for policies. Nothing
// changes when one of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	staged := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	for i := range policies {
		if err := staged.compileLocked(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range staged.policies {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("Policy file shadows a built-in policy")
		}
		e.policies[name] = cp
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	cp.policy.Enabled = enabled

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	e.logger.Info().Str("policy", name).Msg("Policy " + state)
	return nil
}

// extractDescription returns the leading comment block of a Rego file.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" && description.Len() > 0 {
			break
		}
	}
	return description.String()
}
