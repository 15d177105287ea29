package policy

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/metahook/pkg/delegation"
	"github.com/openfroyo/metahook/pkg/engine"
)

// Engine evaluates delegation requests against a set of Rego deny policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// Evaluate runs every enabled policy against the input, in name order.
// A policy that fails to evaluate aborts the whole decision.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := Decision{Evaluated: make([]string, 0, len(e.policies))}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.Evaluated = append(decision.Evaluated, name)

		reasons, err := evaluateDeny(ctx, cp, input)
		if err != nil {
			return Decision{}, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}
		for _, reason := range reasons {
			decision.Reasons = append(decision.Reasons, name+": "+reason)
		}
	}

	decision.Denied = len(decision.Reasons) > 0
	return decision, nil
}

// evaluateDeny collects the deny set of a single policy.
func evaluateDeny(ctx context.Context, cp *compiledPolicy, input Input) ([]string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var reasons []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			switch v := d.(type) {
			case string:
				reasons = append(reasons, v)
			case map[string]interface{}:
				if msg, ok := v["message"].(string); ok {
					reasons = append(reasons, msg)
					continue
				}
				reasons = append(reasons, fmt.Sprintf("%v", v))
			default:
				reasons = append(reasons, fmt.Sprintf("%v", v))
			}
		}
	}
	return reasons, nil
}

// compile parses a policy and prepares its deny query for reuse.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// ReplacePolicies compiles the given policies and swaps them in atomically.
// Built-in policies are kept. Nothing changes if any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %q", p.Name)
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			continue
		}
		if _, clash := compiled[name]; clash {
			return fmt.Errorf("policy %q shadows a built-in policy", name)
		}
		compiled[name] = cp
	}
	e.policies = compiled

	e.logger.Info().Int("count", len(policies)).Msg("Policies replaced")
	return nil
}

// LoadPolicies loads .rego files from the given paths and replaces the user policies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// VetoFunc adapts the engine to the delegator's veto hook.
// names maps a module ID to its symbolic name and may be nil.
// Evaluation errors are logged and do not veto.
func (e *Engine) VetoFunc(names func(engine.ModuleID) string) delegation.VetoFunc {
	return func(ctx context.Context, name string, module engine.ModuleID) bool {
		input := Input{Name: name, Module: uint64(module)}
		if names != nil {
			input.SymbolicName = names(module)
		}

		decision, err := e.Evaluate(ctx, input)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("resource", name).
				Uint64("module", uint64(module)).
				Msg("Policy evaluation failed, allowing delegation")
			return false
		}
		if decision.Denied {
			e.logger.Debug().
				Str("resource", name).
				Uint64("module", uint64(module)).
				Strs("reasons", decision.Reasons).
				Msg("Delegation denied by policy")
		}
		return decision.Denied
	}
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// EnablePolicy enables a policy.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames must be called with e.mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
