package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
)

const denyQuery = "data." + RequestPackage + ".deny"

// Guard evaluates request policies before the session sends a mutating
// request. It implements clarity.RequestGuard.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy

	logger zerolog.Logger
	events *telemetry.EventPublisher
	loader *Loader
	paths  []string
}

var _ clarity.RequestGuard = (*Guard)(nil)

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	// Paths are .rego or .json policy files, or directories of them.
	Paths []string

	// NoBuiltins skips the built-in policies.
	NoBuiltins bool

	Logger zerolog.Logger

	// Events receives a policy.denied event for every blocked request.
	Events *telemetry.EventPublisher
}

// DeniedError is returned by Check when a blocking deny rule matched.
type DeniedError struct {
	Decision *Decision
}

func (e *DeniedError) Error() string {
	return "denied: " + strings.Join(e.Decision.Messages(), "; ")
}

// NewGuard compiles the built-in policies and the policies found at
// opts.Paths.
func NewGuard(ctx context.Context, opts GuardOptions) (*Guard, error) {
	logger := opts.Logger.With().Str("component", "policy-guard").Logger()
	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		logger:   logger,
		events:   opts.Events,
		loader:   NewLoader(logger),
		paths:    opts.Paths,
	}

	if !opts.NoBuiltins {
		builtins := BuiltinPolicies()
		for i := range builtins {
			if err := g.compileAndStore(ctx, &builtins[i]); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
			}
		}
	}

	if len(opts.Paths) > 0 {
		policies, err := g.loader.LoadFromPaths(ctx, opts.Paths)
		if err != nil {
			return nil, err
		}
		if err := g.Replace(ctx, policies); err != nil {
			return nil, err
		}
	}

	g.logger.Info().Int("count", len(g.policies)).Msg("Request policies loaded")
	return g, nil
}

// Check denies req when a blocking rule matches. Warnings are logged.
func (g *Guard) Check(ctx context.Context, req clarity.RequestInfo) error {
	decision, err := g.Evaluate(ctx, Input{
		Method:      req.Method,
		URI:         req.URI,
		Environment: req.Environment,
		Username:    req.Username,
		DryRun:      req.DryRun,
	})
	if err != nil {
		return err
	}

	for _, w := range decision.Warnings {
		g.logger.Warn().Str("policy", w.Policy).Str("method", req.Method).Str("uri", req.URI).Msg(w.Message)
	}
	if decision.Allowed {
		return nil
	}

	reason := strings.Join(decision.Messages(), "; ")
	g.logger.Error().Str("method", req.Method).Str("uri", req.URI).Msg("request denied: " + reason)
	if err := g.events.PublishRequestDenied(req.Method, req.URI, reason); err != nil {
		g.logger.Debug().Err(err).Msg("failed to publish denial")
	}
	return &DeniedError{Decision: decision}
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate fails the whole evaluation.
func (g *Guard) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	start := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	decision := &Decision{Allowed: true}
	for _, name := range g.sortedNames() {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		denials, err := g.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, d := range denials {
			if d.Severity.Blocks() {
				decision.Denials = append(decision.Denials, d)
				decision.Allowed = false
			} else {
				decision.Warnings = append(decision.Warnings, d)
			}
		}
	}
	decision.Duration = time.Since(start)

	g.logger.Debug().
		Str("method", input.Method).
		Str("uri", input.URI).
		Bool("allowed", decision.Allowed).
		Dur("duration", decision.Duration).
		Msg("Request policy evaluation completed")
	return decision, nil
}

func (g *Guard) sortedNames() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Guard) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Denial, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var denials []Denial
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, v := range set {
			denials = append(denials, newDenial(cp.policy, v))
		}
	}
	return denials, nil
}

// newDenial reads a deny value: a message string, or an object with
// "message" and optional "severity".
func newDenial(p *Policy, v interface{}) Denial {
	d := Denial{Policy: p.Name, Severity: p.Severity}
	switch val := v.(type) {
	case string:
		d.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			d.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			d.Severity = Severity(sev)
		}
	default:
		d.Message = fmt.Sprintf("%v", v)
	}
	return d
}

// compileAndStore parses and prepares a policy. Callers hold the lock or own
// the guard exclusively.
func (g *Guard) compileAndStore(ctx context.Context, p *Policy) error {
	compiled, err := compile(ctx, p)
	if err != nil {
		return err
	}
	g.policies[p.Name] = compiled
	g.logger.Debug().Str("policy", p.Name).Msg("Policy compiled successfully")
	return nil
}

func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if pkg := module.Package.Path.String(); pkg != "data."+RequestPackage {
		return nil, fmt.Errorf("policy %s declares package %s, want %s",
			p.Name, strings.TrimPrefix(pkg, "data."), RequestPackage)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now()
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(denyQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

// Add compiles and installs one policy, replacing any policy of that name.
func (g *Guard) Add(ctx context.Context, p Policy) error {
	compiled, err := compile(ctx, &p)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[p.Name] = compiled
	return nil
}

// Replace swaps every non-builtin policy for the given set. Nothing changes
// when one of them fails to compile.
func (g *Guard) Replace(ctx context.Context, policies []Policy) error {
	fresh := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		compiled, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		fresh[p.Name] = compiled
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name, cp := range g.policies {
		if !cp.policy.Builtin {
			delete(g.policies, name)
		}
	}
	for name, cp := range fresh {
		g.policies[name] = cp
	}
	return nil
}

// Watch reloads the guard's paths whenever a policy file changes, until ctx
// ends.
func (g *Guard) Watch(ctx context.Context) error {
	if len(g.paths) == 0 {
		return fmt.Errorf("no policy paths to watch")
	}
	return g.loader.Watch(ctx, g.paths, func(policies []Policy) error {
		return g.Replace(ctx, policies)
	})
}

// Close stops watching.
func (g *Guard) Close() error {
	return g.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (g *Guard) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns the installed policies sorted by name.
func (g *Guard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, name := range g.sortedNames() {
		policies = append(policies, *g.policies[name].policy)
	}
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
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
