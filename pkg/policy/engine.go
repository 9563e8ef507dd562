package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/leadflow/leadflow/pkg/engine"
)

// Engine evaluates Rego contact policies. It implements engine.ContactPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	settings Settings
	paths    []string
	loader   *Loader
	logger   zerolog.Logger
}

var _ engine.ContactPolicy = (*Engine)(nil)

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in contact policies loaded.
func NewEngine(logger zerolog.Logger, settings Settings) (*Engine, error) {
	store, err := newSettingsStore(settings)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    store,
		settings: settings,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// newSettingsStore exposes settings to policies under data.leadflow.settings.
func newSettingsStore(s Settings) (storage.Store, error) {
	doc := map[string]interface{}{
		"leadflow": map[string]interface{}{
			"settings": map[string]interface{}{
				"max_contact_attempts":    s.MaxContactAttempts,
				"min_contact_gap_seconds": int64(s.MinContactGap / time.Second),
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy settings: %w", err)
	}
	return inmem.NewFromReader(bytes.NewReader(raw)), nil
}

// EvaluateContact decides whether a proactive contact may be sent.
func (e *Engine) EvaluateContact(ctx context.Context, req engine.ContactRequest) (engine.ContactDecision, error) {
	res, err := e.Evaluate(ctx, req)
	if err != nil {
		return engine.ContactDecision{}, err
	}

	decision := engine.ContactDecision{Allowed: res.Allowed}
	for _, v := range res.Violations {
		decision.Violations = append(decision.Violations, v.String())
	}
	return decision, nil
}

// Evaluate runs every enabled policy against req. A policy that fails to
// evaluate produces a blocking violation.
func (e *Engine) Evaluate(ctx context.Context, req engine.ContactRequest) (*Result, error) {
	if req.Lead == nil {
		return nil, engine.ValidationError("contact request has no lead", nil)
	}
	start := time.Now()
	input := buildInput(req)

	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	res := &Result{Allowed: true, Evaluated: make([]string, 0, len(compiled))}
	for _, cp := range compiled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Evaluated = append(res.Evaluated, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("lead_id", req.Lead.ID).
				Msg("Policy evaluation failed")
			violations = []Violation{{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityError,
			}}
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}
	res.Duration = time.Since(start)

	e.logger.Debug().
		Str("lead_id", req.Lead.ID).
		Str("kind", string(req.Kind)).
		Bool("allowed", res.Allowed).
		Int("violations", len(res.Violations)).
		Dur("duration", res.Duration).
		Msg("Contact policy evaluation completed")

	return res, nil
}

func buildInput(req engine.ContactRequest) *ContactInput {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	l := req.Lead

	in := &ContactInput{
		Kind:         string(req.Kind),
		Now:          now.Format(time.RFC3339Nano),
		Weekday:      now.Weekday().String(),
		Hour:         now.Hour(),
		CanContact:   req.CanContact,
		InQuietHours: req.InQuietHours,
		Lead: LeadInput{
			ID:                 l.ID,
			State:              string(l.State),
			Phone:              l.Phone,
			ConsentVerified:    l.ConsentVerified,
			OutboundAttempts:   l.OutboundAttemptCount(),
			MaxContactAttempts: l.MaxContactAttempts,
			Metadata:           l.Metadata,
		},
	}
	if l.LastContactAt != nil {
		in.Lead.LastContactAt = l.LastContactAt.Format(time.RFC3339Nano)
	}
	return in
}

// evaluatePolicy collects the deny set of a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *ContactInput) ([]Violation, error) {
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
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation converts one deny entry. Entries are either a message string
// or an object with message and severity.
func newViolation(p *Policy, entry interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

// AddPolicy compiles and installs p, replacing any policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := e.compile(ctx, &p)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled successfully")
	return nil
}

// RemovePolicy uninstalls a policy.
func (e *Engine) RemovePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[name]; !ok {
		return engine.NotFoundError("policy", name)
	}
	delete(e.policies, name)
	return nil
}

// LoadPolicies loads policy files and directories. Paths are remembered for
// ReloadPolicies and Watch.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.installFilePolicies(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// installFilePolicies compiles every file policy before swapping them in,
// so a broken file leaves the previous set active.
func (e *Engine) installFilePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin() {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	return nil
}

// loadBuiltinPolicies compiles the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")
	return nil
}

// ReloadPolicies re-reads the paths given to LoadPolicies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	e.loader.ClearCache()
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	return e.installFilePolicies(ctx, policies)
}

// Watch reloads file policies whenever the loaded paths change, until ctx
// is done.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.installFilePolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, engine.NotFoundError("policy", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all installed policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
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

	cp, ok := e.policies[name]
	if !ok {
		return engine.NotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
