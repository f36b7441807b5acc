package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/piiagent/integrator/pkg/engine"
	"github.com/rs/zerolog"
)

// RegoOptions configures a RegoPolicy.
type RegoOptions struct {
	// Paths are .rego files, JSON bundles or directories of either. When empty
	// the built-in module is used.
	Paths []string

	// Query overrides DefaultQuery.
	Query string

	// PreVetted overrides engine.DefaultPreVettedTypes under data.prevetted.
	PreVetted map[engine.CloudProvider][]engine.ResourceType
}

// RegoPolicy is an engine.AutoApprovalPolicy backed by OPA. Any failure to
// compile or evaluate yields a manual-approval decision.
type RegoPolicy struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	query    string
	store    storage.Store
	paths    []string
	loader   *Loader
	policies []Policy
	prepared *rego.PreparedEvalQuery
}

var _ engine.AutoApprovalPolicy = (*RegoPolicy)(nil)

// NewRegoPolicy compiles the configured modules.
func NewRegoPolicy(ctx context.Context, logger zerolog.Logger, opts RegoOptions) (*RegoPolicy, error) {
	query := opts.Query
	if query == "" {
		query = DefaultQuery
	}

	p := &RegoPolicy{
		logger: logger.With().Str("component", "policy-engine").Logger(),
		query:  query,
		store:  inmem.NewFromObject(preVettedData(opts.PreVetted)),
		paths:  opts.Paths,
	}
	p.loader = NewLoader(p.logger)

	policies := BuiltinPolicies()
	if len(opts.Paths) > 0 {
		loaded, err := p.loader.LoadFromPaths(ctx, opts.Paths)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		policies = loaded
	}

	if err := p.Load(ctx, policies); err != nil {
		return nil, err
	}
	return p, nil
}

// Load compiles policies and swaps them in. The previous set stays active when
// compilation fails.
func (p *RegoPolicy) Load(ctx context.Context, policies []Policy) error {
	if len(policies) == 0 {
		return fmt.Errorf("no policies to load")
	}

	opts := []func(*rego.Rego){
		rego.Query(p.query),
		rego.Store(p.store),
	}
	for i := range policies {
		if _, err := ast.ParseModule(policies[i].Name, policies[i].Rego); err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", policies[i].Name, err)
		}
		opts = append(opts, rego.Module(policies[i].Name, policies[i].Rego))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query %s: %w", p.query, err)
	}

	p.mu.Lock()
	p.policies = append([]Policy(nil), policies...)
	p.prepared = &prepared
	p.mu.Unlock()

	p.logger.Info().
		Int("count", len(policies)).
		Str("query", p.query).
		Msg("Policies loaded")
	return nil
}

// Policies returns the active modules.
func (p *RegoPolicy) Policies() []Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Policy(nil), p.policies...)
}

// Watch reloads the configured paths whenever a policy file changes. It is a
// no-op for the built-in module.
func (p *RegoPolicy) Watch(ctx context.Context) error {
	if len(p.paths) == 0 {
		return nil
	}
	return p.loader.Watch(ctx, p.paths, func(policies []Policy) error {
		return p.Load(ctx, policies)
	})
}

// Close stops watching.
func (p *RegoPolicy) Close() error {
	return p.loader.StopWatching()
}

// Evaluate implements engine.AutoApprovalPolicy.
func (p *RegoPolicy) Evaluate(ctx context.Context, input engine.AutoApprovalInput) engine.AutoApprovalResult {
	p.mu.RLock()
	prepared := p.prepared
	p.mu.RUnlock()

	if prepared == nil {
		return manualResult("rego", "no policy loaded")
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		p.logger.Error().Err(err).Msg("Policy evaluation failed")
		return manualResult("rego", fmt.Sprintf("policy evaluation failed: %v", err))
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		p.logger.Warn().Str("query", p.query).Msg("Policy produced no decision")
		return manualResult("rego", "policy produced no decision")
	}

	reasons, err := denials(results[0].Expressions[0].Value)
	if err != nil {
		p.logger.Error().Err(err).Msg("Unexpected policy result")
		return manualResult("rego", err.Error())
	}

	p.logger.Debug().
		Str("provider", string(input.Provider)).
		Int("denials", len(reasons)).
		Msg("Auto-approval policy evaluated")

	return engine.AutoApprovalResult{
		ShouldAutoApprove: len(reasons) == 0,
		Reasons:           reasons,
		Policy:            "rego",
	}
}

// denials converts a deny set into sorted reason strings.
func denials(value interface{}) ([]string, error) {
	set, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("deny must be a set, got %T", value)
	}

	var reasons []string
	for _, d := range set {
		switch v := d.(type) {
		case string:
			reasons = append(reasons, v)
		case map[string]interface{}:
			msg, _ := v["message"].(string)
			if msg == "" {
				msg = fmt.Sprintf("%v", v)
			}
			if res, ok := v["resource_id"].(string); ok && res != "" {
				msg = res + ": " + msg
			}
			reasons = append(reasons, msg)
		default:
			reasons = append(reasons, fmt.Sprintf("%v", v))
		}
	}
	sort.Strings(reasons)
	return reasons, nil
}
