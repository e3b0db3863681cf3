// Package registry implements the Provider Registry (): a
// read-only, config-built lookup from model alias to (provider, modelId),
// pricing, and agent→model bindings, validated once at startup.
//
// Grounded on the internal/ledger/ledger.go pricingCache
// (sync.Map keyed by model name, lazily filled from PostgreSQL) and on
// internal/api/balance_service.go's provider-inference-from-model-prefix
// logic, generalized here into an explicit alias table built once instead
// of inferred per request.
package registry

import (
	"fmt"
	"sort"

	"github.com/hounfour/gateway/internal/gatewayerr"
	"github.com/hounfour/gateway/internal/pricing"
)

// Resolved is the outcome of resolving a model alias.
type Resolved struct {
	Provider string
	ModelID  string
}

// Binding maps an agent name to the model alias it is pinned to.
type Binding struct {
	Agent string
	Alias string
}

// BindingCheck is one row of ValidateBindings' report.
type BindingCheck struct {
	Agent  string
	Valid  bool
	Reason string
}

// AliasEntry is one row of the registry's config-driven alias table.
type AliasEntry struct {
	Alias    string
	Provider string
	ModelID  string
	Pricing  pricing.PriceTable
}

// Registry is built once at startup from config and is read-only
// thereafter — no locking needed on the lookup path.
type Registry struct {
	aliases  map[string]AliasEntry
	bindings map[string]Binding
}

// New builds a Registry from the given alias entries and agent bindings.
func New(aliases []AliasEntry, bindings []Binding) *Registry {
	r := &Registry{
		aliases:  make(map[string]AliasEntry, len(aliases)),
		bindings: make(map[string]Binding, len(bindings)),
	}
	for _, a := range aliases {
		r.aliases[a.Alias] = a
	}
	for _, b := range bindings {
		r.bindings[b.Agent] = b
	}
	return r
}

// ResolveAlias maps alias to its (provider, modelId) pair.
func (r *Registry) ResolveAlias(alias string) (Resolved, error) {
	entry, ok := r.aliases[alias]
	if !ok {
		return Resolved{}, gatewayerr.New(gatewayerr.CodeModelUnavailable, "unknown model alias").WithContext("alias", alias)
	}
	return Resolved{Provider: entry.Provider, ModelID: entry.ModelID}, nil
}

// GetPricing returns the PricingEntry for (provider, modelId).
func (r *Registry) GetPricing(provider, modelID string) (pricing.PriceTable, error) {
	for _, entry := range r.aliases {
		if entry.Provider == provider && entry.ModelID == modelID {
			return entry.Pricing, nil
		}
	}
	return pricing.PriceTable{}, gatewayerr.New(gatewayerr.CodeModelUnavailable, "no pricing for provider/model pair").
		WithContext("provider", provider, "model_id", modelID)
}

// GetAgentBinding returns agent's pinned Binding.
func (r *Registry) GetAgentBinding(agent string) (Binding, error) {
	b, ok := r.bindings[agent]
	if !ok {
		return Binding{}, gatewayerr.New(gatewayerr.CodeBindingInvalid, "no binding configured for agent").WithContext("agent", agent)
	}
	return b, nil
}

// ValidateBindings checks every configured binding resolves to a known
// alias, returning a sorted-by-agent report. Dangling references are
// reported, not returned as an error here — callers that need a hard
// failure should check each row's Valid field or call MustValidate.
func (r *Registry) ValidateBindings() []BindingCheck {
	checks := make([]BindingCheck, 0, len(r.bindings))
	for agent, b := range r.bindings {
		if _, ok := r.aliases[b.Alias]; ok {
			checks = append(checks, BindingCheck{Agent: agent, Valid: true})
		} else {
			checks = append(checks, BindingCheck{
				Agent: agent, Valid: false,
				Reason: fmt.Sprintf("agent %q is bound to unknown alias %q", agent, b.Alias),
			})
		}
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Agent < checks[j].Agent })
	return checks
}

// MustValidate is ValidateBindings plus a BINDING_INVALID failure on the
// first dangling reference.
func (r *Registry) MustValidate() error {
	for _, check := range r.ValidateBindings() {
		if !check.Valid {
			return gatewayerr.New(gatewayerr.CodeBindingInvalid, check.Reason).WithContext("agent", check.Agent)
		}
	}
	return nil
}
