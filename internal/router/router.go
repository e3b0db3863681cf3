// Package router implements the Hounfour Router (): the
// composition layer that ties the provider registry, budget enforcer,
// rate limiter, health prober, and pricing components together around a
// single provider invocation.
//
// Grounded on the internal/api/balance_service.go composition
// shape (auth → validate → call ledger → translate errors → log →
// metrics), generalized here to compose D, C, F, E and A instead of a
// single ledger RPC; tool-call loops (H) and ensemble reservations (I) are
// not driven through the router. Also grounded on its generateRequestToken's HMAC-over-canonical-fields
// pattern for signing outbound provider requests.
package router

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/gatewayerr"
	"github.com/hounfour/gateway/internal/health"
	"github.com/hounfour/gateway/internal/ledger"
	"github.com/hounfour/gateway/internal/pricing"
	"github.com/hounfour/gateway/internal/ratelimit"
	"github.com/hounfour/gateway/internal/registry"
)

// ExecutionContext is assembled in step 1 of Execute and threaded through
// the rest of the pipeline.
type ExecutionContext struct {
	Resolved  registry.Resolved
	Binding   registry.Binding
	Pricing   pricing.PriceTable
	ScopeMeta ScopeMeta
}

// ScopeMeta identifies the most-specific budget scope for this
// invocation (e.g. "project:P" or "sprint:S").
type ScopeMeta struct {
	TenantID  string
	ProjectID string
	PhaseID   string
	SprintID  string
}

// MostSpecificScope returns the narrowest non-empty scope key, project
// falling back to tenant.
func (s ScopeMeta) MostSpecificScope() string {
	if s.SprintID != "" {
		return "sprint:" + s.SprintID
	}
	if s.PhaseID != "" {
		return "phase:" + s.PhaseID
	}
	if s.ProjectID != "" {
		return "project:" + s.ProjectID
	}
	return "tenant:" + s.TenantID
}

// InvokeRequest is the signed request handed to ProviderInvoker.
type InvokeRequest struct {
	Provider  string
	ModelID   string
	Body      []byte
	Nonce     string
	TraceID   string
	IssuedAt  time.Time
	Signature string
}

// InvokeResult is what a successful provider call returns.
type InvokeResult struct {
	Usage     pricing.Usage
	LatencyMs int64
}

// ProviderInvoker is the port the router calls to actually reach a
// provider.
type ProviderInvoker interface {
	Invoke(req InvokeRequest) (InvokeResult, error)
}

// FailureClassifier tells the router whether an invocation error should
// count against the provider's health circuit (taxonomy).
type FailureClassifier interface {
	Classify(err error) health.FailureKind
}

// Fallback configures a primary→secondary model alias substitution used
// when the primary is unhealthy.
type Fallback struct {
	PrimaryAlias   string
	SecondaryAlias string
}

// Router composes D, C, F, E, A to execute one invocation end to end.
type Router struct {
	registry   *registry.Registry
	budget     *budget.Enforcer
	ratelimit  *ratelimit.Limiter
	health     *health.Prober
	ledger     *ledger.Ledger
	invoker    ProviderInvoker
	classifier FailureClassifier
	hmacSecret []byte
	fallbacks  map[string]Fallback
}

// Options configures a Router.
type Options struct {
	Registry   *registry.Registry
	Budget     *budget.Enforcer
	RateLimit  *ratelimit.Limiter
	Health     *health.Prober
	Ledger     *ledger.Ledger
	Invoker    ProviderInvoker
	Classifier FailureClassifier
	HMACSecret []byte
	Fallbacks  map[string]Fallback
}

// New constructs a Router from opts.
func New(opts Options) *Router {
	return &Router{
		registry: opts.Registry, budget: opts.Budget, ratelimit: opts.RateLimit,
		health: opts.Health, ledger: opts.Ledger, invoker: opts.Invoker,
		classifier: opts.Classifier, hmacSecret: opts.HMACSecret, fallbacks: opts.Fallbacks,
	}
}

// Invocation is one request to route.
type Invocation struct {
	Alias    string
	Agent    string
	TenantID string
	Scope    ScopeMeta
	Body     []byte
}

// Execute runs seven steps for a single (non-tool-calling,
// non-ensemble) invocation.
func (r *Router) Execute(inv Invocation) (InvokeResult, error) {
	resolved, err := r.registry.ResolveAlias(inv.Alias)
	if err != nil {
		return InvokeResult{}, err
	}
	binding, _ := r.registry.GetAgentBinding(inv.Agent)
	priceTable, err := r.registry.GetPricing(resolved.Provider, resolved.ModelID)
	if err != nil {
		return InvokeResult{}, err
	}
	execCtx := ExecutionContext{Resolved: resolved, Binding: binding, Pricing: priceTable, ScopeMeta: inv.Scope}

	scope := execCtx.ScopeMeta.MostSpecificScope()
	if r.budget.IsExceeded(scope) {
		return InvokeResult{}, gatewayerr.New(gatewayerr.CodeBudgetExceeded, "budget exceeded for scope").WithContext("scope", scope)
	}

	estimatedTokens := int64(1000) // fixed estimate; Invocation carries no token hint
	if err := r.ratelimit.Acquire(resolved.Provider, estimatedTokens); err != nil {
		return InvokeResult{}, err
	}

	if !r.health.IsHealthy(resolved.Provider, resolved.ModelID) {
		if fb, ok := r.fallbacks[inv.Alias]; ok && fb.SecondaryAlias != "" {
			fallbackResolved, ferr := r.registry.ResolveAlias(fb.SecondaryAlias)
			if ferr == nil {
				resolved = fallbackResolved
			}
		}
	}

	req := r.sign(resolved.Provider, resolved.ModelID, inv.Body)

	result, invErr := r.invoker.Invoke(req)
	if invErr != nil {
		kind := health.HealthFailure
		if r.classifier != nil {
			kind = r.classifier.Classify(invErr)
		}
		r.health.RecordFailure(resolved.Provider, resolved.ModelID, kind)
		return InvokeResult{}, invErr
	}

	cost, _, costErr := pricing.ComputeUsageCost(result.Usage, priceTable)
	if costErr != nil {
		return InvokeResult{}, costErr
	}

	entry := ledger.Entry{
		TraceID: req.TraceID, Agent: inv.Agent, Provider: resolved.Provider, Model: resolved.ModelID,
		ProjectID: inv.Scope.ProjectID, PhaseID: inv.Scope.PhaseID, SprintID: inv.Scope.SprintID, TenantID: inv.TenantID,
		PromptTokens: result.Usage.PromptTokens, CompletionTokens: result.Usage.CompletionTokens, ReasoningTokens: result.Usage.ReasoningTokens,
		InputCostMicro: cost.InputMicro, OutputCostMicro: cost.OutputMicro, ReasoningCostMicro: cost.ReasoningMicro, TotalCostMicro: cost.TotalMicro,
		BillingMethod: ledger.BillingProviderReported, LatencyMs: result.LatencyMs,
	}
	if err := r.budget.RecordCost(inv.TenantID, scope, entry, cost.TotalMicro); err != nil {
		return InvokeResult{}, err
	}

	r.health.RecordSuccess(resolved.Provider, resolved.ModelID)
	r.ratelimit.Release(resolved.Provider, estimatedTokens, result.Usage.PromptTokens+result.Usage.CompletionTokens)

	return result, nil
}

// sign builds an HMAC-signed InvokeRequest over the canonical body +
// nonce + trace-id + issued-at, step 5. Grounded on generateRequestToken
// (SHA-256 over request fields joined by ":"), generalized to keyed
// HMAC so the signature can't be forged without hmacSecret.
func (r *Router) sign(provider, modelID string, body []byte) InvokeRequest {
	nonce := uuid.New().String()
	traceID := uuid.New().String()
	issuedAt := time.Now().UTC()

	canonical := fmt.Sprintf("%s:%s:%s:%d", body, nonce, traceID, issuedAt.Unix())
	mac := hmac.New(sha256.New, r.hmacSecret)
	mac.Write([]byte(canonical))
	sig := hex.EncodeToString(mac.Sum(nil))

	return InvokeRequest{
		Provider: provider, ModelID: modelID, Body: body,
		Nonce: nonce, TraceID: traceID, IssuedAt: issuedAt, Signature: sig,
	}
}
