package router

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	budgetpkg "github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/gatewayerr"
	"github.com/hounfour/gateway/internal/health"
	ledgerpkg "github.com/hounfour/gateway/internal/ledger"
	"github.com/hounfour/gateway/internal/pricing"
	"github.com/hounfour/gateway/internal/ratelimit"
	"github.com/hounfour/gateway/internal/registry"
)

type fakeInvoker struct {
	result InvokeResult
	err    error
}

func (f *fakeInvoker) Invoke(req InvokeRequest) (InvokeResult, error) { return f.result, f.err }

func buildRouter(t *testing.T, invoker ProviderInvoker) *Router {
	t.Helper()
	reg := registry.New(
		[]registry.AliasEntry{{Alias: "gpt-4-fast", Provider: "openai", ModelID: "gpt-4", Pricing: pricing.PriceTable{InputMicroPerMillion: 2_500_000, OutputMicroPerMillion: 10_000_000}}},
		nil,
	)

	l, err := ledgerpkg.New(ledgerpkg.Options{BaseDir: t.TempDir(), MaxSizeMB: 10, MaxAgeDays: 30}, zerolog.Nop())
	require.NoError(t, err)
	be, err := budgetpkg.New(budgetpkg.Options{CheckpointPath: filepath.Join(t.TempDir(), "cp.json")}, l, zerolog.Nop())
	require.NoError(t, err)

	rl := ratelimit.New()
	require.NoError(t, rl.Configure("openai", ratelimit.Limits{RPMCapacity: 60, TPMCapacity: 1_000_000, QueueTimeout: 100 * time.Millisecond}))

	hp := health.New(health.Params{}, nil)

	return New(Options{
		Registry: reg, Budget: be, RateLimit: rl, Health: hp, Ledger: l,
		Invoker: invoker, HMACSecret: []byte("test-secret"),
	})
}

func TestExecute_SuccessRecordsCostAndHealth(t *testing.T) {
	invoker := &fakeInvoker{result: InvokeResult{Usage: pricing.Usage{PromptTokens: 500, CompletionTokens: 200}, LatencyMs: 120}}
	r := buildRouter(t, invoker)

	result, err := r.Execute(Invocation{Alias: "gpt-4-fast", Agent: "researcher", TenantID: "tenant-a", Scope: ScopeMeta{TenantID: "tenant-a", ProjectID: "P"}})
	require.NoError(t, err)
	assert.Equal(t, int64(500), result.Usage.PromptTokens)
	assert.Equal(t, health.StateClosed, r.health.StateOf("openai", "gpt-4"))
}

func TestExecute_UnknownAliasFails(t *testing.T) {
	r := buildRouter(t, &fakeInvoker{})
	_, err := r.Execute(Invocation{Alias: "does-not-exist", TenantID: "tenant-a"})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeModelUnavailable, gatewayerr.CodeOf(err))
}

func TestExecute_BudgetExceededBlocksInvocation(t *testing.T) {
	invoker := &fakeInvoker{result: InvokeResult{Usage: pricing.Usage{PromptTokens: 500, CompletionTokens: 200}}}
	r := buildRouter(t, invoker)
	r.budget.SetBudget("project:P", 1)

	require.NoError(t, r.budget.RecordCost("tenant-a", "project:P", ledgerpkg.Entry{TenantID: "tenant-a"}, 5))

	_, err := r.Execute(Invocation{Alias: "gpt-4-fast", TenantID: "tenant-a", Scope: ScopeMeta{TenantID: "tenant-a", ProjectID: "P"}})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeBudgetExceeded, gatewayerr.CodeOf(err))
}

func TestExecute_FailureRecordsHealthFailure(t *testing.T) {
	invoker := &fakeInvoker{err: gatewayerr.New(gatewayerr.CodeProviderUnavailable, "boom")}
	r := buildRouter(t, invoker)

	_, err := r.Execute(Invocation{Alias: "gpt-4-fast", TenantID: "tenant-a", Scope: ScopeMeta{TenantID: "tenant-a", ProjectID: "P"}})
	require.Error(t, err)
	assert.Equal(t, health.StateClosed, r.health.StateOf("openai", "gpt-4")) // single failure below default threshold
}

func TestScopeMeta_MostSpecificScope(t *testing.T) {
	assert.Equal(t, "sprint:S", ScopeMeta{TenantID: "t", ProjectID: "P", SprintID: "S"}.MostSpecificScope())
	assert.Equal(t, "project:P", ScopeMeta{TenantID: "t", ProjectID: "P"}.MostSpecificScope())
	assert.Equal(t, "tenant:t", ScopeMeta{TenantID: "t"}.MostSpecificScope())
}
