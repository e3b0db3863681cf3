package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	budgetpkg "github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/health"
	ledgerpkg "github.com/hounfour/gateway/internal/ledger"
	"github.com/hounfour/gateway/internal/pricing"
	"github.com/hounfour/gateway/internal/ratelimit"
	"github.com/hounfour/gateway/internal/registry"
	"github.com/hounfour/gateway/internal/router"
)

type fakeInvoker struct {
	result router.InvokeResult
	err    error
}

func (f *fakeInvoker) Invoke(req router.InvokeRequest) (router.InvokeResult, error) {
	return f.result, f.err
}

func buildTestRouter(t *testing.T, invoker router.ProviderInvoker) *router.Router {
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

	return router.New(router.Options{
		Registry: reg, Budget: be, RateLimit: rl, Health: hp, Ledger: l,
		Invoker: invoker, HMACSecret: []byte("test-secret"),
	})
}

func TestHandleInvoke_SuccessReturnsUsage(t *testing.T) {
	r := buildTestRouter(t, &fakeInvoker{result: router.InvokeResult{Usage: pricing.Usage{PromptTokens: 500, CompletionTokens: 200}, LatencyMs: 80}})
	h := NewHandler(r, nil, zerolog.Nop())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(InvokeRequestBody{Alias: "gpt-4-fast", Agent: "researcher", TenantID: "tenant-a", ProjectID: "P"})
	req := httptest.NewRequest(http.MethodPost, "/v1/invoke", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp InvokeResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(500), resp.PromptTokens)
}

func TestHandleInvoke_UnknownAliasReturnsMappedStatus(t *testing.T) {
	r := buildTestRouter(t, &fakeInvoker{})
	h := NewHandler(r, nil, zerolog.Nop())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(InvokeRequestBody{Alias: "does-not-exist", TenantID: "tenant-a"})
	req := httptest.NewRequest(http.MethodPost, "/v1/invoke", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleInvoke_RejectsNonPostMethod(t *testing.T) {
	r := buildTestRouter(t, &fakeInvoker{})
	h := NewHandler(r, nil, zerolog.Nop())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoke", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleHealth_AlwaysOK(t *testing.T) {
	h := NewHandler(nil, nil, zerolog.Nop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReady_NilCheckerReportsReady(t *testing.T) {
	h := NewHandler(nil, nil, zerolog.Nop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
