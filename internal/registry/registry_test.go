package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/gateway/internal/gatewayerr"
	"github.com/hounfour/gateway/internal/pricing"
)

func sampleRegistry() *Registry {
	return New(
		[]AliasEntry{
			{Alias: "gpt-4-fast", Provider: "openai", ModelID: "gpt-4-turbo", Pricing: pricing.PriceTable{InputMicroPerMillion: 2_500_000}},
		},
		[]Binding{
			{Agent: "researcher", Alias: "gpt-4-fast"},
			{Agent: "ghost", Alias: "nonexistent-alias"},
		},
	)
}

func TestResolveAlias_KnownAndUnknown(t *testing.T) {
	r := sampleRegistry()
	resolved, err := r.ResolveAlias("gpt-4-fast")
	require.NoError(t, err)
	assert.Equal(t, "openai", resolved.Provider)
	assert.Equal(t, "gpt-4-turbo", resolved.ModelID)

	_, err = r.ResolveAlias("missing")
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeModelUnavailable, gatewayerr.CodeOf(err))
}

func TestGetPricing_FoundByProviderAndModel(t *testing.T) {
	r := sampleRegistry()
	table, err := r.GetPricing("openai", "gpt-4-turbo")
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), table.InputMicroPerMillion)
}

func TestValidateBindings_FlagsDanglingReference(t *testing.T) {
	r := sampleRegistry()
	checks := r.ValidateBindings()
	require.Len(t, checks, 2)

	byAgent := map[string]BindingCheck{}
	for _, c := range checks {
		byAgent[c.Agent] = c
	}
	assert.True(t, byAgent["researcher"].Valid)
	assert.False(t, byAgent["ghost"].Valid)
	assert.NotEmpty(t, byAgent["ghost"].Reason)
}

func TestMustValidate_FailsOnDanglingReference(t *testing.T) {
	r := sampleRegistry()
	err := r.MustValidate()
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeBindingInvalid, gatewayerr.CodeOf(err))
}
