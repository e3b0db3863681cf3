package pricing

import (
	"testing"

	"github.com/hounfour/gateway/internal/gatewayerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostMicro_Basic(t *testing.T) {
	c, err := CostMicro(500, 2_500_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), c.Micro)
	assert.Equal(t, int64(0), c.Remainder)
}

func TestCostMicro_Overflow(t *testing.T) {
	_, err := CostMicro(MaxSafeInteger, MaxSafeInteger)
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeBudgetOverflow, gatewayerr.CodeOf(err))
}

func TestComputeUsageCost_ScenarioOne(t *testing.T) {
	usage := Usage{PromptTokens: 500, CompletionTokens: 200, ReasoningTokens: 0}
	table := PriceTable{InputMicroPerMillion: 2_500_000, OutputMicroPerMillion: 10_000_000}

	cost, _, err := ComputeUsageCost(usage, table)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), cost.InputMicro)
	assert.Equal(t, int64(2000), cost.OutputMicro)
	assert.Equal(t, int64(3250), cost.TotalMicro)
}

func TestComputeUsageCost_ExceedsRequestCeiling(t *testing.T) {
	usage := Usage{PromptTokens: 1_000_000}
	table := PriceTable{InputMicroPerMillion: 2_000_000_000} // 2e9 micro, over the 1e9 ceiling
	_, _, err := ComputeUsageCost(usage, table)
	require.Error(t, err)
}

func TestRemainderAccumulator_EmitsWholeUnitWhenCrossingThreshold(t *testing.T) {
	acc := NewRemainderAccumulator()

	var extra int64
	for i := 0; i < 10; i++ {
		extra += acc.Add("project:P", 150_000) // 10 * 150_000 = 1_500_000
	}
	assert.Equal(t, int64(1), extra)
	assert.Equal(t, int64(500_000), acc.Peek("project:P"))
}
