// Package pricing implements the gateway's integer micro-USD cost
// arithmetic. All cost math here operates on integers only; the
// float64 per-token multiplication in balance_service.go:DeductTokens
// is deliberately not repeated in favor of string-keyed coercion to
// integer micro-units throughout.
package pricing

import (
	"sync"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// MaxSafeInteger bounds the integer domain the same way a float64-backed
// source language would (2^53 - 1).
const MaxSafeInteger = (int64(1) << 53) - 1

// MaxRequestCostMicro is the per-request cost ceiling: $1000 in micro-USD.
const MaxRequestCostMicro = int64(1_000_000_000)

const microDivisor = 1_000_000

// Cost is the result of a single cost_micro computation: the floor
// division result plus the remainder that RemainderAccumulator tracks.
type Cost struct {
	Micro     int64
	Remainder int64
}

// CostMicro computes floor(tokens * pricePerMillion / 1e6) and the
// remainder, Returns BUDGET_OVERFLOW if the product would
// exceed MaxSafeInteger.
func CostMicro(tokens int64, pricePerMillion int64) (Cost, error) {
	if tokens < 0 || pricePerMillion < 0 {
		return Cost{}, gatewayerr.New(gatewayerr.CodeBudgetOverflow, "negative operand in cost arithmetic")
	}
	if tokens == 0 || pricePerMillion == 0 {
		return Cost{}, nil
	}
	if tokens > MaxSafeInteger/pricePerMillion {
		return Cost{}, gatewayerr.New(gatewayerr.CodeBudgetOverflow, "tokens * price exceeds safe integer bound").
			WithContext("tokens", tokens, "price_per_million", pricePerMillion)
	}
	product := tokens * pricePerMillion
	return Cost{
		Micro:     product / microDivisor,
		Remainder: product % microDivisor,
	}, nil
}

// UsageCost is the breakdown LedgerEntryV2 carries.
type UsageCost struct {
	InputMicro     int64
	OutputMicro    int64
	ReasoningMicro int64
	TotalMicro     int64
}

// Usage is the token breakdown for a single invocation.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

// PriceTable is the per-model pricing row used for a single cost
// computation, matching PricingEntry (sans version metadata,
// which the registry stamps separately).
type PriceTable struct {
	InputMicroPerMillion     int64
	OutputMicroPerMillion    int64
	ReasoningMicroPerMillion int64
}

// ComputeUsageCost computes the full {input, output, reasoning, total}
// breakdown and enforces MaxRequestCostMicro. Remainders are returned
// separately so the caller can feed them into a RemainderAccumulator.
func ComputeUsageCost(u Usage, p PriceTable) (UsageCost, [3]int64, error) {
	input, err := CostMicro(u.PromptTokens, p.InputMicroPerMillion)
	if err != nil {
		return UsageCost{}, [3]int64{}, err
	}
	output, err := CostMicro(u.CompletionTokens, p.OutputMicroPerMillion)
	if err != nil {
		return UsageCost{}, [3]int64{}, err
	}
	reasoning, err := CostMicro(u.ReasoningTokens, p.ReasoningMicroPerMillion)
	if err != nil {
		return UsageCost{}, [3]int64{}, err
	}

	total := input.Micro + output.Micro + reasoning.Micro
	if total < 0 || total > MaxSafeInteger {
		return UsageCost{}, [3]int64{}, gatewayerr.New(gatewayerr.CodeBudgetOverflow, "total cost exceeds safe integer bound")
	}
	if total > MaxRequestCostMicro {
		return UsageCost{}, [3]int64{}, gatewayerr.New(gatewayerr.CodeBudgetOverflow, "total cost exceeds per-request ceiling").
			WithContext("total_micro", total, "ceiling_micro", MaxRequestCostMicro)
	}

	return UsageCost{
			InputMicro:     input.Micro,
			OutputMicro:    output.Micro,
			ReasoningMicro: reasoning.Micro,
			TotalMicro:     total,
		}, [3]int64{input.Remainder, output.Remainder, reasoning.Remainder},
		nil
}

// RemainderAccumulator aggregates sub-micro remainders per scope key and
// emits an extra micro-unit whenever the accumulated sum crosses 1e6, per
// Safe for concurrent use.
type RemainderAccumulator struct {
	mu    sync.Mutex
	sums  map[string]int64
}

// NewRemainderAccumulator constructs an empty accumulator.
func NewRemainderAccumulator() *RemainderAccumulator {
	return &RemainderAccumulator{sums: make(map[string]int64)}
}

// Add folds remainders into scope's running sum and returns any whole
// extra micro-units to charge now, leaving the modulus stored for next
// time.
func (r *RemainderAccumulator) Add(scope string, remainders ...int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := r.sums[scope]
	for _, rem := range remainders {
		sum += rem
	}

	extra := sum / microDivisor
	r.sums[scope] = sum % microDivisor
	return extra
}

// Peek returns the currently stored modulus for scope without mutating it.
func (r *RemainderAccumulator) Peek(scope string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sums[scope]
}
