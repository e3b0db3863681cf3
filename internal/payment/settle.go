package payment

import (
	"sync"
	"time"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// Facilitator submits a verified proof for on-chain settlement.
type Facilitator interface {
	Submit(proof Proof) (txHash string, err error)
}

// DirectSubmitter is the fallback settlement path used when the
// facilitator circuit is open or the facilitator call errors.
type DirectSubmitter interface {
	Submit(proof Proof) (txHash string, err error)
}

const facilitatorFailureThreshold = 3
const facilitatorRecoveryTimeout = 30 * time.Second

// facilitatorBreaker is the same closed/open/half-open shape as
// internal/health.Prober, reimplemented here at a smaller scope (one
// facilitator, not per-(provider,model)) — grounded on the identical
// other_examples' aidenlippert-zerostate CircuitBreaker source as
// internal/health.
type facilitatorBreaker struct {
	mu           sync.Mutex
	state        string
	failureCount int
	openedAt     time.Time
}

func (b *facilitatorBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case "open":
		if time.Since(b.openedAt) > facilitatorRecoveryTimeout {
			b.state = "half-open"
			return true
		}
		return false
	default:
		return true
	}
}

func (b *facilitatorBreaker) recordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failureCount = 0
		b.state = "closed"
		return
	}
	b.failureCount++
	if b.failureCount >= facilitatorFailureThreshold {
		b.state = "open"
		b.openedAt = time.Now()
	}
}

// Settler runs stage 3 of the pipeline.
type Settler struct {
	facilitator Facilitator
	direct      DirectSubmitter
	breaker     *facilitatorBreaker
}

// NewSettler constructs a Settler.
func NewSettler(facilitator Facilitator, direct DirectSubmitter) *Settler {
	return &Settler{facilitator: facilitator, direct: direct, breaker: &facilitatorBreaker{state: "closed"}}
}

// Settle submits proof via the facilitator unless its circuit is open,
// in which case (or on facilitator error) it falls back to direct
// submission. Both unavailable fails with SETTLEMENT_FAILED.
func (s *Settler) Settle(proof Proof) (string, error) {
	if s.breaker.allow() {
		txHash, err := s.facilitator.Submit(proof)
		if err == nil {
			s.breaker.recordResult(true)
			return txHash, nil
		}
		s.breaker.recordResult(false)
	}

	txHash, err := s.direct.Submit(proof)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.CodeSettlementFailed, "payment: both facilitator and direct submission failed", err)
	}
	return txHash, nil
}
