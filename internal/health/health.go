// Package health implements a per-(provider, modelId) circuit breaker
// with failure classification, jittered recovery, and audit emission to
// a WAL port.
//
// Grounded on other_examples' aidenlippert-zerostate CircuitBreaker
// (state string closed/open/half-open, failureCount, lastFailureTime,
// threshold, timeout, AllowRequest/RecordResult shape), generalized to a
// map keyed by (provider, modelId) so one model's OPEN state never
// affects another's, and extended with a recovery_threshold and jittered
// recovery_interval.
package health

import (
	"math/rand"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Defaults for Params fields left unset.
const (
	DefaultFailureThreshold   = 3
	DefaultRecoveryThreshold  = 1
	DefaultRecoveryIntervalMs = 30_000
	DefaultRecoveryJitterPct  = 20
)

// WALAuditor receives circuit-breaker transitions for audit: transitions
// are WAL'd (the Prober does no logging) and append errors are never
// returned.
type WALAuditor interface {
	Append(namespace, operation, key string, payload any) (int64, error)
}

// Key identifies a (provider, modelId) pair.
type Key struct {
	Provider string
	ModelID  string
}

type circuitState struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	recoverySuccess int
	openedAt        time.Time
	nextProbeAt     time.Time
}

// Params configures a Prober's circuit-breaker thresholds.
type Params struct {
	FailureThreshold   int
	RecoveryThreshold  int
	RecoveryIntervalMs int64
	RecoveryJitterPct  int
}

func (p Params) withDefaults() Params {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = DefaultFailureThreshold
	}
	if p.RecoveryThreshold <= 0 {
		p.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if p.RecoveryIntervalMs <= 0 {
		p.RecoveryIntervalMs = DefaultRecoveryIntervalMs
	}
	if p.RecoveryJitterPct <= 0 {
		p.RecoveryJitterPct = DefaultRecoveryJitterPct
	}
	return p
}

// Prober tracks per-(provider, modelId) circuit state. An unseen pair is
// optimistic: it starts CLOSED.
type Prober struct {
	params Params
	wal    WALAuditor

	mu     sync.Mutex
	states map[Key]*circuitState

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs a Prober. wal may be nil, in which case transitions are
// not audited (best-effort).
func New(params Params, wal WALAuditor) *Prober {
	return &Prober{
		params: params.withDefaults(),
		wal:    wal,
		states: make(map[Key]*circuitState),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Prober) stateFor(key Key) *circuitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs, ok := p.states[key]
	if !ok {
		cs = &circuitState{state: StateClosed}
		p.states[key] = cs
	}
	return cs
}

func (p *Prober) jitteredInterval() time.Duration {
	base := p.params.RecoveryIntervalMs
	jitterRange := base * int64(p.params.RecoveryJitterPct) / 100

	p.rngMu.Lock()
	offset := int64(0)
	if jitterRange > 0 {
		offset = p.rng.Int63n(2*jitterRange+1) - jitterRange
	}
	p.rngMu.Unlock()

	return time.Duration(base+offset) * time.Millisecond
}

// IsHealthy reads state for (provider, modelId); if OPEN and the
// recovery interval has elapsed, atomically transitions to HALF_OPEN and
// returns healthy, otherwise reports whether the circuit is currently
// closed enough to allow a request.
func (p *Prober) IsHealthy(provider, modelID string) bool {
	key := Key{Provider: provider, ModelID: modelID}
	cs := p.stateFor(key)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch cs.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !cs.nextProbeAt.IsZero() && time.Now().After(cs.nextProbeAt) {
			cs.state = StateHalfOpen
			cs.recoverySuccess = 0
			p.audit(key, "transition_half_open", nil)
			return true
		}
		return false
	default:
		return true
	}
}

// FailureKind classifies an outcome taxonomy.
type FailureKind int

const (
	// NotHealthFailure covers 4xx (incl. 401/400/429) and schema errors —
	// these never move the circuit.
	NotHealthFailure FailureKind = iota
	// HealthFailure covers HTTP 5xx and timeouts.
	HealthFailure
)

// RecordFailure registers a health-affecting failure for (provider,
// modelId). Non-health failures (classified by the caller as
// NotHealthFailure) are ignored entirely.
func (p *Prober) RecordFailure(provider, modelID string, kind FailureKind) {
	if kind != HealthFailure {
		return
	}
	key := Key{Provider: provider, ModelID: modelID}
	cs := p.stateFor(key)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	cs.recoverySuccess = 0

	if cs.state == StateHalfOpen || cs.failureCount >= p.params.FailureThreshold {
		if cs.state != StateOpen {
			cs.state = StateOpen
			cs.openedAt = time.Now()
			cs.nextProbeAt = cs.openedAt.Add(p.jitteredInterval())
			p.audit(key, "transition_open", map[string]any{"failure_count": cs.failureCount})
		}
	}
}

// RecordSuccess registers a healthy outcome for (provider, modelId). In
// HALF_OPEN, recovery_threshold consecutive successes close the circuit.
func (p *Prober) RecordSuccess(provider, modelID string) {
	key := Key{Provider: provider, ModelID: modelID}
	cs := p.stateFor(key)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch cs.state {
	case StateClosed:
		cs.failureCount = 0
	case StateHalfOpen:
		cs.recoverySuccess++
		if cs.recoverySuccess >= p.params.RecoveryThreshold {
			cs.state = StateClosed
			cs.failureCount = 0
			cs.recoverySuccess = 0
			p.audit(key, "transition_closed", nil)
		}
	}
}

// StateOf returns the current state for (provider, modelId), for
// observability (e.g. gatewayctl circuit status).
func (p *Prober) StateOf(provider, modelID string) State {
	cs := p.stateFor(Key{Provider: provider, ModelID: modelID})
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// Reset forces (provider, modelId) back to CLOSED, for admin override.
func (p *Prober) Reset(provider, modelID string) {
	key := Key{Provider: provider, ModelID: modelID}
	cs := p.stateFor(key)
	cs.mu.Lock()
	cs.state = StateClosed
	cs.failureCount = 0
	cs.recoverySuccess = 0
	cs.mu.Unlock()
	p.audit(key, "transition_closed_manual", nil)
}

func (p *Prober) audit(key Key, operation string, payload any) {
	if p.wal == nil {
		return
	}
	// Best-effort: WAL append failures for circuit transitions are never
	// propagated to the caller.
	_, _ = p.wal.Append("health", operation, key.Provider+"/"+key.ModelID, payload)
}
