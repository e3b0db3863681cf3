// Package budget implements an in-memory scope-counter map restored from
// a JSON checkpoint at startup, mutated only through a write-ahead
// commit (ledger append, then checkpoint, then counters) serialized by a
// single mutex.
//
// Grounded on other_examples' ncecere-open_model_gateway Logger/
// BudgetEvaluator shape (scope-scoped spend tracking, warn/exceeded
// threshold comparison) and on the single-writer ordering
// discipline, where every balance mutation goes through one Redis Lua
// script to guarantee check-then-mutate atomicity; here a commit mutex
// plays that role for the ledger→checkpoint→counters sequence.
package budget

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hounfour/gateway/internal/gatewayerr"
	"github.com/hounfour/gateway/internal/ledger"
)

// FailPolicy selects behavior when the write-ahead commit fails.
type FailPolicy string

const (
	FailOpen   FailPolicy = "open"
	FailClosed FailPolicy = "closed"
)

const checkpointSchemaVersion = 1

// Checkpoint is the on-disk snapshot restored at startup.
type Checkpoint struct {
	SchemaVersion  int              `json:"schema_version"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Counters       map[string]int64 `json:"counters"`
	LedgerHeadLine int64            `json:"ledger_head_line"`
}

// DefaultWarnPercent is the default warning threshold.
const DefaultWarnPercent = 0.8

// Enforcer tracks scope → spent_micro and enforces configured budgets.
type Enforcer struct {
	log    zerolog.Logger
	ledger *ledger.Ledger

	checkpointPath string
	policy         FailPolicy
	warnPercent    float64

	commitMu sync.Mutex

	countersMu sync.RWMutex
	counters   map[string]int64
	ledgerHead int64

	budgetsMu sync.RWMutex
	budgets   map[string]int64

	firstFailureAt time.Time
}

// Options configures an Enforcer.
type Options struct {
	CheckpointPath string
	Policy         FailPolicy
	WarnPercent    float64
}

// New restores counters from CheckpointPath if present, else starts empty.
func New(opts Options, l *ledger.Ledger, logger zerolog.Logger) (*Enforcer, error) {
	if opts.Policy == "" {
		opts.Policy = FailOpen
	}
	if opts.WarnPercent <= 0 {
		opts.WarnPercent = DefaultWarnPercent
	}
	e := &Enforcer{
		log:            logger.With().Str("component", "budget").Logger(),
		ledger:         l,
		checkpointPath: opts.CheckpointPath,
		policy:         opts.Policy,
		warnPercent:    opts.WarnPercent,
		counters:       make(map[string]int64),
		budgets:        make(map[string]int64),
	}

	if opts.CheckpointPath == "" {
		return e, nil
	}

	data, err := os.ReadFile(opts.CheckpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "budget: failed to read checkpoint", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "budget: checkpoint is corrupt", err)
	}
	if cp.Counters != nil {
		e.counters = cp.Counters
	}
	e.ledgerHead = cp.LedgerHeadLine
	return e, nil
}

// SetBudget sets the configured spend ceiling for scope, in micro-USD.
func (e *Enforcer) SetBudget(scope string, limitMicro int64) {
	e.budgetsMu.Lock()
	defer e.budgetsMu.Unlock()
	e.budgets[scope] = limitMicro
}

func (e *Enforcer) budgetFor(scope string) (int64, bool) {
	e.budgetsMu.RLock()
	defer e.budgetsMu.RUnlock()
	limit, ok := e.budgets[scope]
	return limit, ok
}

// Spent returns scope's currently tracked spend in micro-USD.
func (e *Enforcer) Spent(scope string) int64 {
	e.countersMu.RLock()
	defer e.countersMu.RUnlock()
	return e.counters[scope]
}

// IsExceeded reports whether scope's spend has reached its configured
// budget — compared against the configured budgets map at 100%. A scope
// with no configured budget is never exceeded.
func (e *Enforcer) IsExceeded(scope string) bool {
	limit, ok := e.budgetFor(scope)
	if !ok || limit <= 0 {
		return false
	}
	return e.Spent(scope) >= limit
}

// IsWarning reports whether scope's spend has crossed warnPercent of its
// configured budget without yet exceeding it.
func (e *Enforcer) IsWarning(scope string) bool {
	limit, ok := e.budgetFor(scope)
	if !ok || limit <= 0 {
		return false
	}
	spent := e.Spent(scope)
	if spent >= limit {
		return false
	}
	return float64(spent) >= e.warnPercent*float64(limit)
}

// RecordCost performs the write-ahead commit: append the ledger entry,
// write the checkpoint atomically via temp+rename, then update in-memory
// counters — all serialized through commitMu. On failure the configured
// FailPolicy decides whether the request still proceeds.
func (e *Enforcer) RecordCost(tenantID, scope string, entry ledger.Entry, costMicro int64) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.ledger.Append(tenantID, entry); err != nil {
		return e.handleCommitFailure(scope, costMicro, gatewayerr.Wrap(gatewayerr.CodeMeteringUnavailable, "budget: ledger append failed", err))
	}

	newHead := e.ledgerHead + 1
	newCounters := e.snapshotCounters()
	newCounters[scope] += costMicro

	if e.checkpointPath != "" {
		if err := e.writeCheckpoint(newCounters, newHead); err != nil {
			return e.handleCommitFailure(scope, costMicro, gatewayerr.Wrap(gatewayerr.CodeMeteringUnavailable, "budget: checkpoint write failed", err))
		}
	}

	e.countersMu.Lock()
	e.counters = newCounters
	e.ledgerHead = newHead
	e.countersMu.Unlock()

	e.firstFailureAt = time.Time{}
	return nil
}

// handleCommitFailure applies the configured FailPolicy. fail-open logs
// and lets the request proceed without a counter update; fail-closed
// rejects with METERING_UNAVAILABLE. The start of a run of failures is
// recorded and exposed through DegradedDuration.
func (e *Enforcer) handleCommitFailure(scope string, costMicro int64, cause error) error {
	if e.firstFailureAt.IsZero() {
		e.firstFailureAt = time.Now()
	}

	e.log.Error().Str("scope", scope).Int64("cost_micro", costMicro).Err(cause).Msg("budget: write-ahead commit failed")

	if e.policy == FailClosed {
		return gatewayerr.New(gatewayerr.CodeMeteringUnavailable, "budget commit failed under fail-closed policy").WithContext("scope", scope)
	}
	return nil
}

// DegradedDuration returns how long the enforcer has been continuously
// failing write-ahead commits, or zero if currently healthy. No other
// component reads it: the gateway's health and readiness checks do not
// degrade however long a failure run lasts.
func (e *Enforcer) DegradedDuration() time.Duration {
	if e.firstFailureAt.IsZero() {
		return 0
	}
	return time.Since(e.firstFailureAt)
}

// Counters returns a snapshot of every scope's spent_micro counter, for
// introspection (e.g. gatewayctl budget show).
func (e *Enforcer) Counters() map[string]int64 {
	return e.snapshotCounters()
}

// Checkpoint forces an out-of-band checkpoint write of the current
// counters, for admin tooling (gatewayctl budget checkpoint) — the normal
// path writes one automatically on every RecordCost.
func (e *Enforcer) Checkpoint() error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.checkpointPath == "" {
		return gatewayerr.New(gatewayerr.CodeInternal, "budget: no checkpoint path configured")
	}
	return e.writeCheckpoint(e.snapshotCounters(), e.ledgerHead)
}

func (e *Enforcer) snapshotCounters() map[string]int64 {
	e.countersMu.RLock()
	defer e.countersMu.RUnlock()
	out := make(map[string]int64, len(e.counters))
	for k, v := range e.counters {
		out[k] = v
	}
	return out
}

func (e *Enforcer) writeCheckpoint(counters map[string]int64, ledgerHead int64) error {
	cp := Checkpoint{
		SchemaVersion:  checkpointSchemaVersion,
		UpdatedAt:      time.Now().UTC(),
		Counters:       counters,
		LedgerHeadLine: ledgerHead,
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	dir := filepath.Dir(e.checkpointPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "budget-checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, e.checkpointPath)
}
