// Package ensemble implements atomic N-branch budget reservation and
// per-branch commit against a shared Redis store, via server-side Lua
// scripts.
//
// Grounded directly on the internal/ledger/ledger.go Lua
// scripts (checkAndReserveScript's read-balance/check/INCRBY/HSET/EXPIRE
// shape, finalizeRequestScript's refund-vs-additional-charge branch) —
// the same atomicity technique, repointed from a single request's grain
// balance to an ensemble's N parallel branch reservations.
package ensemble

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// reservationTTLSeconds is the TTL on an ensemble's reservation hash;
// crash recovery relies on this to reclaim abandoned reservations within
// 5 minutes.
const reservationTTLSeconds = 300

var reserveScript = redis.NewScript(`
local spent_key = KEYS[1]
local limit_key = KEYS[2]
local reserved_key = KEYS[3]
local idempotent_key = KEYS[4]

if redis.call('EXISTS', idempotent_key) == 1 then
    local spent = tonumber(redis.call('GET', spent_key) or '0')
    return {1, 1, spent}
end

local spent = tonumber(redis.call('GET', spent_key) or '0')
local limit = tonumber(redis.call('GET', limit_key) or '0')
local total_reservation = tonumber(ARGV[1])

if limit > 0 and (spent + total_reservation) > limit then
    return {0, 0, spent}
end

redis.call('INCRBY', spent_key, total_reservation)

local i = 2
while ARGV[i] ~= nil do
    local branch_index = ARGV[i]
    local amount = ARGV[i+1]
    redis.call('HSET', reserved_key, branch_index, amount)
    i = i + 2
end
redis.call('EXPIRE', reserved_key, ` + strconv.Itoa(reservationTTLSeconds) + `)
redis.call('SET', idempotent_key, '1', 'EX', ` + strconv.Itoa(reservationTTLSeconds) + `)

local new_spent = spent + total_reservation
return {1, 0, new_spent}
`)

var commitBranchScript = redis.NewScript(`
local spent_key = KEYS[1]
local reserved_key = KEYS[2]
local branch_index = ARGV[1]
local actual_cost = tonumber(ARGV[2])

local reserved = redis.call('HGET', reserved_key, branch_index)
if not reserved then
    return {0, 'BRANCH_NOT_RESERVED'}
end
reserved = tonumber(reserved)

local refund = reserved - actual_cost
if refund > 0 then
    redis.call('DECRBY', spent_key, refund)
end

redis.call('HDEL', reserved_key, branch_index)
local remaining = redis.call('HLEN', reserved_key)
if remaining == 0 then
    redis.call('DEL', reserved_key)
end

return {1, ''}
`)

var releaseAllScript = redis.NewScript(`
local spent_key = KEYS[1]
local reserved_key = KEYS[2]

local fields = redis.call('HGETALL', reserved_key)
local total = 0
for i = 1, #fields, 2 do
    total = total + tonumber(fields[i+1])
end
if total > 0 then
    redis.call('DECRBY', spent_key, total)
end
redis.call('DEL', reserved_key)
return total
`)

// Reserver performs ensemble budget reservation/commit/release against
// Redis.
type Reserver struct {
	rdb *redis.Client
}

// New constructs a Reserver bound to rdb.
func New(rdb *redis.Client) *Reserver {
	return &Reserver{rdb: rdb}
}

func spentKey(tenantID, ensembleID string) string    { return fmt.Sprintf("ensemble:%s:%s:spent", tenantID, ensembleID) }
func limitKey(tenantID, ensembleID string) string    { return fmt.Sprintf("ensemble:%s:%s:limit", tenantID, ensembleID) }
func reservedKey(ensembleID string) string           { return fmt.Sprintf("ensemble:%s:reserved", ensembleID) }
func idempotentKey(ensembleID string) string         { return fmt.Sprintf("ensemble:%s:reserve_lock", ensembleID) }

// ReserveResult is Reserve's outcome.
type ReserveResult struct {
	OK          bool
	Idempotent  bool
	BudgetAfter int64
	Reason      string
}

// Reserve atomically reserves branchReservations (micro-USD) against
// ensembleID's budget. Idempotent: a repeated call for the same
// ensembleID returns the prior outcome.
func (r *Reserver) Reserve(ctx context.Context, tenantID, ensembleID string, budgetLimitMicro int64, branchReservations []int64) (ReserveResult, error) {
	var total int64
	for _, v := range branchReservations {
		total += v
	}

	keys := []string{spentKey(tenantID, ensembleID), limitKey(tenantID, ensembleID), reservedKey(ensembleID), idempotentKey(ensembleID)}

	args := make([]any, 0, 2+2*len(branchReservations))
	args = append(args, total)
	for i, v := range branchReservations {
		args = append(args, i, v)
	}

	if budgetLimitMicro > 0 {
		if err := r.rdb.Set(ctx, limitKey(tenantID, ensembleID), budgetLimitMicro, 0).Err(); err != nil {
			return ReserveResult{}, gatewayerr.Wrap(gatewayerr.CodeMeteringUnavailable, "ensemble: failed to set budget limit", err)
		}
	}

	raw, err := reserveScript.Run(ctx, r.rdb, keys, args...).Result()
	if err != nil {
		return ReserveResult{}, gatewayerr.Wrap(gatewayerr.CodeMeteringUnavailable, "ensemble: reserve script failed", err)
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) != 3 {
		return ReserveResult{}, gatewayerr.New(gatewayerr.CodeInternal, "ensemble: unexpected reserve script result shape")
	}

	ok1, _ := vals[0].(int64)
	idempotent, _ := vals[1].(int64)
	budgetAfter, _ := vals[2].(int64)

	if ok1 == 0 {
		return ReserveResult{OK: false, BudgetAfter: budgetAfter, Reason: "BUDGET_EXCEEDED"}, nil
	}
	return ReserveResult{OK: true, Idempotent: idempotent == 1, BudgetAfter: budgetAfter}, nil
}

// CommitBranch finalizes branchIndex's reservation at actualCost,
// refunding the overage (if positive) back to spent_micro.
func (r *Reserver) CommitBranch(ctx context.Context, tenantID, ensembleID string, branchIndex int, actualCostMicro int64) error {
	keys := []string{spentKey(tenantID, ensembleID), reservedKey(ensembleID)}
	raw, err := commitBranchScript.Run(ctx, r.rdb, keys, branchIndex, actualCostMicro).Result()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeMeteringUnavailable, "ensemble: commit branch script failed", err)
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) != 2 {
		return gatewayerr.New(gatewayerr.CodeInternal, "ensemble: unexpected commit script result shape")
	}
	if ok1, _ := vals[0].(int64); ok1 == 0 {
		reason, _ := vals[1].(string)
		return gatewayerr.New(gatewayerr.CodeInternal, "ensemble: "+reason).WithContext("branch_index", branchIndex)
	}
	return nil
}

// ReleaseAll releases every remaining reservation for ensembleID on
// failure, refunding spent_micro by the total outstanding amount.
func (r *Reserver) ReleaseAll(ctx context.Context, tenantID, ensembleID string) error {
	keys := []string{spentKey(tenantID, ensembleID), reservedKey(ensembleID)}
	if err := releaseAllScript.Run(ctx, r.rdb, keys).Err(); err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeMeteringUnavailable, "ensemble: release-all script failed", err)
	}
	return nil
}

// HasReservation returns the number of branches still reserved for
// ensembleID.
func (r *Reserver) HasReservation(ctx context.Context, ensembleID string) (int64, error) {
	n, err := r.rdb.HLen(ctx, reservedKey(ensembleID)).Result()
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.CodeMeteringUnavailable, "ensemble: hlen failed", err)
	}
	return n, nil
}
