// Package pool implements tier-derived pool authorization and final
// routing selection as pure functions. No I/O, no state — every
// function is a deterministic transform over its arguments, which is
// why the package carries no struct, just functions and a logger-free
// event list the caller can route to zerolog.
package pool

import (
	"fmt"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// Tier is the claim's subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// tierPools is the exclusive source of pool authorization: tier → set of
// PoolId. Never derived from a token's allowed_pools claim.
var tierPools = map[Tier][]string{
	TierFree:       {"cheap"},
	TierPro:        {"cheap", "fast-code", "reviewer"},
	TierEnterprise: {"cheap", "fast-code", "reviewer", "reasoning"},
}

// knownPools is the universe of valid PoolId values.
var knownPools = map[string]bool{
	"cheap": true, "fast-code": true, "reviewer": true, "reasoning": true,
}

// Claims is the subset of the identity claim relevant to pool
// enforcement.
type Claims struct {
	Tier         Tier
	PoolID       string   // optional, empty if absent
	AllowedPools []string // advisory only
}

// EventLevel mirrors the logging levels enforcePoolClaims emits events at.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Event is one advisory-claim observation to log at the given level.
type Event struct {
	Level   EventLevel
	Message string
}

// Result is the Ok branch of enforcePoolClaims.
type Result struct {
	ResolvedPools []string
	RequestedPool string // empty if none
	Mismatch      bool
	Events        []Event
}

func resolvePoolsForTier(tier Tier) []string {
	pools, ok := tierPools[tier]
	if !ok {
		return nil
	}
	out := make([]string, len(pools))
	copy(out, pools)
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// EnforcePoolClaims derives resolvedPools exclusively from claims.Tier,
// validates a present PoolID against it, and evaluates the AllowedPools
// advisory claim.
func EnforcePoolClaims(claims Claims, strictMode bool) (Result, error) {
	resolved := resolvePoolsForTier(claims.Tier)
	if len(resolved) == 0 {
		return Result{}, gatewayerr.New(gatewayerr.CodeUnknownPool, "tier resolves to an empty pool set").
			WithContext("tier", string(claims.Tier))
	}

	var events []Event

	if claims.PoolID != "" {
		if !knownPools[claims.PoolID] {
			return Result{}, gatewayerr.New(gatewayerr.CodeUnknownPool, "pool_id is not a recognized pool").
				WithContext("pool_id", claims.PoolID)
		}
		if !contains(resolved, claims.PoolID) {
			return Result{}, gatewayerr.New(gatewayerr.CodePoolAccessDenied, "pool_id is not authorized for tier").
				WithContext("pool_id", claims.PoolID, "tier", string(claims.Tier))
		}
	}

	if len(claims.AllowedPools) > 0 {
		var invalid, extra, missing []string
		for _, p := range claims.AllowedPools {
			if !knownPools[p] {
				invalid = append(invalid, p)
				continue
			}
			if !contains(resolved, p) {
				extra = append(extra, p)
			}
		}
		for _, p := range resolved {
			if !contains(claims.AllowedPools, p) {
				missing = append(missing, p)
			}
		}

		for _, p := range invalid {
			events = append(events, Event{Level: LevelError, Message: fmt.Sprintf("allowed_pools contains invalid entry %q", p)})
		}
		if len(missing) > 0 && len(extra) == 0 {
			events = append(events, Event{Level: LevelInfo, Message: "allowed_pools is a strict subset of resolved pools"})
		}
		if len(extra) > 0 {
			events = append(events, Event{Level: LevelWarn, Message: "allowed_pools is a superset of resolved pools"})
			if strictMode {
				return Result{}, gatewayerr.New(gatewayerr.CodePoolAccessDenied, "allowed_pools exceeds tier-resolved pools under strict mode").
					WithContext("extra_pools", extra)
			}
		}
	}

	return Result{
		ResolvedPools: resolved,
		RequestedPool: claims.PoolID,
		Mismatch:      false,
		Events:        events,
	}, nil
}

// RoutingContext is the subset of Result selectAuthorizedPool needs.
type RoutingContext struct {
	ResolvedPools []string
	RequestedPool string // empty if none
}

// SelectAuthorizedPool performs final routing : if
// requestedPool is set, it must equal routingResult; else routingResult
// must be in resolvedPools.
func SelectAuthorizedPool(ctx RoutingContext, routingResult string) (string, error) {
	if len(ctx.ResolvedPools) == 0 {
		return "", gatewayerr.New(gatewayerr.CodePoolAccessDenied, "resolvedPools is empty: invariant violation")
	}

	if ctx.RequestedPool != "" {
		if ctx.RequestedPool != routingResult {
			return "", gatewayerr.New(gatewayerr.CodePoolAccessDenied,
				fmt.Sprintf("JWT binds to %s, routing selected %s", ctx.RequestedPool, routingResult)).
				WithContext("jwt_pool", ctx.RequestedPool, "routing_pool", routingResult)
		}
		return routingResult, nil
	}

	if !contains(ctx.ResolvedPools, routingResult) {
		return "", gatewayerr.New(gatewayerr.CodePoolAccessDenied, "routing result is not in resolved pools").
			WithContext("routing_pool", routingResult)
	}
	return routingResult, nil
}
