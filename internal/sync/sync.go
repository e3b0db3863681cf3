// Package sync provides synchronization between PostgreSQL and Redis for
// the provider-registry pricing cache and the tenant tier table.
//
// PostgreSQL is the source of truth for pricing rows and tenant tiers;
// Redis holds a copy. The request path does not read these keys: the
// provider registry is built from its config file at startup, and pool
// enforcement takes the tier from the caller's claims. The cached pricing
// rows are read back by LookupPricing (the admin pricing show endpoint).
//
// Sync strategy (unchanged from the balance-sync shape, retargeted):
//   - At startup: load ALL pricing rows and tenant tiers into Redis (full sync)
//   - Periodically: sync rows that changed recently (incremental sync)
//   - On demand: sync one tenant's tier when an integrity issue is detected
//
// Tenant balance truth itself now lives in the integer-micro ledger/budget
// subsystem (internal/ledger, internal/budget), not in a Redis grains
// counter, so this package no longer mirrors customer balances.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/hounfour/gateway/internal/pricing"
)

// PricingRow is one PostgreSQL pricing table row.
type PricingRow struct {
	Alias                    string
	Provider                 string
	ModelID                  string
	InputMicroPerMillion     int64
	OutputMicroPerMillion    int64
	ReasoningMicroPerMillion int64
}

// TenantTierRow is one PostgreSQL tenant row.
type TenantTierRow struct {
	TenantID string
	Tier     string
}

// Syncer handles PostgreSQL to Redis synchronization for pricing and
// tenant tier data.
type Syncer struct {
	redis  *redis.Client
	db     *sql.DB
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		db:     db,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

func pricingKey(alias string) string { return fmt.Sprintf("pricing:%s", alias) }
func tierKey(tenantID string) string { return fmt.Sprintf("tenant:tier:%s", tenantID) }

// InitializeRedis performs a full sync of all pricing rows and tenant
// tiers from PostgreSQL to Redis.
//
// This MUST be called on startup before accepting any requests — without
// it, Redis would be empty and LookupPricing would miss.
func (s *Syncer) InitializeRedis(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("starting full redis initialization from postgresql")

	rows, err := s.db.QueryContext(ctx, `
		SELECT alias, provider, model_id, input_micro_per_million,
		       output_micro_per_million, reasoning_micro_per_million
		FROM pricing
		ORDER BY alias
	`)
	if err != nil {
		return fmt.Errorf("failed to query pricing: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		var r PricingRow
		if err := rows.Scan(&r.Alias, &r.Provider, &r.ModelID, &r.InputMicroPerMillion, &r.OutputMicroPerMillion, &r.ReasoningMicroPerMillion); err != nil {
			s.log.Error().Err(err).Msg("failed to scan pricing row")
			continue
		}

		pipe.HSet(ctx, pricingKey(r.Alias), map[string]interface{}{
			"provider":  r.Provider,
			"model_id":  r.ModelID,
			"input":     r.InputMicroPerMillion,
			"output":    r.OutputMicroPerMillion,
			"reasoning": r.ReasoningMicroPerMillion,
		})
		count++

		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = s.redis.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec failed: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}

	if err := s.syncAllTenantTiers(ctx); err != nil {
		return fmt.Errorf("tenant tier sync failed: %w", err)
	}

	s.log.Info().Int("pricing_rows", count).Dur("duration", time.Since(start)).Msg("redis initialization complete")
	return nil
}

func (s *Syncer) syncAllTenantTiers(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, tier FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0
	for rows.Next() {
		var t TenantTierRow
		if err := rows.Scan(&t.TenantID, &t.Tier); err != nil {
			continue
		}
		pipe.Set(ctx, tierKey(t.TenantID), t.Tier, 0)
		count++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec failed: %w", err)
	}
	s.log.Info().Int("tenant_count", count).Msg("tenant tiers synced to redis")
	return nil
}

// StartPeriodicSync starts a background goroutine that syncs Redis from
// PostgreSQL periodically, correcting drift from manual pricing edits or
// tenant tier upgrades/downgrades.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	s.log.Info().Dur("interval", interval).Msg("starting periodic sync")

	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := s.syncRecentlyUpdated(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()

			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// syncRecentlyUpdated syncs pricing rows and tenant tiers that changed in
// the last hour — cheaper than a full resync on every tick.
func (s *Syncer) syncRecentlyUpdated(ctx context.Context) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT alias, provider, model_id, input_micro_per_million,
		       output_micro_per_million, reasoning_micro_per_million
		FROM pricing
		WHERE updated_at > NOW() - INTERVAL '1 hour'
	`)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0
	for rows.Next() {
		var r PricingRow
		if err := rows.Scan(&r.Alias, &r.Provider, &r.ModelID, &r.InputMicroPerMillion, &r.OutputMicroPerMillion, &r.ReasoningMicroPerMillion); err != nil {
			continue
		}
		pipe.HSet(ctx, pricingKey(r.Alias), map[string]interface{}{
			"provider": r.Provider, "model_id": r.ModelID,
			"input": r.InputMicroPerMillion, "output": r.OutputMicroPerMillion, "reasoning": r.ReasoningMicroPerMillion,
		})
		count++
	}
	if count > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline exec failed: %w", err)
		}
	}

	tierRows, err := s.db.QueryContext(ctx, `SELECT tenant_id, tier FROM tenants WHERE updated_at > NOW() - INTERVAL '1 hour'`)
	if err != nil {
		return fmt.Errorf("tenant query failed: %w", err)
	}
	defer tierRows.Close()

	tierPipe := s.redis.Pipeline()
	tierCount := 0
	for tierRows.Next() {
		var t TenantTierRow
		if err := tierRows.Scan(&t.TenantID, &t.Tier); err != nil {
			continue
		}
		tierPipe.Set(ctx, tierKey(t.TenantID), t.Tier, 0)
		tierCount++
	}
	if tierCount > 0 {
		if _, err := tierPipe.Exec(ctx); err != nil {
			return fmt.Errorf("tenant pipeline exec failed: %w", err)
		}
	}

	s.log.Debug().Int("pricing_rows", count).Int("tenant_rows", tierCount).Dur("duration", time.Since(start)).Msg("incremental sync complete")
	return nil
}

// SyncTenantTier syncs one tenant's tier from PostgreSQL to Redis
// on-demand, used when an integrity issue is detected.
func (s *Syncer) SyncTenantTier(ctx context.Context, tenantID string) error {
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM tenants WHERE tenant_id = $1`, tenantID).Scan(&tier)
	if err == sql.ErrNoRows {
		return fmt.Errorf("tenant not found: %s", tenantID)
	} else if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if err := s.redis.Set(ctx, tierKey(tenantID), tier, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.log.Info().Str("tenant_id", tenantID).Str("tier", tier).Msg("tenant tier synced")
	return nil
}

// VerifyIntegrity samples tenant tier rows and compares Redis against
// PostgreSQL, auto-fixing discrepancies it finds. Returns the count found.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, tier FROM tenants ORDER BY RANDOM() LIMIT $1`, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	discrepancies := 0
	for rows.Next() {
		var tenantID, pgTier string
		if err := rows.Scan(&tenantID, &pgTier); err != nil {
			continue
		}

		redisTier, err := s.redis.Get(ctx, tierKey(tenantID)).Result()
		if err == redis.Nil {
			s.log.Warn().Str("tenant_id", tenantID).Msg("tenant tier missing in redis")
			discrepancies++
			_ = s.SyncTenantTier(ctx, tenantID)
			continue
		} else if err != nil {
			continue
		}

		if redisTier != pgTier {
			s.log.Warn().Str("tenant_id", tenantID).Str("redis_tier", redisTier).Str("postgres_tier", pgTier).Msg("tenant tier mismatch detected")
			discrepancies++
			if err := s.SyncTenantTier(ctx, tenantID); err != nil {
				s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to sync tenant")
			}
		}
	}

	return discrepancies, nil
}

// LookupPricing reads a cached pricing row back out of Redis.
func (s *Syncer) LookupPricing(ctx context.Context, alias string) (pricing.PriceTable, error) {
	vals, err := s.redis.HGetAll(ctx, pricingKey(alias)).Result()
	if err != nil {
		return pricing.PriceTable{}, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(vals) == 0 {
		return pricing.PriceTable{}, fmt.Errorf("pricing not cached for alias %q", alias)
	}

	var pt pricing.PriceTable
	fmt.Sscanf(vals["input"], "%d", &pt.InputMicroPerMillion)
	fmt.Sscanf(vals["output"], "%d", &pt.OutputMicroPerMillion)
	fmt.Sscanf(vals["reasoning"], "%d", &pt.ReasoningMicroPerMillion)
	return pt, nil
}

// Stop stops the periodic sync goroutine.
func (s *Syncer) Stop() {
	close(s.stopCh)
}
