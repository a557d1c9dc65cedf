// Package cache implements the tenant-scoped result cache. Entries are
// keyed by (tenant, fingerprint, context); the fingerprint is a
// caller-supplied content hash and a collision is the caller's risk.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reliability-core/internal/models"
)

// Cache stores computed artifacts with TTL expiry and hit accounting.
type Cache struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Cache {
	return &Cache{pool: pool}
}

// Get returns the entry for the composite key, or ok=false on a miss.
// Expired rows are misses at read time, before any sweep runs. A hit
// increments hit_count in the same statement that reads the row.
func (c *Cache) Get(ctx context.Context, tenantID, fingerprint, contextLabel string) (models.CacheEntry, bool, error) {
	row := c.pool.QueryRow(ctx, `
		UPDATE analysis_cache SET hit_count = hit_count + 1
		WHERE tenant_id = $1 AND fingerprint = $2 AND context = $3 AND expires_at > NOW()
		RETURNING tenant_id, fingerprint, context, analysis, hit_count, created_at, expires_at
	`, tenantID, fingerprint, contextLabel)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}
	return entry, true, nil
}

// Put upserts an entry. An existing row keeps its hit_count; its analysis
// is overwritten and expires_at reset from the new TTL.
func (c *Cache) Put(ctx context.Context, tenantID, fingerprint, contextLabel string, analysis json.RawMessage, ttl time.Duration) (models.CacheEntry, error) {
	if ttl <= 0 {
		return models.CacheEntry{}, fmt.Errorf("cache: ttl must be positive, got %s", ttl)
	}
	row := c.pool.QueryRow(ctx, `
		INSERT INTO analysis_cache (tenant_id, fingerprint, context, analysis, hit_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW() + $5 * INTERVAL '1 millisecond')
		ON CONFLICT (tenant_id, fingerprint, context) DO UPDATE SET
			analysis   = EXCLUDED.analysis,
			expires_at = EXCLUDED.expires_at
		RETURNING tenant_id, fingerprint, context, analysis, hit_count, created_at, expires_at
	`, tenantID, fingerprint, contextLabel, []byte(analysis), ttl.Milliseconds())

	entry, err := scanEntry(row)
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("cache put: %w", err)
	}
	return entry, nil
}

// Sweep deletes every entry expired at the given instant. Row-level locking
// makes it safe to run concurrently with Get and Put.
func (c *Cache) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM analysis_cache WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEntry(row pgx.Row) (models.CacheEntry, error) {
	var entry models.CacheEntry
	var analysis []byte
	err := row.Scan(&entry.TenantID, &entry.Fingerprint, &entry.Context,
		&analysis, &entry.HitCount, &entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		return models.CacheEntry{}, err
	}
	entry.Analysis = analysis
	return entry, nil
}
