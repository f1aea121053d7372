package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const cacheTTL = 5 * time.Minute
const cachePrefix = "rudder:key:"

// KeyStore resolves an API key hash to the tenant behind it. A nil tenant
// with a nil error means the key is unknown, revoked or expired.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*Tenant, error)
}

// CachedKeyStore implements KeyStore with PostgreSQL + Redis cache.
type CachedKeyStore struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewCachedKeyStore(db *pgxpool.Pool, rdb *redis.Client) *CachedKeyStore {
	return &CachedKeyStore{db: db, redis: rdb}
}

func (s *CachedKeyStore) Lookup(ctx context.Context, keyHash string) (*Tenant, error) {
	// Check Redis cache first
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, cachePrefix+keyHash).Bytes()
		if err == nil {
			var t Tenant
			if err := json.Unmarshal(cached, &t); err == nil {
				return &t, nil
			}
		}
	}

	// Query PostgreSQL
	t, err := s.lookupDB(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	// Cache in Redis
	if s.redis != nil {
		if data, err := json.Marshal(t); err == nil {
			s.redis.Set(ctx, cachePrefix+keyHash, data, cacheTTL)
		}
	}

	return t, nil
}

func (s *CachedKeyStore) lookupDB(ctx context.Context, keyHash string) (*Tenant, error) {
	var t Tenant

	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, tier, cost_ceiling, rpm_limit, daily_limit, expires_at
		FROM tenant_api_keys
		WHERE key_hash = $1
		  AND status = 'active'
		  AND expires_at > NOW()
	`, keyHash).Scan(
		&t.KeyID,
		&t.TenantID,
		&t.Name,
		&t.Tier,
		&t.CostCeiling,
		&t.RPMLimit,
		&t.DailyLimit,
		&t.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query tenant_api_keys: %w", err)
	}

	// Update last_used_at asynchronously (fire-and-forget)
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.db.Exec(bgCtx, `UPDATE tenant_api_keys SET last_used_at = NOW() WHERE id = $1`, t.KeyID)
	}()

	return &t, nil
}
