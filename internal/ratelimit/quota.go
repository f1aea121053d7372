package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuotaResult is the outcome of a daily quota check.
type QuotaResult struct {
	Allowed bool
	Used    int64
	Limit   int64
}

// QuotaTracker counts requests per tenant per UTC day via Redis.
type QuotaTracker struct {
	rdb *redis.Client
}

// NewQuotaTracker creates a quota tracker. If rdb is nil, all checks pass.
func NewQuotaTracker(rdb *redis.Client) *QuotaTracker {
	return &QuotaTracker{rdb: rdb}
}

func dailyQuotaKey(tenantID string) string {
	day := time.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("rudder:quota:daily:%s:%s", tenantID, day)
}

// Consume counts one request against the tenant's daily quota and reports
// whether it fit. The counter expires shortly after the UTC day ends.
func (q *QuotaTracker) Consume(ctx context.Context, tenantID string, limit int64) (QuotaResult, error) {
	if q.rdb == nil {
		return QuotaResult{Allowed: true, Used: 1, Limit: limit}, nil
	}

	key := dailyQuotaKey(tenantID)
	pipe := q.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	// Expire at end of day UTC + 1 hour buffer
	now := time.Now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	pipe.Expire(ctx, key, endOfDay.Sub(now)+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open on Redis errors
		return QuotaResult{Allowed: true, Limit: limit}, nil
	}

	used := incr.Val()
	return QuotaResult{
		Allowed: used <= limit,
		Used:    used,
		Limit:   limit,
	}, nil
}
