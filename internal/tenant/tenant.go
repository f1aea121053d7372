package tenant

import (
	"context"
	"time"

	"github.com/af-corp/rudder/internal/types"
)

type contextKey string

const tenantContextKey contextKey = "rudder_tenant"

// Tenant is the resolved identity and limits behind an API key. The same
// shape is stored in the Redis key cache and attached to request contexts.
type Tenant struct {
	KeyID       string           `json:"key_id"`
	TenantID    string           `json:"tenant_id"`
	Name        string           `json:"name"`
	Tier        types.TenantTier `json:"tier"`
	CostCeiling types.CostTier   `json:"cost_ceiling"`
	RPMLimit    *int             `json:"rpm_limit,omitempty"`
	DailyLimit  *int             `json:"daily_limit,omitempty"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

// Context converts the record into the facts the selection pipeline reads.
func (t *Tenant) Context() types.TenantContext {
	return types.TenantContext{
		TenantID:    t.TenantID,
		Tier:        t.Tier,
		CostCeiling: t.CostCeiling,
	}
}

func NewContext(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey, t)
}

func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey).(*Tenant)
	return t, ok
}
