package types

// RequestFeatures is the derived shape of one request. Computed once per
// call by the feature extractor and never mutated or persisted.
type RequestFeatures struct {
	TaskType      TaskType   `json:"task_type"`
	TokenEstimate int        `json:"token_estimate"`
	Language      Language   `json:"language"`
	Complexity    Complexity `json:"complexity"`
	RawCharLength int        `json:"raw_char_length"`
}

// Hints carries caller-supplied overrides for feature extraction. Zero
// values mean "not hinted"; any non-zero field wins over the inferred value.
type Hints struct {
	TaskType      TaskType
	Language      Language
	Complexity    Complexity
	TokenEstimate int
}

// TenantContext identifies who is calling and what they may spend.
// Supplied by the caller (or resolved from an API key) and read-only to the
// router.
type TenantContext struct {
	TenantID    string     `json:"tenant_id"`
	Tier        TenantTier `json:"tenant_tier"`
	CostCeiling CostTier   `json:"cost_tier_ceiling"`
}
