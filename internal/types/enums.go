package types

// TaskType distinguishes the two request families the router serves.
type TaskType string

const (
	TaskChat      TaskType = "chat"
	TaskEmbedding TaskType = "embedding"
)

func ParseTaskType(s string) (TaskType, bool) {
	switch TaskType(s) {
	case TaskChat, TaskEmbedding:
		return TaskType(s), true
	default:
		return "", false
	}
}

// Language is the detected (or hinted) language class of a request.
// Unknown is treated like multilingual during validation, since
// multilingual-capable models are the superset.
type Language string

const (
	LangEnglish      Language = "english"
	LangMultilingual Language = "multilingual"
	LangUnknown      Language = "unknown"
)

// ParseLanguage accepts the canonical names plus the short codes used by
// older policy documents.
func ParseLanguage(s string) (Language, bool) {
	switch s {
	case "english", "en":
		return LangEnglish, true
	case "multilingual", "multi":
		return LangMultilingual, true
	case "unknown":
		return LangUnknown, true
	default:
		return "", false
	}
}

type Complexity string

const (
	ComplexityShallow Complexity = "shallow"
	ComplexityDeep    Complexity = "deep"
)

// Level returns a numeric level for comparison. Higher values mean more
// complex.
func (c Complexity) Level() int {
	switch c {
	case ComplexityShallow:
		return 0
	case ComplexityDeep:
		return 1
	default:
		return -1
	}
}

// ParseComplexity accepts the canonical names plus the low/medium/high
// scale used by older policy documents, folded onto the two-level scale.
func ParseComplexity(s string) (Complexity, bool) {
	switch s {
	case "shallow", "low", "medium":
		return ComplexityShallow, true
	case "deep", "high":
		return ComplexityDeep, true
	default:
		return "", false
	}
}

type TenantTier string

const (
	TierFree     TenantTier = "free"
	TierStandard TenantTier = "standard"
	TierPremium  TenantTier = "premium"
)

func ParseTenantTier(s string) (TenantTier, bool) {
	switch TenantTier(s) {
	case TierFree, TierStandard, TierPremium:
		return TenantTier(s), true
	default:
		return "", false
	}
}

// CostTier is the ordinal budget classification of a model, and the ceiling
// a tenant may spend up to.
type CostTier string

const (
	CostLow    CostTier = "low"
	CostMedium CostTier = "medium"
	CostHigh   CostTier = "high"
)

// Level returns a numeric level for comparison. Higher values mean more
// expensive.
func (c CostTier) Level() int {
	switch c {
	case CostLow:
		return 0
	case CostMedium:
		return 1
	case CostHigh:
		return 2
	default:
		return -1
	}
}

// Allows returns true if a ceiling at this tier permits a model at the given
// tier.
func (c CostTier) Allows(model CostTier) bool {
	return c.Level() >= model.Level()
}

func ParseCostTier(s string) (CostTier, bool) {
	switch CostTier(s) {
	case CostLow, CostMedium, CostHigh:
		return CostTier(s), true
	default:
		return "", false
	}
}

// Provider identifies which backend family serves a model.
type Provider string

const (
	ProviderBedrock   Provider = "bedrock"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderOther     Provider = "other"
)

// ParseProvider accepts the canonical names plus aliases used by older
// policy documents. Unrecognized providers fold to ProviderOther so a
// catalog can introduce a new backend behind an OpenAI-compatible endpoint
// without a code change.
func ParseProvider(s string) (Provider, bool) {
	switch s {
	case "bedrock":
		return ProviderBedrock, true
	case "anthropic":
		return ProviderAnthropic, true
	case "google", "gemini":
		return ProviderGoogle, true
	case "other", "openai", "openai-compatible":
		return ProviderOther, true
	default:
		return "", false
	}
}
