package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/af-corp/rudder/internal/types"
)

// RetryPolicy is a per-model override of the dispatch retry budget.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMs   int `json:"backoff_ms"`
}

// ModelConfig is one declared entry of the model catalog.
type ModelConfig struct {
	ModelID            string
	Provider           types.Provider
	Capability         types.TaskType
	ProviderModelID    string
	MaxContextTokens   int
	MaxEmbeddingTokens int
	CostTier           types.CostTier
	SupportedLanguages []types.Language
	DefaultParams      types.GenerationParams
	BackupModelID      string
	Retry              *RetryPolicy
}

// DeclaresLanguage reports raw set membership; the english/multilingual
// asymmetry is the validator's business, not the catalog's.
func (m ModelConfig) DeclaresLanguage(lang types.Language) bool {
	for _, l := range m.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// RuleRange is a half-open [gte, lt) bound over an integer feature.
type RuleRange struct {
	GTE *int `json:"gte,omitempty"`
	LT  *int `json:"lt,omitempty"`
}

func (r *RuleRange) Contains(v int) bool {
	if r == nil {
		return true
	}
	if r.GTE != nil && v < *r.GTE {
		return false
	}
	if r.LT != nil && v >= *r.LT {
		return false
	}
	return true
}

// RulePredicate is the declarative part of a rule's match condition. Nil
// fields are wildcards.
type RulePredicate struct {
	TaskType    *types.TaskType
	Language    *types.Language
	Complexity  *types.Complexity
	TenantID    *string
	TenantTiers []types.TenantTier
	TokenRange  *RuleRange
}

// RoutingRule is one declared routing rule. Index records declaration order
// inside its ruleset and breaks priority ties.
type RoutingRule struct {
	ID             string
	Priority       int
	Index          int
	When           RulePredicate
	ExprSource     string
	Models         []string
	OverrideParams types.GenerationParams

	program *vm.Program
}

// EvalExpr runs the rule's compiled expression predicate, if any, against
// the given environment. Rules without an expression always pass. An
// evaluation error counts as not matched.
func (r *RoutingRule) EvalExpr(env map[string]any) bool {
	if r.program == nil {
		return true
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// ModelCatalog is an immutable, versioned view of the models document.
type ModelCatalog struct {
	Version string

	models map[string]ModelConfig
	order  []string
}

func (c *ModelCatalog) Get(id string) (ModelConfig, bool) {
	m, ok := c.models[id]
	return m, ok
}

// Models returns the catalog entries in declaration order.
func (c *ModelCatalog) Models() []ModelConfig {
	out := make([]ModelConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

func (c *ModelCatalog) Len() int { return len(c.order) }

// Defaults names the fallback model per task type when no rule matches.
type Defaults struct {
	ChatModelID      string
	EmbeddingModelID string
}

// RoutingRuleSet is an immutable, versioned view of the rules document.
// Rules keep their declaration order.
type RoutingRuleSet struct {
	Version  string
	Rules    []RoutingRule
	Defaults Defaults
}

// DefaultFor returns the declared default model for a task type, if any.
func (rs *RoutingRuleSet) DefaultFor(task types.TaskType) (string, bool) {
	switch task {
	case types.TaskChat:
		return rs.Defaults.ChatModelID, rs.Defaults.ChatModelID != ""
	case types.TaskEmbedding:
		return rs.Defaults.EmbeddingModelID, rs.Defaults.EmbeddingModelID != ""
	default:
		return "", false
	}
}

// Raw document shapes. Alias fields absorb the naming of older documents:
// "id" vs "model_id", "type" vs "capability", "use_model" vs "models",
// "tenant_tier" vs "tenant_tiers", and the three spellings of the token
// range. Unknown fields are ignored by the JSON decoder.

type catalogDocument struct {
	Version string          `json:"version"`
	Models  []rawModelEntry `json:"models"`
}

type rawModelEntry struct {
	ID                 string                  `json:"id"`
	ModelID            string                  `json:"model_id"`
	Provider           string                  `json:"provider"`
	Capability         string                  `json:"capability"`
	Type               string                  `json:"type"`
	ProviderModelID    string                  `json:"provider_model_id"`
	MaxContextTokens   int                     `json:"max_context_tokens"`
	MaxEmbeddingTokens int                     `json:"max_embedding_tokens"`
	MaxChunkTokens     int                     `json:"max_chunk_tokens"`
	CostTier           string                  `json:"cost_tier"`
	SupportedLanguages []string                `json:"supported_languages"`
	Languages          []string                `json:"languages"`
	DefaultParams      *types.GenerationParams `json:"default_params"`
	BackupModelID      string                  `json:"backup_model_id"`
	RetryPolicy        *RetryPolicy            `json:"retry_policy"`
}

type rulesetDocument struct {
	Version  string         `json:"version"`
	Rules    []rawRuleEntry `json:"rules"`
	Defaults rawDefaults    `json:"defaults"`
}

type rawDefaults struct {
	Chat      string `json:"chat"`
	Embedding string `json:"embedding"`
}

type rawRuleEntry struct {
	ID             string                  `json:"id"`
	Priority       int                     `json:"priority"`
	When           *rawPredicate           `json:"when"`
	WhenExpr       string                  `json:"when_expr"`
	Models         []string                `json:"models"`
	UseModel       string                  `json:"use_model"`
	OverrideParams *types.GenerationParams `json:"override_params"`
}

type rawPredicate struct {
	TaskType      *string    `json:"task_type"`
	Language      *string    `json:"language"`
	Complexity    *string    `json:"complexity"`
	TenantID      *string    `json:"tenant_id"`
	TenantTiers   []string   `json:"tenant_tiers"`
	TenantTier    []string   `json:"tenant_tier"`
	TokenEstimate *RuleRange `json:"token_estimate"`
	ContextTokens *RuleRange `json:"context_tokens"`
	ChunkTokens   *RuleRange `json:"chunk_tokens"`
}

// ParseCatalog decodes and validates a models document. Missing required
// fields fail validation; unknown fields are ignored.
func ParseCatalog(data []byte) (*ModelCatalog, error) {
	var doc catalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode models document: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("models document declares no models")
	}

	catalog := &ModelCatalog{
		Version: documentVersion(doc.Version, data),
		models:  make(map[string]ModelConfig, len(doc.Models)),
	}

	for i, raw := range doc.Models {
		m, err := buildModel(raw)
		if err != nil {
			return nil, fmt.Errorf("model entry %d: %w", i, err)
		}
		if _, exists := catalog.models[m.ModelID]; exists {
			return nil, fmt.Errorf("duplicate model_id %q", m.ModelID)
		}
		catalog.models[m.ModelID] = m
		catalog.order = append(catalog.order, m.ModelID)
	}
	return catalog, nil
}

func buildModel(raw rawModelEntry) (ModelConfig, error) {
	var m ModelConfig

	// Older documents split "id" (routing key) from "model_id" (backend
	// name); newer ones declare "model_id" as the key and
	// "provider_model_id" as the backend name.
	switch {
	case raw.ID != "":
		m.ModelID = raw.ID
		m.ProviderModelID = raw.ModelID
	case raw.ModelID != "":
		m.ModelID = raw.ModelID
	default:
		return m, fmt.Errorf("missing model_id")
	}
	if raw.ProviderModelID != "" {
		m.ProviderModelID = raw.ProviderModelID
	}
	if m.ProviderModelID == "" {
		m.ProviderModelID = m.ModelID
	}

	prov, ok := types.ParseProvider(raw.Provider)
	if !ok {
		return m, fmt.Errorf("model %q: missing or invalid provider %q", m.ModelID, raw.Provider)
	}
	m.Provider = prov

	capRaw := raw.Capability
	if capRaw == "" {
		capRaw = raw.Type
	}
	capability, ok := types.ParseTaskType(capRaw)
	if !ok {
		return m, fmt.Errorf("model %q: missing or invalid capability %q", m.ModelID, capRaw)
	}
	m.Capability = capability

	m.MaxContextTokens = raw.MaxContextTokens
	m.MaxEmbeddingTokens = raw.MaxEmbeddingTokens
	if m.MaxEmbeddingTokens == 0 {
		m.MaxEmbeddingTokens = raw.MaxChunkTokens
	}
	switch capability {
	case types.TaskChat:
		if m.MaxContextTokens <= 0 {
			return m, fmt.Errorf("chat model %q: max_context_tokens must be positive", m.ModelID)
		}
	case types.TaskEmbedding:
		if m.MaxEmbeddingTokens <= 0 {
			return m, fmt.Errorf("embedding model %q: max_embedding_tokens must be positive", m.ModelID)
		}
	}

	costRaw := raw.CostTier
	if costRaw == "" {
		costRaw = string(types.CostMedium)
	}
	cost, ok := types.ParseCostTier(costRaw)
	if !ok {
		return m, fmt.Errorf("model %q: invalid cost_tier %q", m.ModelID, raw.CostTier)
	}
	m.CostTier = cost

	langsRaw := raw.SupportedLanguages
	if len(langsRaw) == 0 {
		langsRaw = raw.Languages
	}
	if len(langsRaw) == 0 {
		// Undeclared language support means the model is assumed to handle
		// anything, which the validator models as multilingual.
		m.SupportedLanguages = []types.Language{types.LangMultilingual}
	} else {
		for _, l := range langsRaw {
			lang, ok := types.ParseLanguage(l)
			if !ok || lang == types.LangUnknown {
				return m, fmt.Errorf("model %q: invalid supported language %q", m.ModelID, l)
			}
			if !m.DeclaresLanguage(lang) {
				m.SupportedLanguages = append(m.SupportedLanguages, lang)
			}
		}
	}

	if raw.DefaultParams != nil {
		m.DefaultParams = *raw.DefaultParams
	}
	m.BackupModelID = raw.BackupModelID
	if raw.RetryPolicy != nil {
		if raw.RetryPolicy.MaxAttempts < 1 {
			return m, fmt.Errorf("model %q: retry_policy.max_attempts must be at least 1", m.ModelID)
		}
		rp := *raw.RetryPolicy
		m.Retry = &rp
	}
	return m, nil
}

// ParseRuleSet decodes and validates a routing rules document, compiling
// any expression predicates once. Missing required fields and uncompilable
// expressions fail validation; unknown fields are ignored.
func ParseRuleSet(data []byte) (*RoutingRuleSet, error) {
	var doc rulesetDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode rules document: %w", err)
	}

	rs := &RoutingRuleSet{
		Version: documentVersion(doc.Version, data),
		Defaults: Defaults{
			ChatModelID:      doc.Defaults.Chat,
			EmbeddingModelID: doc.Defaults.Embedding,
		},
	}

	for i, raw := range doc.Rules {
		rule, err := buildRule(raw, i)
		if err != nil {
			return nil, fmt.Errorf("rule entry %d: %w", i, err)
		}
		rs.Rules = append(rs.Rules, rule)
	}

	if len(rs.Rules) == 0 && rs.Defaults.ChatModelID == "" && rs.Defaults.EmbeddingModelID == "" {
		return nil, fmt.Errorf("rules document declares no rules and no defaults")
	}
	return rs, nil
}

func buildRule(raw rawRuleEntry, index int) (RoutingRule, error) {
	rule := RoutingRule{
		ID:       raw.ID,
		Priority: raw.Priority,
		Index:    index,
	}
	if rule.ID == "" {
		return rule, fmt.Errorf("missing id")
	}

	rule.Models = raw.Models
	if len(rule.Models) == 0 && raw.UseModel != "" {
		rule.Models = []string{raw.UseModel}
	}
	if len(rule.Models) == 0 {
		return rule, fmt.Errorf("rule %q: no models declared", rule.ID)
	}

	if raw.When != nil {
		pred, err := buildPredicate(raw.When)
		if err != nil {
			return rule, fmt.Errorf("rule %q: %w", rule.ID, err)
		}
		rule.When = pred
	}

	if raw.OverrideParams != nil {
		rule.OverrideParams = *raw.OverrideParams
	}

	if raw.WhenExpr != "" {
		program, err := expr.Compile(raw.WhenExpr, expr.AllowUndefinedVariables())
		if err != nil {
			return rule, fmt.Errorf("rule %q: compile when_expr: %w", rule.ID, err)
		}
		rule.ExprSource = raw.WhenExpr
		rule.program = program
	}
	return rule, nil
}

func buildPredicate(raw *rawPredicate) (RulePredicate, error) {
	var pred RulePredicate

	if raw.TaskType != nil {
		task, ok := types.ParseTaskType(*raw.TaskType)
		if !ok {
			return pred, fmt.Errorf("invalid task_type %q", *raw.TaskType)
		}
		pred.TaskType = &task
	}
	if raw.Language != nil {
		lang, ok := types.ParseLanguage(*raw.Language)
		if !ok {
			return pred, fmt.Errorf("invalid language %q", *raw.Language)
		}
		pred.Language = &lang
	}
	if raw.Complexity != nil {
		cx, ok := types.ParseComplexity(*raw.Complexity)
		if !ok {
			return pred, fmt.Errorf("invalid complexity %q", *raw.Complexity)
		}
		pred.Complexity = &cx
	}
	pred.TenantID = raw.TenantID

	tiersRaw := raw.TenantTiers
	if len(tiersRaw) == 0 {
		tiersRaw = raw.TenantTier
	}
	for _, tr := range tiersRaw {
		tier, ok := types.ParseTenantTier(tr)
		if !ok {
			return pred, fmt.Errorf("invalid tenant tier %q", tr)
		}
		pred.TenantTiers = append(pred.TenantTiers, tier)
	}

	tokenRange := raw.TokenEstimate
	if tokenRange == nil {
		tokenRange = raw.ContextTokens
	}
	if tokenRange == nil {
		tokenRange = raw.ChunkTokens
	}
	if tokenRange != nil {
		if tokenRange.GTE != nil && tokenRange.LT != nil && *tokenRange.GTE >= *tokenRange.LT {
			return pred, fmt.Errorf("empty token range [%d, %d)", *tokenRange.GTE, *tokenRange.LT)
		}
		r := *tokenRange
		pred.TokenRange = &r
	}
	return pred, nil
}

// documentVersion derives a stable version for documents that do not
// declare one.
func documentVersion(declared string, data []byte) string {
	if declared != "" {
		return declared
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:4])
}
