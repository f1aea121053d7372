package policy

import (
	"encoding/json"

	"github.com/af-corp/rudder/internal/types"
)

// Canonical document shapes for serialization. Parsing accepts several
// legacy aliases; marshaling always emits these forms, so a parsed document
// re-marshals to a stable representation that parses back identically.

type canonicalModelEntry struct {
	ModelID            string                  `json:"model_id"`
	Provider           types.Provider          `json:"provider"`
	Capability         types.TaskType          `json:"capability"`
	ProviderModelID    string                  `json:"provider_model_id"`
	MaxContextTokens   int                     `json:"max_context_tokens,omitempty"`
	MaxEmbeddingTokens int                     `json:"max_embedding_tokens,omitempty"`
	CostTier           types.CostTier          `json:"cost_tier"`
	SupportedLanguages []types.Language        `json:"supported_languages"`
	DefaultParams      *types.GenerationParams `json:"default_params,omitempty"`
	BackupModelID      string                  `json:"backup_model_id,omitempty"`
	RetryPolicy        *RetryPolicy            `json:"retry_policy,omitempty"`
}

type canonicalCatalogDocument struct {
	Version string                `json:"version"`
	Models  []canonicalModelEntry `json:"models"`
}

type canonicalPredicate struct {
	TaskType    *types.TaskType    `json:"task_type,omitempty"`
	Language    *types.Language    `json:"language,omitempty"`
	Complexity  *types.Complexity  `json:"complexity,omitempty"`
	TenantID    *string            `json:"tenant_id,omitempty"`
	TenantTiers []types.TenantTier `json:"tenant_tiers,omitempty"`
	TokenRange  *RuleRange         `json:"token_estimate,omitempty"`
}

type canonicalRuleEntry struct {
	ID             string                  `json:"id"`
	Priority       int                     `json:"priority,omitempty"`
	When           *canonicalPredicate     `json:"when,omitempty"`
	WhenExpr       string                  `json:"when_expr,omitempty"`
	Models         []string                `json:"models"`
	OverrideParams *types.GenerationParams `json:"override_params,omitempty"`
}

type canonicalRulesetDocument struct {
	Version  string               `json:"version"`
	Rules    []canonicalRuleEntry `json:"rules"`
	Defaults rawDefaults          `json:"defaults,omitempty"`
}

// MarshalDocument renders the catalog in canonical document form.
func (c *ModelCatalog) MarshalDocument() ([]byte, error) {
	doc := canonicalCatalogDocument{Version: c.Version}
	for _, m := range c.Models() {
		doc.Models = append(doc.Models, canonicalModelEntry{
			ModelID:            m.ModelID,
			Provider:           m.Provider,
			Capability:         m.Capability,
			ProviderModelID:    m.ProviderModelID,
			MaxContextTokens:   m.MaxContextTokens,
			MaxEmbeddingTokens: m.MaxEmbeddingTokens,
			CostTier:           m.CostTier,
			SupportedLanguages: m.SupportedLanguages,
			DefaultParams:      paramsOrNil(m.DefaultParams),
			BackupModelID:      m.BackupModelID,
			RetryPolicy:        m.Retry,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

// MarshalDocument renders the ruleset in canonical document form.
func (rs *RoutingRuleSet) MarshalDocument() ([]byte, error) {
	doc := canonicalRulesetDocument{
		Version: rs.Version,
		Defaults: rawDefaults{
			Chat:      rs.Defaults.ChatModelID,
			Embedding: rs.Defaults.EmbeddingModelID,
		},
	}
	for _, r := range rs.Rules {
		entry := canonicalRuleEntry{
			ID:             r.ID,
			Priority:       r.Priority,
			WhenExpr:       r.ExprSource,
			Models:         r.Models,
			OverrideParams: paramsOrNil(r.OverrideParams),
		}
		if pred := canonicalizePredicate(r.When); pred != nil {
			entry.When = pred
		}
		doc.Rules = append(doc.Rules, entry)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func canonicalizePredicate(p RulePredicate) *canonicalPredicate {
	if p.TaskType == nil && p.Language == nil && p.Complexity == nil &&
		p.TenantID == nil && len(p.TenantTiers) == 0 && p.TokenRange == nil {
		return nil
	}
	return &canonicalPredicate{
		TaskType:    p.TaskType,
		Language:    p.Language,
		Complexity:  p.Complexity,
		TenantID:    p.TenantID,
		TenantTiers: p.TenantTiers,
		TokenRange:  p.TokenRange,
	}
}

func paramsOrNil(p types.GenerationParams) *types.GenerationParams {
	if p.Temperature == nil && p.TopP == nil && p.MaxTokens == nil {
		return nil
	}
	return &p
}
