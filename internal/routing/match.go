package routing

import (
	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/types"
)

// MatchResult is the outcome of rule matching: the winning rule (nil when a
// ruleset default was applied), a stable identifier for logs and metrics,
// and the rule's candidate list before backup expansion and validation.
type MatchResult struct {
	Rule       *policy.RoutingRule
	RuleID     string
	Candidates []string
}

// OverrideParams returns the winning rule's parameter overrides, if any.
func (m *MatchResult) OverrideParams() types.GenerationParams {
	if m.Rule == nil {
		return types.GenerationParams{}
	}
	return m.Rule.OverrideParams
}

// Match evaluates every rule against the features and tenant context and
// selects the satisfied rule with the highest priority, ties broken by
// declaration order. The tenant's cost ceiling is deliberately not consulted
// here; it filters candidates during validation so the matched rule's
// ordering is preserved. When no rule matches, the ruleset default for the
// task type is used; with no default either, NoRuleMatchedError.
//
// Match is a pure function: identical inputs always produce an identical
// result.
func Match(features types.RequestFeatures, tenant types.TenantContext, ruleset *policy.RoutingRuleSet) (*MatchResult, error) {
	env := exprEnv(features, tenant)

	var best *policy.RoutingRule
	for i := range ruleset.Rules {
		rule := &ruleset.Rules[i]
		if !predicateSatisfied(rule.When, features, tenant) {
			continue
		}
		if !rule.EvalExpr(env) {
			continue
		}
		// Strict > keeps the first-declared rule on equal priority.
		if best == nil || rule.Priority > best.Priority {
			best = rule
		}
	}

	if best == nil {
		if id, ok := ruleset.DefaultFor(features.TaskType); ok {
			return &MatchResult{
				RuleID:     "default:" + string(features.TaskType),
				Candidates: []string{id},
			}, nil
		}
		return nil, &NoRuleMatchedError{TaskType: features.TaskType, RuleSetVersion: ruleset.Version}
	}

	return &MatchResult{
		Rule:       best,
		RuleID:     best.ID,
		Candidates: append([]string(nil), best.Models...),
	}, nil
}

func predicateSatisfied(w policy.RulePredicate, f types.RequestFeatures, t types.TenantContext) bool {
	if w.TaskType != nil && *w.TaskType != f.TaskType {
		return false
	}
	if w.Language != nil && *w.Language != f.Language {
		return false
	}
	if w.Complexity != nil && *w.Complexity != f.Complexity {
		return false
	}
	if w.TenantID != nil && *w.TenantID != t.TenantID {
		return false
	}
	if len(w.TenantTiers) > 0 {
		found := false
		for _, tier := range w.TenantTiers {
			if tier == t.Tier {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return w.TokenRange.Contains(f.TokenEstimate)
}

// exprEnv is the environment expression predicates evaluate against.
func exprEnv(f types.RequestFeatures, t types.TenantContext) map[string]any {
	return map[string]any{
		"features": map[string]any{
			"task_type":       string(f.TaskType),
			"token_estimate":  f.TokenEstimate,
			"language":        string(f.Language),
			"complexity":      string(f.Complexity),
			"raw_char_length": f.RawCharLength,
		},
		"tenant": map[string]any{
			"id":           t.TenantID,
			"tier":         string(t.Tier),
			"cost_ceiling": string(t.CostCeiling),
		},
	}
}

// ExpandBackups walks each candidate's declared backup chain and appends
// ids not already present, preserving order. Cycles terminate at the first
// already-seen id. Ids missing from the catalog pass through untouched; the
// validator skips them.
func ExpandBackups(candidates []string, catalog *policy.ModelCatalog) []string {
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for i := 0; i < len(out); i++ {
		model, ok := catalog.Get(out[i])
		if !ok || model.BackupModelID == "" || seen[model.BackupModelID] {
			continue
		}
		seen[model.BackupModelID] = true
		out = append(out, model.BackupModelID)
	}
	return out
}
