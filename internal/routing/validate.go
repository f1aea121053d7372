package routing

import (
	"fmt"

	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/types"
)

// Validate filters candidates that cannot serve the request: wrong
// capability, token overflow, unsupported language, or a cost tier above
// the tenant's ceiling. Relative order of survivors is preserved. Candidate
// ids absent from the catalog are skipped. An empty result is
// NoEligibleModelError carrying the reason each candidate was dropped.
//
// The language check is asymmetric: a multilingual model serves english
// requests, but an english-only model never serves multilingual (or
// unknown) ones.
func Validate(candidates []string, features types.RequestFeatures, tenant types.TenantContext, catalog *policy.ModelCatalog) ([]policy.ModelConfig, error) {
	ceiling := tenant.CostCeiling
	if ceiling == "" {
		// An absent ceiling means the caller declared no budget limit.
		ceiling = types.CostHigh
	}

	eligible := make([]policy.ModelConfig, 0, len(candidates))
	var dropped []DroppedCandidate
	drop := func(id, reason string) {
		dropped = append(dropped, DroppedCandidate{ModelID: id, Reason: reason})
	}

	for _, id := range candidates {
		model, ok := catalog.Get(id)
		if !ok {
			drop(id, "not in catalog")
			continue
		}
		if model.Capability != features.TaskType {
			drop(id, fmt.Sprintf("capability %s, request needs %s", model.Capability, features.TaskType))
			continue
		}
		if limit, over := tokenOverflow(model, features); over {
			drop(id, fmt.Sprintf("token estimate %d exceeds limit %d", features.TokenEstimate, limit))
			continue
		}
		if !servesLanguage(model, features.Language) {
			drop(id, fmt.Sprintf("does not support language %s", features.Language))
			continue
		}
		if !ceiling.Allows(model.CostTier) {
			drop(id, fmt.Sprintf("cost tier %s above ceiling %s", model.CostTier, ceiling))
			continue
		}
		eligible = append(eligible, model)
	}

	if len(eligible) == 0 {
		return nil, &NoEligibleModelError{TaskType: features.TaskType, Dropped: dropped}
	}
	return eligible, nil
}

func tokenOverflow(model policy.ModelConfig, features types.RequestFeatures) (int, bool) {
	limit := model.MaxContextTokens
	if features.TaskType == types.TaskEmbedding {
		limit = model.MaxEmbeddingTokens
	}
	return limit, features.TokenEstimate > limit
}

func servesLanguage(model policy.ModelConfig, lang types.Language) bool {
	if lang == types.LangEnglish {
		return model.DeclaresLanguage(types.LangEnglish) || model.DeclaresLanguage(types.LangMultilingual)
	}
	return model.DeclaresLanguage(types.LangMultilingual)
}
