package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/types"
)

// PolicyReader supplies the current policy snapshot. One snapshot is taken
// per cycle so catalog and rules are always a matched pair, even while the
// store swaps them underneath.
type PolicyReader interface {
	Snapshot() (*policy.Snapshot, error)
}

// Router is the caller-facing selection surface: extract features, match a
// rule, validate candidates, bind a handle.
type Router struct {
	store      PolicyReader
	extractor  *Extractor
	dispatcher *Dispatcher
	clients    ClientSource
	logger     *slog.Logger

	// OnDecision observes each successful selection for metrics when set.
	OnDecision func(ruleID, modelID string, task types.TaskType, elapsed time.Duration)
}

func NewRouter(store PolicyReader, extractor *Extractor, dispatcher *Dispatcher, clients ClientSource, logger *slog.Logger) *Router {
	return &Router{
		store:      store,
		extractor:  extractor,
		dispatcher: dispatcher,
		clients:    clients,
		logger:     logger.With("component", "router"),
	}
}

// Extract derives request features without routing. Callers that need the
// features before selection (admission checks, logging) use this and then
// pass the result to Select.
func (r *Router) Extract(text string, hints types.Hints) types.RequestFeatures {
	return r.extractor.Extract(text, hints)
}

// SelectModel runs the full pipeline for raw text and returns a bound
// handle or a typed failure.
func (r *Router) SelectModel(ctx context.Context, text string, tenant types.TenantContext, hints types.Hints) (*ModelHandle, error) {
	return r.Select(ctx, r.extractor.Extract(text, hints), tenant)
}

// Select matches, validates, and binds for already-extracted features.
//
// Binding walks the validated candidates through the dispatch cycle with a
// client-resolution attempt: a candidate whose provider has no configured
// client is rejected and the cycle advances, so no provider traffic is sent
// at selection time. The handle's plan starts at the bound candidate and
// keeps everything after it for failover.
func (r *Router) Select(ctx context.Context, features types.RequestFeatures, tenant types.TenantContext) (*ModelHandle, error) {
	started := time.Now()

	snap, err := r.store.Snapshot()
	if err != nil {
		return nil, err
	}

	match, err := Match(features, tenant, snap.Rules)
	if err != nil {
		return nil, err
	}

	candidates := ExpandBackups(match.Candidates, snap.Catalog)
	eligible, err := Validate(candidates, features, tenant, snap.Catalog)
	if err != nil {
		return nil, err
	}

	res, err := r.dispatcher.Dispatch(ctx, eligible, func(ctx context.Context, model policy.ModelConfig) (types.Outcome, error) {
		if _, ok := r.clients.Get(model.Provider); !ok {
			return types.OutcomeRejected, &UnboundProviderError{Provider: model.Provider, ModelID: model.ModelID}
		}
		return types.OutcomeSuccess, nil
	})
	if err != nil {
		return nil, err
	}

	plan := eligible
	for i, model := range eligible {
		if model.ModelID == res.Model.ModelID {
			plan = eligible[i:]
			break
		}
	}

	handle := newHandle(features.TaskType, plan, match.OverrideParams(), r.dispatcher, r.clients)

	elapsed := time.Since(started)
	r.logger.Debug("model selected",
		"rule_id", match.RuleID,
		"model_id", res.Model.ModelID,
		"candidates", handle.Candidates(),
		"task_type", features.TaskType,
		"tenant_id", tenant.TenantID,
		"snapshot", snap.Version(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	if r.OnDecision != nil {
		r.OnDecision(match.RuleID, res.Model.ModelID, features.TaskType, elapsed)
	}
	return handle, nil
}
