package routing

import (
	"context"
	"fmt"

	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/provider"
	"github.com/af-corp/rudder/internal/types"
)

// ClientSource resolves a provider client at bind and call time.
type ClientSource interface {
	Get(p types.Provider) (provider.Client, bool)
}

// ModelHandle is an ordered fallback plan captured at selection time, bound
// to its first usable candidate. Chat and Embed reuse that plan: they may
// fail over to the later candidates, but never re-run matching or
// validation, so the plan is stable for the handle's lifetime even if the
// policy snapshot is swapped underneath it.
type ModelHandle struct {
	task       types.TaskType
	plan       []policy.ModelConfig
	params     []types.GenerationParams
	dispatcher *Dispatcher
	clients    ClientSource
}

func newHandle(task types.TaskType, plan []policy.ModelConfig, override types.GenerationParams, dispatcher *Dispatcher, clients ClientSource) *ModelHandle {
	params := make([]types.GenerationParams, len(plan))
	for i, model := range plan {
		params[i] = model.DefaultParams.Merge(override)
	}
	return &ModelHandle{
		task:       task,
		plan:       plan,
		params:     params,
		dispatcher: dispatcher,
		clients:    clients,
	}
}

// Model is the candidate the handle is bound to. A later Chat or Embed may
// still be served by a backup if this one fails.
func (h *ModelHandle) Model() policy.ModelConfig {
	return h.plan[0]
}

// Candidates lists the model ids of the handle's fallback plan in order.
func (h *ModelHandle) Candidates() []string {
	ids := make([]string, len(h.plan))
	for i, m := range h.plan {
		ids[i] = m.ModelID
	}
	return ids
}

// Chat sends the messages through the fallback plan and returns the first
// successful response, annotated with the model that served it and the
// attempt count.
func (h *ModelHandle) Chat(ctx context.Context, messages []types.Message) (*types.ChatResponse, error) {
	if h.task != types.TaskChat {
		return nil, fmt.Errorf("handle was selected for %s requests, not chat", h.task)
	}

	var resp *types.ChatResponse
	res, err := h.dispatcher.Dispatch(ctx, h.plan, func(ctx context.Context, model policy.ModelConfig) (types.Outcome, error) {
		client, ok := h.clients.Get(model.Provider)
		if !ok {
			return types.OutcomeRejected, &UnboundProviderError{Provider: model.Provider, ModelID: model.ModelID}
		}
		out, err := client.Chat(ctx, model.ProviderModelID, messages, h.paramsFor(model.ModelID))
		if err != nil {
			return provider.Classify(err), err
		}
		resp = out
		return types.OutcomeSuccess, nil
	})
	if err != nil {
		return nil, err
	}

	resp.Model = res.Model.ModelID
	resp.Provider = res.Model.Provider
	resp.Attempts = len(res.Attempts)
	return resp, nil
}

// Embed computes an embedding through the fallback plan. Generation
// parameters do not apply to embeddings.
func (h *ModelHandle) Embed(ctx context.Context, text string) (*types.EmbeddingResponse, error) {
	if h.task != types.TaskEmbedding {
		return nil, fmt.Errorf("handle was selected for %s requests, not embedding", h.task)
	}

	var resp *types.EmbeddingResponse
	res, err := h.dispatcher.Dispatch(ctx, h.plan, func(ctx context.Context, model policy.ModelConfig) (types.Outcome, error) {
		client, ok := h.clients.Get(model.Provider)
		if !ok {
			return types.OutcomeRejected, &UnboundProviderError{Provider: model.Provider, ModelID: model.ModelID}
		}
		out, err := client.Embed(ctx, model.ProviderModelID, text)
		if err != nil {
			return provider.Classify(err), err
		}
		resp = out
		return types.OutcomeSuccess, nil
	})
	if err != nil {
		return nil, err
	}

	resp.Model = res.Model.ModelID
	resp.Provider = res.Model.Provider
	resp.Attempts = len(res.Attempts)
	return resp, nil
}

func (h *ModelHandle) paramsFor(modelID string) types.GenerationParams {
	for i, m := range h.plan {
		if m.ModelID == modelID {
			return h.params[i]
		}
	}
	return types.GenerationParams{}
}
