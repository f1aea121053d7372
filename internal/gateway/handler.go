package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/af-corp/rudder/internal/admission"
	"github.com/af-corp/rudder/internal/httputil"
	"github.com/af-corp/rudder/internal/routing"
	"github.com/af-corp/rudder/internal/telemetry"
	"github.com/af-corp/rudder/internal/tenant"
	"github.com/af-corp/rudder/internal/types"
)

// Handler holds dependencies for the router HTTP handlers.
type Handler struct {
	router    *routing.Router
	policies  routing.PolicyReader
	admission *admission.Evaluator
	metrics   *telemetry.Metrics
}

func NewHandler(router *routing.Router, policies routing.PolicyReader, adm *admission.Evaluator, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		router:    router,
		policies:  policies,
		admission: adm,
		metrics:   metrics,
	}
}

// chatRequest is the OpenAI-shaped body for POST /v1/chat/completions. The
// model field is accepted for client compatibility and ignored: routing
// policy owns model choice. Optional hint fields override extraction.
type chatRequest struct {
	Model         string          `json:"model"`
	Messages      []types.Message `json:"messages"`
	Language      string          `json:"language,omitempty"`
	Complexity    string          `json:"complexity,omitempty"`
	TokenEstimate int             `json:"token_estimate,omitempty"`
}

type chatCompletionResponse struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Created  int64          `json:"created"`
	Model    string         `json:"model"`
	Provider types.Provider `json:"provider"`
	Choices  []types.Choice `json:"choices"`
	Usage    types.Usage    `json:"usage"`
	Attempts int            `json:"attempts,omitempty"`
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	tn, ok := tenant.FromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		httputil.WriteBadRequestError(w, reqID, "messages is required")
		return
	}

	hints, err := parseHints(types.TaskChat, req.Language, req.Complexity, req.TokenEstimate)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	features := h.router.Extract(promptText(req.Messages), hints)
	tc := tn.Context()

	if !h.admit(w, r, reqID, tn, features) {
		return
	}

	handle, err := h.router.Select(r.Context(), features, tc)
	if err != nil {
		h.writeFailure(w, reqID, tn, features.TaskType, receivedAt, err)
		return
	}

	resp, err := handle.Chat(r.Context(), req.Messages)
	if err != nil {
		h.writeFailure(w, reqID, tn, features.TaskType, receivedAt, err)
		return
	}

	totalDuration := time.Since(receivedAt)

	slog.Info("request completed",
		"request_id", reqID,
		"task", "chat",
		"model_served", resp.Model,
		"provider", resp.Provider,
		"attempts", resp.Attempts,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", totalDuration.Milliseconds(),
		"status_code", http.StatusOK,
		"tenant_id", tn.TenantID,
		"tier", string(tn.Tier),
	)

	if h.metrics != nil {
		h.metrics.RecordRequest(telemetry.RequestLabels{
			Tenant:           tn.TenantID,
			Tier:             string(tn.Tier),
			Task:             "chat",
			Model:            resp.Model,
			Provider:         string(resp.Provider),
			Status:           "200",
			DurationMs:       float64(totalDuration.Milliseconds()),
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatCompletionResponse{
		ID:       "chatcmpl-" + reqID,
		Object:   "chat.completion",
		Created:  receivedAt.Unix(),
		Model:    resp.Model,
		Provider: resp.Provider,
		Choices:  resp.Choices,
		Usage:    resp.Usage,
		Attempts: resp.Attempts,
	})
}

// embeddingRequest is the OpenAI-shaped body for POST /v1/embeddings. Input
// may be a JSON string or a single-element array of strings.
type embeddingRequest struct {
	Model    string          `json:"model"`
	Input    json.RawMessage `json:"input"`
	Language string          `json:"language,omitempty"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingsResponse struct {
	Object   string          `json:"object"`
	Data     []embeddingData `json:"data"`
	Model    string          `json:"model"`
	Provider types.Provider  `json:"provider"`
	Usage    types.Usage     `json:"usage"`
	Attempts int             `json:"attempts,omitempty"`
}

// Embeddings handles POST /v1/embeddings
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	tn, ok := tenant.FromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	text, err := decodeEmbeddingInput(req.Input)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	hints, err := parseHints(types.TaskEmbedding, req.Language, "", 0)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	features := h.router.Extract(text, hints)
	tc := tn.Context()

	if !h.admit(w, r, reqID, tn, features) {
		return
	}

	handle, err := h.router.Select(r.Context(), features, tc)
	if err != nil {
		h.writeFailure(w, reqID, tn, features.TaskType, receivedAt, err)
		return
	}

	resp, err := handle.Embed(r.Context(), text)
	if err != nil {
		h.writeFailure(w, reqID, tn, features.TaskType, receivedAt, err)
		return
	}

	totalDuration := time.Since(receivedAt)

	slog.Info("request completed",
		"request_id", reqID,
		"task", "embedding",
		"model_served", resp.Model,
		"provider", resp.Provider,
		"attempts", resp.Attempts,
		"duration_ms", totalDuration.Milliseconds(),
		"status_code", http.StatusOK,
		"tenant_id", tn.TenantID,
		"tier", string(tn.Tier),
	)

	if h.metrics != nil {
		h.metrics.RecordRequest(telemetry.RequestLabels{
			Tenant:       tn.TenantID,
			Tier:         string(tn.Tier),
			Task:         "embedding",
			Model:        resp.Model,
			Provider:     string(resp.Provider),
			Status:       "200",
			DurationMs:   float64(totalDuration.Milliseconds()),
			PromptTokens: resp.Usage.PromptTokens,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(embeddingsResponse{
		Object:   "list",
		Data:     []embeddingData{{Object: "embedding", Embedding: resp.Embedding, Index: 0}},
		Model:    resp.Model,
		Provider: resp.Provider,
		Usage:    resp.Usage,
		Attempts: resp.Attempts,
	})
}

// ListModels handles GET /v1/models. Only models the tenant's cost ceiling
// admits are listed.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	tn, ok := tenant.FromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	snap, err := h.policies.Snapshot()
	if err != nil {
		httputil.WriteRoutingError(w, reqID, err)
		return
	}

	ceiling := tn.CostCeiling
	if ceiling == "" {
		ceiling = types.CostHigh
	}

	models := []modelObject{}
	for _, m := range snap.Catalog.Models() {
		if !ceiling.Allows(m.CostTier) {
			continue
		}
		models = append(models, modelObject{
			ID:         m.ModelID,
			Object:     "model",
			Created:    snap.LoadedAt.Unix(),
			OwnedBy:    string(m.Provider),
			Capability: string(m.Capability),
			CostTier:   string(m.CostTier),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(modelListResponse{
		Object: "list",
		Data:   models,
	})
}

// Health handles GET /internal/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	snap, err := h.policies.Snapshot()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "degraded",
			"reason": "no policy snapshot loaded",
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"snapshot_version": snap.Version(),
		"models":           snap.Catalog.Len(),
		"rules":            len(snap.Rules.Rules),
		"loaded_at":        snap.LoadedAt.UTC().Format(time.RFC3339),
	})
}

// admit runs the admission gate. A denial writes the response and returns
// false.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, reqID string, tn *tenant.Tenant, features types.RequestFeatures) bool {
	if h.admission == nil {
		return true
	}
	decision := h.admission.Check(r.Context(), tn.Context(), features)
	if decision.Allowed {
		return true
	}

	slog.Warn("request denied by admission policy",
		"request_id", reqID,
		"tenant_id", tn.TenantID,
		"tier", string(tn.Tier),
		"reason", decision.Reason,
	)
	if h.metrics != nil {
		h.metrics.RecordAdmissionDenied(string(tn.Tier))
	}
	httputil.WriteAdmissionError(w, reqID, "Request denied by policy: "+decision.Reason)
	return false
}

// writeFailure renders a selection or dispatch error and records it.
func (h *Handler) writeFailure(w http.ResponseWriter, reqID string, tn *tenant.Tenant, task types.TaskType, receivedAt time.Time, err error) {
	status, _, code := httputil.RoutingStatus(err)

	slog.Warn("request failed",
		"request_id", reqID,
		"task", string(task),
		"status_code", status,
		"code", code,
		"error", err,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
		"tenant_id", tn.TenantID,
	)

	if h.metrics != nil {
		h.metrics.RecordRequest(telemetry.RequestLabels{
			Tenant:     tn.TenantID,
			Tier:       string(tn.Tier),
			Task:       string(task),
			Model:      "none",
			Provider:   "none",
			Status:     strconv.Itoa(status),
			DurationMs: float64(time.Since(receivedAt).Milliseconds()),
		})
	}

	httputil.WriteRoutingError(w, reqID, err)
}

// promptText flattens message contents into the text the feature extractor
// measures.
func promptText(messages []types.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func parseHints(task types.TaskType, language, complexity string, tokens int) (types.Hints, error) {
	hints := types.Hints{TaskType: task, TokenEstimate: tokens}

	switch language {
	case "":
	case string(types.LangEnglish), string(types.LangMultilingual), string(types.LangUnknown):
		hints.Language = types.Language(language)
	default:
		return hints, fmt.Errorf("unrecognized language hint %q", language)
	}

	switch complexity {
	case "":
	case string(types.ComplexityShallow), string(types.ComplexityDeep):
		hints.Complexity = types.Complexity(complexity)
	default:
		return hints, fmt.Errorf("unrecognized complexity hint %q", complexity)
	}

	if tokens < 0 {
		return hints, fmt.Errorf("token_estimate hint must not be negative")
	}
	return hints, nil
}

// decodeEmbeddingInput accepts a JSON string or a single-element string
// array, matching what OpenAI embedding clients send.
func decodeEmbeddingInput(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("input is required")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("input must not be empty")
		}
		return s, nil
	}

	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		switch len(arr) {
		case 0:
			return "", fmt.Errorf("input must not be empty")
		case 1:
			return arr[0], nil
		default:
			return "", fmt.Errorf("batch embedding input is not supported; send one input per request")
		}
	}

	return "", fmt.Errorf("input must be a string or an array with one string")
}

type modelObject struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	OwnedBy    string `json:"owned_by"`
	Capability string `json:"capability"`
	CostTier   string `json:"cost_tier"`
}

type modelListResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}
