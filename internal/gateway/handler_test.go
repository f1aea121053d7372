package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/af-corp/rudder/internal/admission"
	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/httputil"
	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/provider"
	"github.com/af-corp/rudder/internal/routing"
	"github.com/af-corp/rudder/internal/tenant"
	"github.com/af-corp/rudder/internal/types"
)

const gatewayCatalog = `{
  "version": "gw1",
  "models": [
    {
      "model_id": "chat-main",
      "provider": "anthropic",
      "capability": "chat",
      "provider_model_id": "claude-main",
      "max_context_tokens": 1000,
      "cost_tier": "low",
      "supported_languages": ["english", "multilingual"],
      "backup_model_id": "chat-backup"
    },
    {
      "model_id": "chat-backup",
      "provider": "google",
      "capability": "chat",
      "provider_model_id": "gemini-backup",
      "max_context_tokens": 1000,
      "cost_tier": "low",
      "supported_languages": ["english", "multilingual"]
    },
    {
      "model_id": "chat-pricey",
      "provider": "anthropic",
      "capability": "chat",
      "provider_model_id": "claude-big",
      "max_context_tokens": 200000,
      "cost_tier": "high",
      "supported_languages": ["multilingual"]
    },
    {
      "model_id": "embed-main",
      "provider": "bedrock",
      "capability": "embedding",
      "provider_model_id": "titan-embed",
      "max_embedding_tokens": 512,
      "cost_tier": "low"
    }
  ]
}`

const gatewayRules = `{
  "version": "7",
  "rules": [
    {
      "id": "chat-default",
      "priority": 10,
      "when": {"task_type": "chat"},
      "models": ["chat-main", "chat-pricey"]
    }
  ],
  "defaults": {"chat": "chat-main", "embedding": "embed-main"}
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPolicies struct {
	snap *policy.Snapshot
	err  error
}

func (s *stubPolicies) Snapshot() (*policy.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.snap, nil
}

type fakeClient struct {
	name  types.Provider
	fail  []error
	calls int
}

func (f *fakeClient) Name() types.Provider { return f.name }

func (f *fakeClient) next() error {
	f.calls++
	if len(f.fail) == 0 {
		return nil
	}
	err := f.fail[0]
	f.fail = f.fail[1:]
	return err
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.ChatResponse, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &types.ChatResponse{
		Model:    model,
		Provider: f.name,
		Choices: []types.Choice{{
			Message:      types.Message{Role: "assistant", Content: "pong"},
			FinishReason: "stop",
		}},
		Usage: types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeClient) Embed(ctx context.Context, model string, text string) (*types.EmbeddingResponse, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &types.EmbeddingResponse{
		Model:     model,
		Provider:  f.name,
		Embedding: []float64{0.1, 0.2, 0.3},
		Usage:     types.Usage{PromptTokens: 4, TotalTokens: 4},
	}, nil
}

func throttled(p types.Provider) error {
	return &provider.CallError{Provider: p, Outcome: types.OutcomeThrottled, Status: 429, Message: "slow down"}
}

func testSnapshot(t *testing.T) *policy.Snapshot {
	t.Helper()
	catalog, err := policy.ParseCatalog([]byte(gatewayCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	rules, err := policy.ParseRuleSet([]byte(gatewayRules))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	return &policy.Snapshot{Catalog: catalog, Rules: rules, LoadedAt: time.Now()}
}

func newTestHandler(t *testing.T, adm *admission.Evaluator, clients ...provider.Client) *Handler {
	t.Helper()

	pol := &stubPolicies{snap: testSnapshot(t)}
	registry := provider.NewRegistry()
	for _, c := range clients {
		registry.Register(c)
	}

	extractor := routing.NewExtractor(config.ExtractorConfig{
		EnglishCharsPerToken: 4,
		DefaultCharsPerToken: 2,
		DeepTokenThreshold:   250,
	}, nil)
	dispatcher := routing.NewDispatcher(config.DispatchConfig{
		BaseDelayMs:        1,
		MaxDelayMs:         5,
		MaxRetriesPerModel: 2,
	}, testLogger())
	router := routing.NewRouter(pol, extractor, dispatcher, registry, testLogger())

	return NewHandler(router, pol, adm, nil)
}

func standardTenant() *tenant.Tenant {
	return &tenant.Tenant{
		KeyID:       "key-1",
		TenantID:    "acme",
		Tier:        types.TierStandard,
		CostCeiling: types.CostLow,
	}
}

func doRequest(h http.HandlerFunc, tn *tenant.Tenant, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if tn != nil {
		req = req.WithContext(tenant.NewContext(req.Context(), tn))
	}
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-test")
	h(rec, req)
	return rec
}

func TestChatCompletions_Success(t *testing.T) {
	h := newTestHandler(t, nil,
		&fakeClient{name: types.ProviderAnthropic},
		&fakeClient{name: types.ProviderGoogle},
	)

	rec := doRequest(h.ChatCompletions, standardTenant(), http.MethodPost, "/v1/chat/completions",
		`{"model": "auto", "messages": [{"role": "user", "content": "ping"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Model != "chat-main" {
		t.Errorf("model = %q, want chat-main", resp.Model)
	}
	if resp.Provider != types.ProviderAnthropic {
		t.Errorf("provider = %q", resp.Provider)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", resp.Attempts)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "pong" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestChatCompletions_FailoverToBackup(t *testing.T) {
	// chat-main exhausts its retry budget; the backup chain supplies
	// chat-backup on google. chat-pricey is dropped by the low ceiling.
	h := newTestHandler(t, nil,
		&fakeClient{name: types.ProviderAnthropic, fail: []error{
			throttled(types.ProviderAnthropic),
			throttled(types.ProviderAnthropic),
		}},
		&fakeClient{name: types.ProviderGoogle},
	)

	rec := doRequest(h.ChatCompletions, standardTenant(), http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role": "user", "content": "ping"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp chatCompletionResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Model != "chat-backup" {
		t.Errorf("model = %q, want chat-backup", resp.Model)
	}
	if resp.Provider != types.ProviderGoogle {
		t.Errorf("provider = %q, want google", resp.Provider)
	}
	if resp.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", resp.Attempts)
	}
}

func TestChatCompletions_NotAuthenticated(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderAnthropic})

	rec := doRequest(h.ChatCompletions, nil, http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role": "user", "content": "ping"}]}`)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestChatCompletions_InvalidJSON(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderAnthropic})

	rec := doRequest(h.ChatCompletions, standardTenant(), http.MethodPost, "/v1/chat/completions",
		`{"messages": [`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestChatCompletions_MissingMessages(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderAnthropic})

	rec := doRequest(h.ChatCompletions, standardTenant(), http.MethodPost, "/v1/chat/completions",
		`{"model": "auto"}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestChatCompletions_UnrecognizedHint(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderAnthropic})

	rec := doRequest(h.ChatCompletions, standardTenant(), http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role": "user", "content": "ping"}], "language": "klingon"}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestChatCompletions_TokenOverflow(t *testing.T) {
	h := newTestHandler(t, nil,
		&fakeClient{name: types.ProviderAnthropic},
		&fakeClient{name: types.ProviderGoogle},
	)

	// 6000 english chars estimate to 1500 tokens, past every low-tier
	// context window; chat-pricey would fit but sits above the ceiling.
	big := strings.Repeat("a", 6000)
	rec := doRequest(h.ChatCompletions, standardTenant(), http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role": "user", "content": "`+big+`"}]}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}

	var apiErr httputil.APIError
	json.Unmarshal(rec.Body.Bytes(), &apiErr)
	if apiErr.Error.Code != "no_eligible_model" {
		t.Errorf("code = %q", apiErr.Error.Code)
	}
}

func TestChatCompletions_AllThrottled(t *testing.T) {
	h := newTestHandler(t, nil,
		&fakeClient{name: types.ProviderAnthropic, fail: []error{
			throttled(types.ProviderAnthropic),
			throttled(types.ProviderAnthropic),
		}},
		&fakeClient{name: types.ProviderGoogle, fail: []error{
			throttled(types.ProviderGoogle),
			throttled(types.ProviderGoogle),
		}},
	)

	rec := doRequest(h.ChatCompletions, standardTenant(), http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role": "user", "content": "ping"}]}`)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on throttle dominated exhaustion")
	}

	var apiErr httputil.APIError
	json.Unmarshal(rec.Body.Bytes(), &apiErr)
	if apiErr.Error.Code != "models_exhausted" {
		t.Errorf("code = %q", apiErr.Error.Code)
	}
}

func TestChatCompletions_AdmissionDenied(t *testing.T) {
	adm := admission.NewEvaluator(func() config.AdmissionConfig {
		return config.AdmissionConfig{Enabled: true, EvaluationTimeout: 100 * time.Millisecond}
	})
	denyAll := `
package rudder.admission

import rego.v1

allow := false
reason := "maintenance window"
`
	if err := adm.LoadFromModules(map[string]string{"deny.rego": denyAll}); err != nil {
		t.Fatalf("load policy: %v", err)
	}

	h := newTestHandler(t, adm, &fakeClient{name: types.ProviderAnthropic})

	rec := doRequest(h.ChatCompletions, standardTenant(), http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role": "user", "content": "ping"}]}`)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}

	var apiErr httputil.APIError
	json.Unmarshal(rec.Body.Bytes(), &apiErr)
	if apiErr.Error.Code != "request_denied" {
		t.Errorf("code = %q", apiErr.Error.Code)
	}
	if !strings.Contains(apiErr.Error.Message, "maintenance window") {
		t.Errorf("message = %q", apiErr.Error.Message)
	}
}

func TestEmbeddings_Success(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderBedrock})

	rec := doRequest(h.Embeddings, standardTenant(), http.MethodPost, "/v1/embeddings",
		`{"input": "hello world"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp embeddingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Object != "list" {
		t.Errorf("object = %q", resp.Object)
	}
	if resp.Model != "embed-main" {
		t.Errorf("model = %q, want embed-main", resp.Model)
	}
	if resp.Provider != types.ProviderBedrock {
		t.Errorf("provider = %q", resp.Provider)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 3 {
		t.Errorf("data = %+v", resp.Data)
	}
}

func TestEmbeddings_ArrayInput(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderBedrock})

	rec := doRequest(h.Embeddings, standardTenant(), http.MethodPost, "/v1/embeddings",
		`{"input": ["hello world"]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for single-element array, got %d", rec.Code)
	}

	rec = doRequest(h.Embeddings, standardTenant(), http.MethodPost, "/v1/embeddings",
		`{"input": ["one", "two"]}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for batch input, got %d", rec.Code)
	}
}

func TestEmbeddings_MissingInput(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderBedrock})

	rec := doRequest(h.Embeddings, standardTenant(), http.MethodPost, "/v1/embeddings", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestListModels_CeilingFiltered(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderAnthropic})

	rec := doRequest(h.ListModels, standardTenant(), http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp modelListResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	ids := make(map[string]bool)
	for _, m := range resp.Data {
		ids[m.ID] = true
	}
	if !ids["chat-main"] || !ids["chat-backup"] || !ids["embed-main"] {
		t.Errorf("low ceiling should list low models, got %v", ids)
	}
	if ids["chat-pricey"] {
		t.Error("low ceiling must not list a high-tier model")
	}

	premium := standardTenant()
	premium.Tier = types.TierPremium
	premium.CostCeiling = types.CostHigh

	rec = doRequest(h.ListModels, premium, http.MethodGet, "/v1/models", "")
	resp = modelListResponse{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Data) != 4 {
		t.Errorf("high ceiling should list all 4 models, got %d", len(resp.Data))
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, nil, &fakeClient{name: types.ProviderAnthropic})

	rec := doRequest(h.Health, nil, http.MethodGet, "/internal/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["snapshot_version"] != "gw1+7" {
		t.Errorf("snapshot_version = %v", body["snapshot_version"])
	}
}

func TestHealth_NoSnapshot(t *testing.T) {
	pol := &stubPolicies{err: &policy.ConfigUnavailableError{Reason: "no policy snapshot loaded"}}
	h := &Handler{policies: pol}

	rec := doRequest(h.Health, nil, http.MethodGet, "/internal/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "degraded" {
		t.Errorf("status = %v", body["status"])
	}
}
