package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/types"
)

// OpenAICompatClient serves catalog entries whose provider is "other": any
// backend exposing OpenAI-shaped /chat/completions and /embeddings routes
// behind a configured base URL.
type OpenAICompatClient struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewOpenAICompatClient(cfg config.ProviderConfig, client *http.Client) *OpenAICompatClient {
	return &OpenAICompatClient{cfg: cfg, client: client}
}

func (o *OpenAICompatClient) Name() types.Provider { return types.ProviderOther }

func (o *OpenAICompatClient) Chat(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.ChatResponse, error) {
	body := openAIChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		TopP:        params.TopP,
	}

	raw, err := o.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var oaiResp openAIChatResponse
	if err := json.Unmarshal(raw, &oaiResp); err != nil {
		return nil, transportError(types.ProviderOther, fmt.Errorf("unmarshal chat response: %w", err))
	}

	resp := &types.ChatResponse{
		Model:    oaiResp.Model,
		Provider: types.ProviderOther,
		Usage: types.Usage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}
	for _, c := range oaiResp.Choices {
		resp.Choices = append(resp.Choices, types.Choice{
			Index: c.Index,
			Message: types.Message{
				Role:    c.Message.Role,
				Content: c.Message.Content,
			},
			FinishReason: c.FinishReason,
		})
	}
	return resp, nil
}

func (o *OpenAICompatClient) Embed(ctx context.Context, model string, text string) (*types.EmbeddingResponse, error) {
	body := openAIEmbeddingRequest{
		Model: model,
		Input: text,
	}

	raw, err := o.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}

	var embResp openAIEmbeddingResponse
	if err := json.Unmarshal(raw, &embResp); err != nil {
		return nil, transportError(types.ProviderOther, fmt.Errorf("unmarshal embedding response: %w", err))
	}
	if len(embResp.Data) == 0 {
		return nil, transportError(types.ProviderOther, fmt.Errorf("embedding response contained no data"))
	}

	return &types.EmbeddingResponse{
		Model:     embResp.Model,
		Provider:  types.ProviderOther,
		Embedding: embResp.Data[0].Embedding,
		Usage: types.Usage{
			PromptTokens: embResp.Usage.PromptTokens,
			TotalTokens:  embResp.Usage.TotalTokens,
		},
	}, nil
}

func (o *OpenAICompatClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, transportError(types.ProviderOther, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, transportError(types.ProviderOther, fmt.Errorf("create http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	for k, v := range o.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, transportError(types.ProviderOther, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(types.ProviderOther, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(types.ProviderOther, resp.StatusCode, string(raw))
	}
	return raw, nil
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      types.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}
