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

// GoogleClient speaks the Gemini REST API (generateContent for chat,
// embedContent for embeddings).
type GoogleClient struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewGoogleClient(cfg config.ProviderConfig, client *http.Client) *GoogleClient {
	return &GoogleClient{cfg: cfg, client: client}
}

func (g *GoogleClient) Name() types.Provider { return types.ProviderGoogle }

func (g *GoogleClient) Chat(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.ChatResponse, error) {
	// Gemini carries system prompts in a dedicated field and names the
	// assistant role "model".
	var system *geminiContent
	var contents []geminiContent
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	body := geminiGenerateRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: geminiGenerationConfig{
			Temperature:     params.Temperature,
			TopP:            params.TopP,
			MaxOutputTokens: params.MaxTokens,
		},
	}

	raw, err := g.post(ctx, fmt.Sprintf("/models/%s:generateContent", model), body)
	if err != nil {
		return nil, err
	}

	var genResp geminiGenerateResponse
	if err := json.Unmarshal(raw, &genResp); err != nil {
		return nil, transportError(types.ProviderGoogle, fmt.Errorf("unmarshal gemini response: %w", err))
	}

	var content string
	var finish string
	if len(genResp.Candidates) > 0 {
		cand := genResp.Candidates[0]
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				content = part.Text
				break
			}
		}
		finish = mapGeminiFinishReason(cand.FinishReason)
	}

	return &types.ChatResponse{
		Model:    model,
		Provider: types.ProviderGoogle,
		Choices: []types.Choice{
			{
				Index: 0,
				Message: types.Message{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: finish,
			},
		},
		Usage: types.Usage{
			PromptTokens:     genResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: genResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      genResp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func (g *GoogleClient) Embed(ctx context.Context, model string, text string) (*types.EmbeddingResponse, error) {
	body := geminiEmbedRequest{
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	}

	raw, err := g.post(ctx, fmt.Sprintf("/models/%s:embedContent", model), body)
	if err != nil {
		return nil, err
	}

	var embResp geminiEmbedResponse
	if err := json.Unmarshal(raw, &embResp); err != nil {
		return nil, transportError(types.ProviderGoogle, fmt.Errorf("unmarshal gemini embedding: %w", err))
	}

	return &types.EmbeddingResponse{
		Model:     model,
		Provider:  types.ProviderGoogle,
		Embedding: embResp.Embedding.Values,
	}, nil
}

func (g *GoogleClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, transportError(types.ProviderGoogle, fmt.Errorf("marshal gemini request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, transportError(types.ProviderGoogle, fmt.Errorf("create http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.cfg.APIKey)
	for k, v := range g.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, transportError(types.ProviderGoogle, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(types.ProviderGoogle, fmt.Errorf("read gemini response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, googleError(resp.StatusCode, raw)
	}
	return raw, nil
}

// googleError prefers the structured status Gemini returns over raw status
// code mapping. RESOURCE_EXHAUSTED is quota pressure regardless of code.
func googleError(status int, body []byte) *CallError {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Status == "RESOURCE_EXHAUSTED" {
		return &CallError{
			Provider: types.ProviderGoogle,
			Outcome:  types.OutcomeThrottled,
			Status:   status,
			Message:  envelope.Error.Message,
		}
	}
	return httpError(types.ProviderGoogle, status, string(body))
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return reason
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiGenerateRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiEmbedRequest struct {
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}
