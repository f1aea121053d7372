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

const defaultAnthropicVersion = "2023-06-01"

// AnthropicClient speaks the Anthropic Messages API. Anthropic has no
// embeddings endpoint, so Embed classifies as rejected.
type AnthropicClient struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewAnthropicClient(cfg config.ProviderConfig, client *http.Client) *AnthropicClient {
	return &AnthropicClient{cfg: cfg, client: client}
}

func (a *AnthropicClient) Name() types.Provider { return types.ProviderAnthropic }

func (a *AnthropicClient) Chat(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.ChatResponse, error) {
	// Convert canonical messages to Anthropic format: system prompts travel
	// in a dedicated field, not the message list.
	var system string
	var antMessages []anthropicMessage
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		antMessages = append(antMessages, anthropicMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	// Anthropic requires max_tokens
	maxTokens := 4096
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}

	body := anthropicRequestBody{
		Model:       model,
		Messages:    antMessages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, transportError(types.ProviderAnthropic, fmt.Errorf("marshal anthropic request: %w", err))
	}

	url := a.cfg.BaseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, transportError(types.ProviderAnthropic, fmt.Errorf("create http request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	version := a.cfg.APIVersion
	if version == "" {
		version = defaultAnthropicVersion
	}
	httpReq.Header.Set("anthropic-version", version)
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(types.ProviderAnthropic, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(types.ProviderAnthropic, fmt.Errorf("read anthropic response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(types.ProviderAnthropic, resp.StatusCode, string(raw))
	}

	var antResp anthropicResponseBody
	if err := json.Unmarshal(raw, &antResp); err != nil {
		return nil, transportError(types.ProviderAnthropic, fmt.Errorf("unmarshal anthropic response: %w", err))
	}

	var content string
	for _, block := range antResp.Content {
		if block.Type == "text" {
			content = block.Text
			break
		}
	}

	return &types.ChatResponse{
		Model:    antResp.Model,
		Provider: types.ProviderAnthropic,
		Choices: []types.Choice{
			{
				Index: 0,
				Message: types.Message{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: mapAnthropicStopReason(antResp.StopReason),
			},
		},
		Usage: types.Usage{
			PromptTokens:     antResp.Usage.InputTokens,
			CompletionTokens: antResp.Usage.OutputTokens,
			TotalTokens:      antResp.Usage.InputTokens + antResp.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicClient) Embed(ctx context.Context, model string, text string) (*types.EmbeddingResponse, error) {
	return nil, rejectedError(types.ProviderAnthropic, "anthropic does not expose an embeddings endpoint")
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

type anthropicResponseBody struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
