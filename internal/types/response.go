package types

// ChatResponse is the canonical shape every chat-capable provider client
// returns. Provider-native response formats are converted into this type at
// the client boundary.
type ChatResponse struct {
	RequestID string   `json:"request_id,omitempty"`
	Model     string   `json:"model"`
	Provider  Provider `json:"provider"`
	Choices   []Choice `json:"choices"`
	Usage     Usage    `json:"usage"`
	Attempts  int      `json:"attempts,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingResponse is the canonical shape every embedding-capable provider
// client returns.
type EmbeddingResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	Model     string    `json:"model"`
	Provider  Provider  `json:"provider"`
	Embedding []float64 `json:"embedding"`
	Usage     Usage     `json:"usage"`
	Attempts  int       `json:"attempts,omitempty"`
}
