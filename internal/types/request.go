package types

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// GenerationParams are the tunable sampling parameters sent with a chat
// attempt. Pointer fields distinguish "unset" from an explicit zero.
// Embedding calls ignore them.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Merge returns a copy of p with any fields set in override replacing the
// corresponding base fields. Neither receiver nor argument is mutated.
func (p GenerationParams) Merge(override GenerationParams) GenerationParams {
	out := p
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	return out
}
