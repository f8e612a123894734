package types

import (
	"time"
)

// AIResponse is the provider output returned to the client.
type AIResponse struct {
	ID       string    `json:"id"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Content  string    `json:"content"`
	Usage    *Usage    `json:"usage,omitempty"`
	Created  time.Time `json:"created"`
}

// Usage reports token consumption for a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CostEstimate breaks down the projected cost of a request.
type CostEstimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
}

// RoutingInfo is attached to chat responses so callers can audit how a
// request was dispatched.
type RoutingInfo struct {
	SelectedProvider string   `json:"selected_provider"`
	SelectedModel    string   `json:"selected_model"`
	CostEstimate     float64  `json:"cost_estimate"`
	Reasoning        []string `json:"reasoning"`
	CacheHit         bool     `json:"cache_hit"`
	SimilarityScore  float64  `json:"similarity_score,omitempty"`
}

// HealthStatus tracks the last observed health of a provider.
type HealthStatus struct {
	Status       string  `json:"status"` // "healthy", "unhealthy", "unknown"
	ResponseTime int64   `json:"response_time_ms"`
	LastChecked  int64   `json:"last_checked"`
	Score        float64 `json:"score"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// ProviderCapabilities describes what a provider can serve.
type ProviderCapabilities struct {
	ProviderName     string      `json:"provider_name"`
	SupportedModels  []ModelInfo `json:"supported_models"`
	Capabilities     []string    `json:"capabilities"`
	MaxContextWindow int         `json:"max_context_window"`
}

// Supports reports whether any configured model carries the capability.
func (c *ProviderCapabilities) Supports(capability string) bool {
	if capability == "" {
		return true
	}
	for _, m := range c.SupportedModels {
		if m.HasCapability(capability) {
			return true
		}
	}
	return false
}
