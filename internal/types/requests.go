package types

import (
	"time"
)

// AIRequest is a single inbound gateway request. It is immutable after
// creation; its lifetime is one request/response cycle or one queued job.
type AIRequest struct {
	ID                 string                 `json:"id"`
	Prompt             string                 `json:"prompt"`
	Context            map[string]interface{} `json:"context,omitempty"`
	RoutingPreferences *RoutingPreferences    `json:"routing_preferences,omitempty"`
	CostConstraints    *CostConstraints       `json:"cost_constraints,omitempty"`
	UserID             string                 `json:"user_id,omitempty"`
	OrganizationID     string                 `json:"organization_id,omitempty"`
	SystemSource       string                 `json:"system_source,omitempty"`
	MaxTokens          *int                   `json:"max_tokens,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`
}

// RoutingPreferences carries client hints for provider selection.
type RoutingPreferences struct {
	Provider           string `json:"provider,omitempty"`
	Model              string `json:"model,omitempty"`
	RequiredCapability string `json:"required_capability,omitempty"`
}

// CostConstraints limits how much a single request may spend.
type CostConstraints struct {
	MaxCost float64 `json:"max_cost"`
}

// BatchRequest is the body of a batch submission.
type BatchRequest struct {
	Requests []*AIRequest `json:"requests"`
	Priority string       `json:"priority,omitempty"`
	Async    bool         `json:"async,omitempty"`
}

// ModelInfo describes a configured model and its pricing.
type ModelInfo struct {
	Name             string   `yaml:"name" json:"name"`
	ProviderModelID  string   `yaml:"provider_model_id" json:"provider_model_id"`
	InputCostPer1K   float64  `yaml:"input_cost_per_1k" json:"input_cost_per_1k"`
	OutputCostPer1K  float64  `yaml:"output_cost_per_1k" json:"output_cost_per_1k"`
	MaxContextWindow int      `yaml:"max_context_window" json:"max_context_window"`
	MaxOutputTokens  int      `yaml:"max_output_tokens" json:"max_output_tokens"`
	Capabilities     []string `yaml:"capabilities" json:"capabilities,omitempty"`
}

// HasCapability reports whether the model advertises the given capability.
func (m *ModelInfo) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
