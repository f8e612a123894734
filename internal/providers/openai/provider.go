package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Provider implements providers.Provider for OpenAI.
type Provider struct {
	client *openai.Client
	config *Config
	logger *logrus.Logger
}

// Config holds OpenAI-specific configuration.
type Config struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	OrgID   string            `yaml:"org_id"`
	Models  []types.ModelInfo `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
}

// New creates an OpenAI provider instance.
func New(config *Config, logger *logrus.Logger) *Provider {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &Provider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Capabilities returns the provider's supported models and features.
func (p *Provider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{
		ProviderName:     "openai",
		SupportedModels:  p.config.Models,
		Capabilities:     []string{"chat", "code", "function-calling", "vision", "embeddings"},
		MaxContextWindow: 128000,
	}
}

// Complete sends the request's prompt as a single user message and
// returns the completion.
func (p *Provider) Complete(ctx context.Context, model string, req *types.AIRequest) (*types.AIResponse, error) {
	openaiReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		p.logger.WithError(err).WithField("model", model).Error("OpenAI API call failed")
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &types.ProviderError{Provider: "openai", Message: "completion returned no choices"}
	}

	return &types.AIResponse{
		ID:       resp.ID,
		Provider: "openai",
		Model:    resp.Model,
		Content:  resp.Choices[0].Message.Content,
		Usage: &types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Created: time.Unix(resp.Created, 0).UTC(),
	}, nil
}

// EstimateCost prices the request against the configured model's rates.
func (p *Provider) EstimateCost(model string, req *types.AIRequest) (*types.CostEstimate, error) {
	modelInfo := findModel(p.config.Models, model)
	if modelInfo == nil {
		return nil, &types.RoutingError{Message: fmt.Sprintf("model %s not found in openai configuration", model)}
	}

	inputTokens := providers.CountTokens(model, req.Prompt)
	outputTokens := 100
	if req.MaxTokens != nil {
		outputTokens = *req.MaxTokens
	}

	inputCost := float64(inputTokens) * modelInfo.InputCostPer1K / 1000
	outputCost := float64(outputTokens) * modelInfo.OutputCostPer1K / 1000

	return &types.CostEstimate{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
	}, nil
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		p.logger.WithError(err).Error("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", err)
	}
	p.logger.Debug("OpenAI health check passed")
	return nil
}

// classifyError maps SDK errors onto the gateway's error taxonomy so the
// dispatcher can tell retryable failures from hard ones.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &types.ProviderError{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Retryable:  apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500,
		}
	}
	return &types.ProviderError{Provider: "openai", Message: err.Error(), Retryable: true}
}

func findModel(models []types.ModelInfo, name string) *types.ModelInfo {
	for i := range models {
		if models[i].Name == name || models[i].ProviderModelID == name {
			return &models[i]
		}
	}
	return nil
}

var _ providers.Provider = (*Provider)(nil)
