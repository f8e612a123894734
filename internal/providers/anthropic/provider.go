package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Provider implements providers.Provider for Anthropic Claude.
type Provider struct {
	client *anthropic.Client
	config *Config
	logger *logrus.Logger
}

// Config holds Anthropic-specific configuration.
type Config struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Models  []types.ModelInfo `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
}

// New creates an Anthropic provider instance.
func New(config *Config, logger *logrus.Logger) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := anthropic.NewClient(opts...)
	return &Provider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "anthropic"
}

// Capabilities returns the provider's supported models and features.
func (p *Provider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{
		ProviderName:     "anthropic",
		SupportedModels:  p.config.Models,
		Capabilities:     []string{"chat", "code", "long-context", "vision"},
		MaxContextWindow: 200000,
	}
}

// Complete sends the request's prompt as a single user message and
// returns the completion. Claude requires max_tokens, so an unset limit
// defaults to 1024.
func (p *Provider) Complete(ctx context.Context, model string, req *types.AIRequest) (*types.AIResponse, error) {
	maxTokens := int64(1024)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		p.logger.WithError(err).WithField("model", model).Error("Anthropic API call failed")
		return nil, classifyError(err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &types.AIResponse{
		ID:       resp.ID,
		Provider: "anthropic",
		Model:    string(resp.Model),
		Content:  content.String(),
		Usage: &types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		Created: time.Now().UTC(),
	}, nil
}

// EstimateCost prices the request against the configured model's rates.
func (p *Provider) EstimateCost(model string, req *types.AIRequest) (*types.CostEstimate, error) {
	modelInfo := findModel(p.config.Models, model)
	if modelInfo == nil {
		return nil, &types.RoutingError{Message: fmt.Sprintf("model %s not found in anthropic configuration", model)}
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

// HealthCheck sends a minimal message to the cheapest model.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model("claude-3-haiku-20240307"),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("test")),
		},
	})
	if err != nil {
		p.logger.WithError(err).Error("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w", err)
	}
	p.logger.Debug("Anthropic health check passed")
	return nil
}

// classifyError maps SDK errors onto the gateway's error taxonomy.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &types.ProviderError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Retryable:  apiErr.StatusCode == 429 || apiErr.StatusCode >= 500,
		}
	}
	return &types.ProviderError{Provider: "anthropic", Message: err.Error(), Retryable: true}
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
