package openai

import (
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

func testConfig() *Config {
	return &Config{
		APIKey: "test-key",
		Models: []types.ModelInfo{
			{Name: "gpt-4", ProviderModelID: "gpt-4", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
			{Name: "gpt-4o-mini", ProviderModelID: "gpt-4o-mini-2024-07-18", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
		},
	}
}

func TestCapabilities(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	p := New(testConfig(), logger)

	caps := p.Capabilities()
	assert.Equal(t, "openai", caps.ProviderName)
	assert.Len(t, caps.SupportedModels, 2)
	assert.True(t, caps.Supports(""))
}

func TestFindModel(t *testing.T) {
	models := testConfig().Models

	require.NotNil(t, findModel(models, "gpt-4"))
	assert.Equal(t, "gpt-4o-mini", findModel(models, "gpt-4o-mini-2024-07-18").Name, "provider model id also resolves")
	assert.Nil(t, findModel(models, "gpt-5"))
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	p := New(testConfig(), logger)

	_, err := p.EstimateCost("gpt-5", &types.AIRequest{Prompt: "hi"})
	var re *types.RoutingError
	assert.ErrorAs(t, err, &re)
}

func TestClassifyError(t *testing.T) {
	err := classifyError(&openai.APIError{HTTPStatusCode: 429, Message: "rate limited"})
	var pe *types.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable)
	assert.Equal(t, 429, pe.StatusCode)

	err = classifyError(&openai.APIError{HTTPStatusCode: 503, Message: "overloaded"})
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable)

	err = classifyError(&openai.APIError{HTTPStatusCode: 400, Message: "bad request"})
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Retryable)

	err = classifyError(errors.New("connection reset"))
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable, "transport failures are retryable")
}
