package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/budget"
	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// ProviderExecutor executes queued sub-requests against the provider
// registry and settles metrics and budget usage for each completion.
type ProviderExecutor struct {
	registry  *providers.Registry
	budgets   *budget.Registry
	tracker   *budget.Tracker
	collector *metrics.Collector
	logger    *logrus.Logger
}

// NewProviderExecutor wires the registry-backed executor.
func NewProviderExecutor(registry *providers.Registry, budgets *budget.Registry, tracker *budget.Tracker, collector *metrics.Collector, logger *logrus.Logger) *ProviderExecutor {
	return &ProviderExecutor{
		registry:  registry,
		budgets:   budgets,
		tracker:   tracker,
		collector: collector,
		logger:    logger,
	}
}

// Execute runs one sub-request on the named provider.
func (e *ProviderExecutor) Execute(ctx context.Context, providerName, model string, req *types.AIRequest) (*types.AIResponse, error) {
	p, ok := e.registry.Get(providerName)
	if !ok {
		return nil, &types.RoutingError{Message: fmt.Sprintf("provider %s is not registered", providerName)}
	}

	start := time.Now()
	resp, err := p.Complete(ctx, model, req)
	e.collector.RecordRequest(providerName, model, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	cost := actualCost(p, model, resp.Usage)
	if resp.Usage != nil {
		e.collector.RecordUsage(providerName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost)
	}
	e.settleBudget(ctx, req, cost)

	return resp, nil
}

// settleBudget debits the requester's budget for completed spend. The
// call is best effort: the tokens are already consumed upstream, so a
// write-time ceiling breach is logged, never propagated.
func (e *ProviderExecutor) settleBudget(ctx context.Context, req *types.AIRequest, cost float64) {
	if req.UserID == "" || cost <= 0 {
		return
	}

	chain, err := e.budgets.GetBudgetHierarchy(ctx, budget.ScopeUser, req.UserID)
	if err != nil {
		var nf *types.NotFoundError
		if !errors.As(err, &nf) {
			e.logger.WithError(err).WithField("user_id", req.UserID).Warn("Budget lookup failed during settlement")
		}
		return
	}

	target := chain[len(chain)-1]
	if _, err := e.tracker.RecordUsage(ctx, target.ID, cost, target.Currency, budget.SourceGateway, nil); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"budget_id": target.ID,
			"amount":    cost,
		}).Warn("Usage settlement failed")
	}
}

// actualCost prices a completed call from the model's configured rates.
// Falls back to zero when the model or usage is unknown.
func actualCost(p providers.Provider, model string, usage *types.Usage) float64 {
	if usage == nil {
		return 0
	}
	caps := p.Capabilities()
	for i := range caps.SupportedModels {
		m := &caps.SupportedModels[i]
		if m.Name == model || m.ProviderModelID == model {
			return float64(usage.PromptTokens)/1000*m.InputCostPer1K +
				float64(usage.CompletionTokens)/1000*m.OutputCostPer1K
		}
	}
	return 0
}
