package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/budget"
	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/steering"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Config tunes the routing pipeline.
type Config struct {
	HealthCheckInterval time.Duration    `yaml:"health_check_interval"`
	HealthThreshold     float64          `yaml:"health_threshold"`
	Weights             OptimizerWeights `yaml:"weights"`
}

// Router runs the full routing pipeline: steering rules, budget
// constraints, then health- and cost-aware provider selection.
type Router struct {
	config    Config
	rules     *steering.Store
	engine    *steering.Engine
	registry  *providers.Registry
	health    *HealthTracker
	optimizer *Optimizer
	budgets   *budget.Registry
	tracker   *budget.Tracker
	collector *metrics.Collector
	logger    *logrus.Logger
}

// NewRouter assembles the routing pipeline.
func NewRouter(config Config, rules *steering.Store, registry *providers.Registry, budgets *budget.Registry, tracker *budget.Tracker, collector *metrics.Collector, logger *logrus.Logger) *Router {
	if config.HealthThreshold <= 0 {
		config.HealthThreshold = 0.5
	}
	health := NewHealthTracker(registry, config.HealthCheckInterval, logger)
	return &Router{
		config:    config,
		rules:     rules,
		engine:    steering.NewEngine(logger),
		registry:  registry,
		health:    health,
		optimizer: NewOptimizer(registry, health, collector, config.Weights),
		budgets:   budgets,
		tracker:   tracker,
		collector: collector,
		logger:    logger,
	}
}

// Start launches the background health sweep.
func (r *Router) Start(ctx context.Context) {
	r.health.Start(ctx)
}

// Health exposes the provider health tracker.
func (r *Router) Health() *HealthTracker {
	return r.health
}

// Route decides how to dispatch one request. A steering-rule rejection
// yields a Decision with Rejection set and no error; a failed budget
// constraint returns a BudgetExceededError so callers never silently
// downgrade past a spending ceiling.
func (r *Router) Route(ctx context.Context, req *types.AIRequest, reqCtx *steering.RequestContext) (*Decision, error) {
	start := time.Now()
	decision := &Decision{Timestamp: start.UTC()}

	evalCtx, err := steering.NewEvalContext(reqCtx)
	if err != nil {
		return nil, &types.InternalError{Err: err}
	}
	decision.RuleResults = r.engine.Evaluate(r.rules.Get(), evalCtx)

	if rej := evalCtx.Reject(); rej != nil {
		decision.Rejection = rej
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("Rejected by steering rules: %s", rej.Message))
		r.collector.RecordRuleRejection()
		return decision, nil
	}

	rulePick := r.rulePick(evalCtx, req)
	if rulePick != nil {
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("Steering selected %s/%s", rulePick.provider, rulePick.model))
	}

	capability := ""
	if req.RoutingPreferences != nil {
		capability = req.RoutingPreferences.RequiredCapability
	}
	maxCost := 0.0
	if req.CostConstraints != nil {
		maxCost = req.CostConstraints.MaxCost
	}

	estimatedCost := maxCost
	if estimatedCost == 0 && rulePick != nil && rulePick.estimate != nil {
		estimatedCost = rulePick.estimate.TotalCost
	}
	if estimatedCost == 0 {
		// Rough floor so budget checks never pass on a zero estimate.
		estimatedCost = float64(len(req.Prompt)) / 4 * 0.00003
	}

	budgetID, err := r.checkBudget(ctx, req, estimatedCost, decision)
	if err != nil {
		return nil, err
	}
	decision.BudgetID = budgetID

	// Keep the rule-selected pair when it survives the hard constraints;
	// the optimizer only overrides on a health or cost failure.
	if rulePick != nil && rulePick.estimate != nil {
		healthy := r.health.Score(rulePick.provider) >= r.config.HealthThreshold
		withinCost := maxCost == 0 || rulePick.estimate.TotalCost <= maxCost
		if healthy && withinCost {
			decision.Provider = rulePick.provider
			decision.Model = rulePick.model
			decision.EstimatedCost = rulePick.estimate
			r.logDecision(decision, time.Since(start))
			return decision, nil
		}
		if !healthy {
			decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("Overriding %s: health score below %.2f", rulePick.provider, r.config.HealthThreshold))
		} else {
			decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("Overriding %s: estimated $%.6f exceeds max $%.6f", rulePick.provider, rulePick.estimate.TotalCost, maxCost))
		}
	}

	best, reasoning, err := r.optimizer.Best(req, capability, maxCost, rulePick)
	decision.Reasoning = append(decision.Reasoning, reasoning...)
	if err != nil {
		return nil, err
	}

	decision.Provider = best.provider
	decision.Model = best.model
	decision.EstimatedCost = best.estimate
	r.logDecision(decision, time.Since(start))
	return decision, nil
}

// rulePick resolves the steering routing target or the client preference
// into a concrete candidate with a cost estimate. Returns nil when
// neither names a usable provider.
func (r *Router) rulePick(evalCtx *steering.EvalContext, req *types.AIRequest) *candidate {
	var providerName, model string
	if target := evalCtx.Routing(); target != nil {
		providerName, model = target.Provider, target.Model
	} else if req.RoutingPreferences != nil && req.RoutingPreferences.Provider != "" {
		providerName, model = req.RoutingPreferences.Provider, req.RoutingPreferences.Model
	} else {
		return nil
	}

	p, ok := r.registry.Get(providerName)
	if !ok {
		r.logger.WithField("provider", providerName).Warn("Selected provider is not registered")
		return nil
	}
	if model == "" {
		caps := p.Capabilities()
		if len(caps.SupportedModels) == 0 {
			return nil
		}
		model = caps.SupportedModels[0].Name
	}

	c := &candidate{provider: providerName, model: model, ruleSelected: true}
	if est, err := p.EstimateCost(model, req); err == nil {
		c.estimate = est
	}
	return c
}

// checkBudget resolves the requester's budget and verifies the estimated
// spend against the whole hierarchy. Requesters without a configured
// budget pass unchecked.
func (r *Router) checkBudget(ctx context.Context, req *types.AIRequest, estimatedCost float64, decision *Decision) (string, error) {
	if req.UserID == "" {
		return "", nil
	}

	chain, err := r.budgets.GetBudgetHierarchy(ctx, budget.ScopeUser, req.UserID)
	if err != nil {
		var nf *types.NotFoundError
		if errors.As(err, &nf) {
			decision.Reasoning = append(decision.Reasoning, "No budget configured for requester")
			return "", nil
		}
		return "", err
	}
	target := chain[len(chain)-1]

	result, err := r.tracker.CheckBudgetConstraints(ctx, target.ID, estimatedCost)
	if err != nil {
		return "", err
	}
	if !result.Allowed {
		r.collector.RecordBudgetRejection()
		violation := result.HierarchyViolations[0]
		return "", &types.BudgetExceededError{
			BudgetID:  violation.BudgetID,
			Remaining: violation.Remaining,
			Requested: estimatedCost,
		}
	}
	decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("Budget %s allows spend ($%.4f remaining)", target.ID, result.Remaining))
	return target.ID, nil
}

func (r *Router) logDecision(decision *Decision, elapsed time.Duration) {
	r.logger.WithFields(logrus.Fields{
		"provider":    decision.Provider,
		"model":       decision.Model,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("Request routed")
}
