package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Score weights. Accuracy and speed come from rolling provider stats,
// error rate is inverted, and cost headroom rewards candidates that
// leave room under the request's cost ceiling.
type OptimizerWeights struct {
	Accuracy     float64 `yaml:"accuracy"`
	Speed        float64 `yaml:"speed"`
	ErrorRate    float64 `yaml:"error_rate"`
	CostHeadroom float64 `yaml:"cost_headroom"`
}

// DefaultWeights balances reliability over cost.
func DefaultWeights() OptimizerWeights {
	return OptimizerWeights{Accuracy: 0.3, Speed: 0.2, ErrorRate: 0.3, CostHeadroom: 0.2}
}

// Optimizer scores provider/model candidates against live health, rolling
// performance stats and cost headroom.
type Optimizer struct {
	registry  *providers.Registry
	health    *HealthTracker
	collector *metrics.Collector
	weights   OptimizerWeights
}

// NewOptimizer creates a cost optimizer.
func NewOptimizer(registry *providers.Registry, health *HealthTracker, collector *metrics.Collector, weights OptimizerWeights) *Optimizer {
	if weights == (OptimizerWeights{}) {
		weights = DefaultWeights()
	}
	return &Optimizer{registry: registry, health: health, collector: collector, weights: weights}
}

// candidate is one scored provider/model pair.
type candidate struct {
	provider     string
	model        string
	estimate     *types.CostEstimate
	score        float64
	ruleSelected bool
}

// Best selects the highest-scoring candidate able to serve the request
// within maxCost, honoring the required capability. When scores tie, a
// rule-selected candidate wins over free optimizer choice.
func (o *Optimizer) Best(req *types.AIRequest, capability string, maxCost float64, rulePick *candidate) (*candidate, []string, error) {
	var candidates []candidate
	var reasoning []string

	for _, p := range o.registry.All() {
		caps := p.Capabilities()
		if !caps.Supports(capability) {
			continue
		}
		if o.health.Score(p.Name()) <= 0 {
			reasoning = append(reasoning, fmt.Sprintf("Skipped %s: unhealthy", p.Name()))
			continue
		}
		for _, m := range caps.SupportedModels {
			if capability != "" && !m.HasCapability(capability) {
				continue
			}
			est, err := p.EstimateCost(m.Name, req)
			if err != nil {
				continue
			}
			if maxCost > 0 && est.TotalCost > maxCost {
				continue
			}
			c := candidate{provider: p.Name(), model: m.Name, estimate: est}
			if rulePick != nil && rulePick.provider == c.provider && (rulePick.model == "" || rulePick.model == c.model) {
				c.ruleSelected = true
			}
			c.score = o.score(&c, maxCost)
			candidates = append(candidates, c)
		}
	}

	if len(candidates) == 0 {
		return nil, reasoning, &types.RoutingError{Message: "no healthy provider can serve the request within constraints"}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// Equal scores prefer the rule-selected option over free choice.
		if candidates[i].ruleSelected != candidates[j].ruleSelected {
			return candidates[i].ruleSelected
		}
		return candidates[i].estimate.TotalCost < candidates[j].estimate.TotalCost
	})

	best := candidates[0]
	reasoning = append(reasoning, fmt.Sprintf("Optimizer selected %s/%s (score %.3f, est $%.6f)", best.provider, best.model, best.score, best.estimate.TotalCost))
	if len(candidates) > 1 {
		next := candidates[1]
		reasoning = append(reasoning, fmt.Sprintf("Next best was %s/%s (score %.3f)", next.provider, next.model, next.score))
	}
	return &best, reasoning, nil
}

// score computes the weighted sum for one candidate.
func (o *Optimizer) score(c *candidate, maxCost float64) float64 {
	stats := o.collector.ProviderStats(c.provider)

	// Accuracy proxies on the health score until real quality signals
	// exist.
	accuracy := o.health.Score(c.provider)

	speed := 0.5
	if stats.AvgLatency > 0 {
		// Map latency to (0,1]: 500ms scores ~0.8, 5s scores ~0.3.
		speed = float64(2*time.Second) / float64(2*time.Second+stats.AvgLatency)
	}

	inverseError := 1 - stats.ErrorRate

	headroom := 0.5
	if maxCost > 0 {
		headroom = (maxCost - c.estimate.TotalCost) / maxCost
		if headroom < 0 {
			headroom = 0
		}
	}

	return o.weights.Accuracy*accuracy +
		o.weights.Speed*speed +
		o.weights.ErrorRate*inverseError +
		o.weights.CostHeadroom*headroom
}
