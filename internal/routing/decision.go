package routing

import (
	"time"

	"github.com/tributary-ai/llm-gateway/internal/steering"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Decision is the router's output for one request. Either Rejection is
// set and the request must not be dispatched, or Provider/Model name the
// upstream call to make.
type Decision struct {
	Provider      string              `json:"provider,omitempty"`
	Model         string              `json:"model,omitempty"`
	EstimatedCost *types.CostEstimate `json:"estimated_cost,omitempty"`

	// Reasoning traces which pipeline stage produced the final choice.
	Reasoning []string `json:"reasoning"`

	Rejection   *steering.Rejection   `json:"rejection,omitempty"`
	RuleResults []steering.RuleResult `json:"rule_results,omitempty"`

	// BudgetID is the budget debited when usage is recorded, empty when
	// the requester has no budget configured.
	BudgetID string `json:"budget_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Rejected reports whether the request was vetoed by a steering rule.
func (d *Decision) Rejected() bool {
	return d.Rejection != nil
}
