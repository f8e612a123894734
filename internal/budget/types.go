package budget

import (
	"time"
)

// Scope types, ordered broadest to narrowest. User and project sit at the
// same level under a team or organization.
const (
	ScopeOrganization = "organization"
	ScopeTeam         = "team"
	ScopeUser         = "user"
	ScopeProject      = "project"
)

// Budget periods.
const (
	PeriodDaily     = "daily"
	PeriodWeekly    = "weekly"
	PeriodMonthly   = "monthly"
	PeriodQuarterly = "quarterly"
	PeriodAnnual    = "annual"
	PeriodCustom    = "custom"
)

// Usage sources.
const (
	SourceGateway  = "gateway-internal"
	SourceExternal = "external-caller"
	SourceManual   = "manual"
)

// ValidScopes and ValidPeriods are surfaced in validation errors so callers
// see the accepted enum values.
var (
	ValidScopes  = []string{ScopeOrganization, ScopeTeam, ScopeUser, ScopeProject}
	ValidPeriods = []string{PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodQuarterly, PeriodAnnual, PeriodCustom}
	ValidSources = []string{SourceGateway, SourceExternal, SourceManual}
)

// scopeRank orders scopes for parent linkage checks. A parent budget must
// sit at a strictly broader scope than its child.
func scopeRank(scope string) int {
	switch scope {
	case ScopeOrganization:
		return 0
	case ScopeTeam:
		return 1
	case ScopeUser, ScopeProject:
		return 2
	default:
		return -1
	}
}

// Budget is a spending ceiling over a scope and period. Budgets form a
// tree through ParentBudgetID; a child's consumption also debits every
// ancestor.
type Budget struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	ScopeType      string     `json:"scope_type"`
	ScopeID        string     `json:"scope_id"`
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	Period         string     `json:"period"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	ParentBudgetID string     `json:"parent_budget_id,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// UsageRecord is one append-only debit against a budget.
type UsageRecord struct {
	ID        string    `json:"id"`
	BudgetID  string    `json:"budget_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// BudgetStatus is the derived consumption view for the current period
// window, including roll-up from descendant budgets.
type BudgetStatus struct {
	BudgetID    string    `json:"budget_id"`
	Consumed    float64   `json:"consumed"`
	Remaining   float64   `json:"remaining"`
	PercentUsed float64   `json:"percent_used"`
	ComputedAt  time.Time `json:"computed_at"`
}

// HierarchyViolation names one budget in the ancestor chain that an
// estimated spend would push past its ceiling.
type HierarchyViolation struct {
	BudgetID  string  `json:"budget_id"`
	Name      string  `json:"name"`
	Amount    float64 `json:"amount"`
	Consumed  float64 `json:"consumed"`
	Remaining float64 `json:"remaining"`
}

// ConstraintResult is the outcome of a pre-spend constraint check across
// the whole ancestor chain.
type ConstraintResult struct {
	Allowed             bool                 `json:"allowed"`
	Remaining           float64              `json:"remaining"`
	WouldExceed         bool                 `json:"would_exceed"`
	HierarchyViolations []HierarchyViolation `json:"hierarchy_violations,omitempty"`
}

// UsageSummary aggregates usage over an explicit date range.
type UsageSummary struct {
	BudgetID    string    `json:"budget_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	TotalAmount float64   `json:"total_amount"`
	RecordCount int64     `json:"record_count"`
	BySource    map[string]float64 `json:"by_source"`
}

// periodWindow returns the current accounting window for a budget,
// anchored at its start date. Custom periods span [StartDate, EndDate].
func periodWindow(b *Budget, now time.Time) (time.Time, time.Time) {
	start := b.StartDate
	switch b.Period {
	case PeriodDaily:
		for !start.AddDate(0, 0, 1).After(now) {
			start = start.AddDate(0, 0, 1)
		}
		return start, start.AddDate(0, 0, 1)
	case PeriodWeekly:
		for !start.AddDate(0, 0, 7).After(now) {
			start = start.AddDate(0, 0, 7)
		}
		return start, start.AddDate(0, 0, 7)
	case PeriodMonthly:
		for !start.AddDate(0, 1, 0).After(now) {
			start = start.AddDate(0, 1, 0)
		}
		return start, start.AddDate(0, 1, 0)
	case PeriodQuarterly:
		for !start.AddDate(0, 3, 0).After(now) {
			start = start.AddDate(0, 3, 0)
		}
		return start, start.AddDate(0, 3, 0)
	case PeriodAnnual:
		for !start.AddDate(1, 0, 0).After(now) {
			start = start.AddDate(1, 0, 0)
		}
		return start, start.AddDate(1, 0, 0)
	default:
		end := now.AddDate(100, 0, 0)
		if b.EndDate != nil {
			end = *b.EndDate
		}
		return b.StartDate, end
	}
}

func validScope(s string) bool {
	return scopeRank(s) >= 0
}

func validPeriod(p string) bool {
	for _, v := range ValidPeriods {
		if p == v {
			return true
		}
	}
	return false
}

func validSource(s string) bool {
	for _, v := range ValidSources {
		if s == v {
			return true
		}
	}
	return false
}
