package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// rollupConsumption sums usage for a budget plus all of its descendants
// inside a time window. The subtree walk stays in SQL so the read and the
// increment can share one transaction.
const rollupConsumption = `
WITH RECURSIVE subtree(id) AS (
	SELECT id FROM budgets WHERE id = ?
	UNION ALL
	SELECT b.id FROM budgets b JOIN subtree s ON b.parent_budget_id = s.id
)
SELECT COALESCE(SUM(u.amount), 0)
FROM usage_records u
WHERE u.budget_id IN (SELECT id FROM subtree)
  AND u.timestamp >= ? AND u.timestamp < ?`

// Tracker records usage and answers constraint and status queries.
// Status reads go through an expiring LRU cache; every write invalidates
// the written budget and its whole ancestor chain before returning, so a
// subsequent status read never observes a stale total past the TTL.
type Tracker struct {
	store    *Store
	registry *Registry
	logger   *logrus.Logger
	status   *lru.LRU[string, *BudgetStatus]
}

// NewTracker creates a usage tracker with a status cache of the given
// size and TTL.
func NewTracker(store *Store, registry *Registry, cacheSize int, cacheTTL time.Duration, logger *logrus.Logger) *Tracker {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Tracker{
		store:    store,
		registry: registry,
		logger:   logger,
		status:   lru.NewLRU[string, *BudgetStatus](cacheSize, nil, cacheTTL),
	}
}

// RecordUsage appends a usage record inside a single transaction that
// also re-checks the hard cap at write time. The check fails only when
// the budget (or an ancestor) was already at or past its ceiling before
// this increment, so concurrent writers can overshoot by at most their
// own in-flight amounts rather than losing updates.
func (t *Tracker) RecordUsage(ctx context.Context, budgetID string, amount float64, currency, source string, timestamp *time.Time) (*UsageRecord, error) {
	if amount <= 0 {
		return nil, &types.ValidationError{Message: "usage amount must be positive", Field: "amount"}
	}
	if source == "" {
		source = SourceGateway
	}
	if !validSource(source) {
		return nil, &types.ValidationError{Message: fmt.Sprintf("invalid usage source %q", source), Field: "source", ValidTypes: ValidSources}
	}

	target, err := t.registry.GetBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	if !target.Active {
		return nil, &types.ValidationError{Message: fmt.Sprintf("budget %s is inactive", budgetID), Field: "budget_id"}
	}

	chain, err := t.registry.ancestorChain(ctx, target)
	if err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	if timestamp != nil {
		ts = timestamp.UTC()
	}
	if currency == "" {
		currency = target.Currency
	}

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	for _, b := range chain {
		start, end := periodWindow(b, ts)
		var consumed float64
		if err := tx.QueryRowContext(ctx, rollupConsumption, b.ID, start, end).Scan(&consumed); err != nil {
			return nil, fmt.Errorf("compute consumption for %s: %w", b.ID, err)
		}
		if consumed >= b.Amount {
			return nil, &types.BudgetExceededError{
				BudgetID:  b.ID,
				Remaining: b.Amount - consumed,
				Requested: amount,
			}
		}
	}

	rec := &UsageRecord{
		ID:        uuid.New().String(),
		BudgetID:  budgetID,
		Amount:    amount,
		Currency:  currency,
		Source:    source,
		Timestamp: ts,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_records (id, budget_id, amount, currency, source, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BudgetID, rec.Amount, rec.Currency, rec.Source, rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert usage record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit usage tx: %w", err)
	}

	// Invalidate before returning so no caller can read a stale status
	// after observing this write.
	for _, b := range chain {
		t.status.Remove(b.ID)
	}

	t.logger.WithFields(logrus.Fields{
		"budget_id": budgetID,
		"amount":    amount,
		"source":    source,
	}).Debug("Usage recorded")
	return rec, nil
}

// CheckBudgetConstraints walks the hierarchy from the target budget to
// the root and verifies each ceiling would survive the estimated spend.
// Any exceeded ancestor rejects the call; a child never spends past a
// parent's ceiling even with its own headroom intact.
func (t *Tracker) CheckBudgetConstraints(ctx context.Context, budgetID string, estimatedCost float64) (*ConstraintResult, error) {
	target, err := t.registry.GetBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	chain, err := t.registry.ancestorChain(ctx, target)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := &ConstraintResult{Allowed: true}

	for _, b := range chain {
		start, end := periodWindow(b, now)
		var consumed float64
		if err := t.store.db.QueryRowContext(ctx, rollupConsumption, b.ID, start, end).Scan(&consumed); err != nil {
			return nil, fmt.Errorf("compute consumption for %s: %w", b.ID, err)
		}
		remaining := b.Amount - consumed
		if b.ID == budgetID {
			result.Remaining = remaining
		}
		if consumed+estimatedCost > b.Amount {
			result.Allowed = false
			result.WouldExceed = true
			result.HierarchyViolations = append(result.HierarchyViolations, HierarchyViolation{
				BudgetID:  b.ID,
				Name:      b.Name,
				Amount:    b.Amount,
				Consumed:  consumed,
				Remaining: remaining,
			})
		}
	}
	return result, nil
}

// GetBudgetStatus returns the cached status view, recomputing on miss.
func (t *Tracker) GetBudgetStatus(ctx context.Context, budgetID string) (*BudgetStatus, error) {
	if status, ok := t.status.Get(budgetID); ok {
		return status, nil
	}
	return t.RefreshStatusCache(ctx, budgetID)
}

// RefreshStatusCache recomputes a budget's status and re-caches it.
func (t *Tracker) RefreshStatusCache(ctx context.Context, budgetID string) (*BudgetStatus, error) {
	b, err := t.registry.GetBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start, end := periodWindow(b, now)
	var consumed float64
	if err := t.store.db.QueryRowContext(ctx, rollupConsumption, b.ID, start, end).Scan(&consumed); err != nil {
		return nil, fmt.Errorf("compute consumption for %s: %w", b.ID, err)
	}

	status := &BudgetStatus{
		BudgetID:    budgetID,
		Consumed:    consumed,
		Remaining:   b.Amount - consumed,
		PercentUsed: consumed / b.Amount * 100,
		ComputedAt:  now,
	}
	t.status.Add(budgetID, status)
	return status, nil
}

// GetUsageHistory returns usage records for a budget, newest first.
func (t *Tracker) GetUsageHistory(ctx context.Context, budgetID string, limit, offset int) ([]*UsageRecord, error) {
	if _, err := t.registry.GetBudget(ctx, budgetID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := t.store.db.QueryContext(ctx,
		`SELECT id, budget_id, amount, currency, source, timestamp FROM usage_records
		 WHERE budget_id = ? ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		budgetID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query usage history: %w", err)
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.ID, &rec.BudgetID, &rec.Amount, &rec.Currency, &rec.Source, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetUsageSummary aggregates direct usage for a budget over an explicit
// date range, broken down by source.
func (t *Tracker) GetUsageSummary(ctx context.Context, budgetID string, startDate, endDate time.Time) (*UsageSummary, error) {
	if _, err := t.registry.GetBudget(ctx, budgetID); err != nil {
		return nil, err
	}

	rows, err := t.store.db.QueryContext(ctx,
		`SELECT source, COALESCE(SUM(amount), 0), COUNT(*) FROM usage_records
		 WHERE budget_id = ? AND timestamp >= ? AND timestamp < ? GROUP BY source`,
		budgetID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	summary := &UsageSummary{
		BudgetID:  budgetID,
		StartDate: startDate,
		EndDate:   endDate,
		BySource:  make(map[string]float64),
	}
	for rows.Next() {
		var source string
		var amount float64
		var count int64
		if err := rows.Scan(&source, &amount, &count); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		summary.BySource[source] = amount
		summary.TotalAmount += amount
		summary.RecordCount += count
	}
	return summary, rows.Err()
}
