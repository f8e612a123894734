package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Registry manages budget definitions and their hierarchy.
type Registry struct {
	store  *Store
	logger *logrus.Logger
}

// NewRegistry creates a budget registry over the given store.
func NewRegistry(store *Store, logger *logrus.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// CreateBudget validates and persists a new budget. A zero ID is filled
// with a generated UUID.
func (r *Registry) CreateBudget(ctx context.Context, b *Budget) (*Budget, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.StartDate.IsZero() {
		b.StartDate = now
	}
	if b.Currency == "" {
		b.Currency = "USD"
	}

	if err := r.validate(ctx, b); err != nil {
		return nil, err
	}

	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO budgets (id, name, scope_type, scope_id, amount, currency, period, start_date, end_date, parent_budget_id, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.ScopeType, b.ScopeID, b.Amount, b.Currency, b.Period,
		b.StartDate, b.EndDate, nullable(b.ParentBudgetID), b.Active, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert budget: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"budget_id":  b.ID,
		"scope_type": b.ScopeType,
		"scope_id":   b.ScopeID,
		"amount":     b.Amount,
	}).Info("Budget created")
	return b, nil
}

// UpdateBudget replaces the mutable fields of an existing budget.
func (r *Registry) UpdateBudget(ctx context.Context, b *Budget) (*Budget, error) {
	existing, err := r.GetBudget(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	if err := r.validate(ctx, b); err != nil {
		return nil, err
	}

	_, err = r.store.db.ExecContext(ctx,
		`UPDATE budgets SET name = ?, scope_type = ?, scope_id = ?, amount = ?, currency = ?, period = ?,
		 start_date = ?, end_date = ?, parent_budget_id = ?, active = ?, updated_at = ? WHERE id = ?`,
		b.Name, b.ScopeType, b.ScopeID, b.Amount, b.Currency, b.Period,
		b.StartDate, b.EndDate, nullable(b.ParentBudgetID), b.Active, b.UpdatedAt, b.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update budget: %w", err)
	}
	return b, nil
}

// DeleteBudget removes a budget definition. Budgets with children cannot
// be deleted; usage records are retained for audit.
func (r *Registry) DeleteBudget(ctx context.Context, id string) error {
	var children int
	if err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM budgets WHERE parent_budget_id = ?`, id).Scan(&children); err != nil {
		return fmt.Errorf("count child budgets: %w", err)
	}
	if children > 0 {
		return &types.ValidationError{
			Message: fmt.Sprintf("budget %s has %d child budgets and cannot be deleted", id, children),
			Field:   "id",
		}
	}

	res, err := r.store.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.NotFoundError{Resource: "budget", ID: id}
	}
	return nil
}

// GetBudget fetches a budget by id.
func (r *Registry) GetBudget(ctx context.Context, id string) (*Budget, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT id, name, scope_type, scope_id, amount, currency, period, start_date, end_date, parent_budget_id, active, created_at, updated_at
		 FROM budgets WHERE id = ?`, id)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "budget", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

// ListBudgets returns budgets filtered by scope and optionally by parent.
// Inactive budgets are excluded unless includeInactive is set.
func (r *Registry) ListBudgets(ctx context.Context, scopeType, scopeID string, includeInactive bool, parentBudgetID string) ([]*Budget, error) {
	query := `SELECT id, name, scope_type, scope_id, amount, currency, period, start_date, end_date, parent_budget_id, active, created_at, updated_at
	          FROM budgets WHERE 1=1`
	args := []interface{}{}
	if scopeType != "" {
		query += ` AND scope_type = ?`
		args = append(args, scopeType)
	}
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	if !includeInactive {
		query += ` AND active = 1`
	}
	if parentBudgetID != "" {
		query += ` AND parent_budget_id = ?`
		args = append(args, parentBudgetID)
	}
	query += ` ORDER BY created_at`

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var out []*Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBudgetHierarchy resolves the active budget for a scope and returns it
// together with every ancestor up the parent chain, root first.
func (r *Registry) GetBudgetHierarchy(ctx context.Context, scopeType, scopeID string) ([]*Budget, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT id, name, scope_type, scope_id, amount, currency, period, start_date, end_date, parent_budget_id, active, created_at, updated_at
		 FROM budgets WHERE scope_type = ? AND scope_id = ? AND active = 1 ORDER BY created_at LIMIT 1`,
		scopeType, scopeID)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "budget", ID: scopeType + "/" + scopeID}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve scope budget: %w", err)
	}
	return r.ancestorChain(ctx, b)
}

// ancestorChain returns b and its ancestors ordered root first. The
// visited set bounds the walk if the stored hierarchy ever contains a
// cycle.
func (r *Registry) ancestorChain(ctx context.Context, b *Budget) ([]*Budget, error) {
	chain := []*Budget{b}
	visited := map[string]bool{b.ID: true}
	for cur := b; cur.ParentBudgetID != ""; {
		parent, err := r.GetBudget(ctx, cur.ParentBudgetID)
		if err != nil {
			return nil, err
		}
		if visited[parent.ID] {
			return nil, &types.InternalError{Err: fmt.Errorf("budget hierarchy cycle at %s", parent.ID)}
		}
		visited[parent.ID] = true
		chain = append([]*Budget{parent}, chain...)
		cur = parent
	}
	return chain, nil
}

func (r *Registry) validate(ctx context.Context, b *Budget) error {
	if b.Name == "" {
		return &types.ValidationError{Message: "budget name is required", Field: "name", Required: true}
	}
	if b.Amount <= 0 {
		return &types.ValidationError{Message: "budget amount must be positive", Field: "amount"}
	}
	if !validScope(b.ScopeType) {
		return &types.ValidationError{Message: fmt.Sprintf("invalid scope type %q", b.ScopeType), Field: "scope_type", ValidTypes: ValidScopes}
	}
	if b.ScopeID == "" {
		return &types.ValidationError{Message: "scope id is required", Field: "scope_id", Required: true}
	}
	if !validPeriod(b.Period) {
		return &types.ValidationError{Message: fmt.Sprintf("invalid period %q", b.Period), Field: "period", ValidTypes: ValidPeriods}
	}
	if b.EndDate != nil && !b.EndDate.After(b.StartDate) {
		return &types.ValidationError{Message: "end date must be after start date", Field: "end_date"}
	}
	if b.Period == PeriodCustom && b.EndDate == nil {
		return &types.ValidationError{Message: "custom period requires an end date", Field: "end_date", Required: true}
	}

	if b.ParentBudgetID != "" {
		if b.ParentBudgetID == b.ID {
			return &types.ValidationError{Message: "budget cannot be its own parent", Field: "parent_budget_id"}
		}
		parent, err := r.GetBudget(ctx, b.ParentBudgetID)
		if err != nil {
			var nf *types.NotFoundError
			if errors.As(err, &nf) {
				return &types.ValidationError{Message: fmt.Sprintf("parent budget %s does not exist", b.ParentBudgetID), Field: "parent_budget_id"}
			}
			return err
		}
		if !parent.Active {
			return &types.ValidationError{Message: fmt.Sprintf("parent budget %s is inactive", parent.ID), Field: "parent_budget_id"}
		}
		if scopeRank(parent.ScopeType) >= scopeRank(b.ScopeType) {
			return &types.ValidationError{
				Message: fmt.Sprintf("parent scope %s does not contain child scope %s", parent.ScopeType, b.ScopeType),
				Field:   "parent_budget_id",
			}
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBudget(row rowScanner) (*Budget, error) {
	var b Budget
	var endDate sql.NullTime
	var parentID sql.NullString
	err := row.Scan(&b.ID, &b.Name, &b.ScopeType, &b.ScopeID, &b.Amount, &b.Currency, &b.Period,
		&b.StartDate, &endDate, &parentID, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if endDate.Valid {
		b.EndDate = &endDate.Time
	}
	if parentID.Valid {
		b.ParentBudgetID = parentID.String
	}
	return &b, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
