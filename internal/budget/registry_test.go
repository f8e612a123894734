package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

func TestRegistry_CreateBudgetDefaults(t *testing.T) {
	registry, _ := newTestLedger(t)
	ctx := context.Background()

	b, err := registry.CreateBudget(ctx, &Budget{
		Name:      "monthly org spend",
		ScopeType: ScopeOrganization,
		ScopeID:   "acme",
		Amount:    500,
		Period:    PeriodMonthly,
		Active:    true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "USD", b.Currency)
	assert.False(t, b.StartDate.IsZero())

	got, err := registry.GetBudget(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Name, got.Name)
	assert.Equal(t, b.Amount, got.Amount)
}

func TestRegistry_Validation(t *testing.T) {
	registry, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		budget Budget
		field  string
	}{
		{"missing name", Budget{ScopeType: ScopeUser, ScopeID: "u", Amount: 10, Period: PeriodDaily}, "name"},
		{"zero amount", Budget{Name: "b", ScopeType: ScopeUser, ScopeID: "u", Amount: 0, Period: PeriodDaily}, "amount"},
		{"bad scope", Budget{Name: "b", ScopeType: "galaxy", ScopeID: "u", Amount: 10, Period: PeriodDaily}, "scope_type"},
		{"missing scope id", Budget{Name: "b", ScopeType: ScopeUser, Amount: 10, Period: PeriodDaily}, "scope_id"},
		{"bad period", Budget{Name: "b", ScopeType: ScopeUser, ScopeID: "u", Amount: 10, Period: "fortnightly"}, "period"},
		{"custom without end", Budget{Name: "b", ScopeType: ScopeUser, ScopeID: "u", Amount: 10, Period: PeriodCustom}, "end_date"},
		{"unknown parent", Budget{Name: "b", ScopeType: ScopeUser, ScopeID: "u", Amount: 10, Period: PeriodDaily, ParentBudgetID: "ghost"}, "parent_budget_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.CreateBudget(ctx, &tc.budget)
			var ve *types.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestRegistry_EnumHintsInErrors(t *testing.T) {
	registry, _ := newTestLedger(t)

	_, err := registry.CreateBudget(context.Background(), &Budget{
		Name: "b", ScopeType: "galaxy", ScopeID: "u", Amount: 10, Period: PeriodDaily,
	})
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ValidScopes, ve.ValidTypes)
}

func TestRegistry_ParentScopeMustBeBroader(t *testing.T) {
	registry, _ := newTestLedger(t)
	ctx := context.Background()

	user := mustCreate(t, registry, monthlyBudget("user", ScopeUser, "u1", 100, ""))

	// A team budget cannot hang under a user budget.
	_, err := registry.CreateBudget(ctx, monthlyBudget("team", ScopeTeam, "t1", 50, user.ID))
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "parent_budget_id", ve.Field)

	// Same rank is also rejected: a user under a user.
	_, err = registry.CreateBudget(ctx, monthlyBudget("other user", ScopeUser, "u2", 50, user.ID))
	require.ErrorAs(t, err, &ve)
}

func TestRegistry_ListBudgets(t *testing.T) {
	registry, _ := newTestLedger(t)
	ctx := context.Background()

	org := mustCreate(t, registry, monthlyBudget("org", ScopeOrganization, "acme", 1000, ""))
	mustCreate(t, registry, monthlyBudget("team-a", ScopeTeam, "a", 100, org.ID))
	inactive := monthlyBudget("team-b", ScopeTeam, "b", 100, org.ID)
	inactive.Active = false
	mustCreate(t, registry, inactive)

	active, err := registry.ListBudgets(ctx, ScopeTeam, "", false, "")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := registry.ListBudgets(ctx, ScopeTeam, "", true, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	children, err := registry.ListBudgets(ctx, "", "", true, org.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestRegistry_GetBudgetHierarchy(t *testing.T) {
	registry, _ := newTestLedger(t)
	ctx := context.Background()

	org := mustCreate(t, registry, monthlyBudget("org", ScopeOrganization, "acme", 1000, ""))
	team := mustCreate(t, registry, monthlyBudget("team", ScopeTeam, "core", 300, org.ID))
	user := mustCreate(t, registry, monthlyBudget("user", ScopeUser, "u1", 100, team.ID))

	chain, err := registry.GetBudgetHierarchy(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, org.ID, chain[0].ID, "root first")
	assert.Equal(t, team.ID, chain[1].ID)
	assert.Equal(t, user.ID, chain[2].ID)

	_, err = registry.GetBudgetHierarchy(ctx, ScopeUser, "nobody")
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRegistry_DeleteBudget(t *testing.T) {
	registry, _ := newTestLedger(t)
	ctx := context.Background()

	org := mustCreate(t, registry, monthlyBudget("org", ScopeOrganization, "acme", 1000, ""))
	team := mustCreate(t, registry, monthlyBudget("team", ScopeTeam, "core", 300, org.ID))

	// Parents with children cannot be removed.
	err := registry.DeleteBudget(ctx, org.ID)
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)

	require.NoError(t, registry.DeleteBudget(ctx, team.ID))
	require.NoError(t, registry.DeleteBudget(ctx, org.ID))

	var nf *types.NotFoundError
	err = registry.DeleteBudget(ctx, org.ID)
	assert.ErrorAs(t, err, &nf)
}

func TestRegistry_UpdateBudget(t *testing.T) {
	registry, _ := newTestLedger(t)
	ctx := context.Background()

	b := mustCreate(t, registry, monthlyBudget("team", ScopeTeam, "core", 300, ""))
	created := b.CreatedAt

	time.Sleep(10 * time.Millisecond)
	b.Amount = 450
	updated, err := registry.UpdateBudget(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 450.0, updated.Amount)
	assert.Equal(t, created, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created))

	_, err = registry.UpdateBudget(ctx, &Budget{ID: "ghost", Name: "x", ScopeType: ScopeUser, ScopeID: "u", Amount: 1, Period: PeriodDaily})
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
