package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestLedger(t *testing.T) (*Registry, *Tracker) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "budgets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry(store, testLogger())
	tracker := NewTracker(store, registry, 64, time.Minute, testLogger())
	return registry, tracker
}

func mustCreate(t *testing.T, registry *Registry, b *Budget) *Budget {
	t.Helper()
	created, err := registry.CreateBudget(context.Background(), b)
	require.NoError(t, err)
	return created
}

func monthlyBudget(name, scopeType, scopeID string, amount float64, parentID string) *Budget {
	return &Budget{
		Name:           name,
		ScopeType:      scopeType,
		ScopeID:        scopeID,
		Amount:         amount,
		Period:         PeriodMonthly,
		StartDate:      time.Now().UTC().AddDate(0, 0, -1),
		ParentBudgetID: parentID,
		Active:         true,
	}
}

func TestTracker_RecordAndStatus(t *testing.T) {
	registry, tracker := newTestLedger(t)
	ctx := context.Background()

	b := mustCreate(t, registry, monthlyBudget("team", ScopeTeam, "t1", 100, ""))

	rec, err := tracker.RecordUsage(ctx, b.ID, 25, "USD", SourceGateway, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ID, rec.BudgetID)
	assert.Equal(t, 25.0, rec.Amount)

	status, err := tracker.GetBudgetStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, status.Consumed)
	assert.Equal(t, 75.0, status.Remaining)
	assert.InDelta(t, 25.0, status.PercentUsed, 0.001)
}

func TestTracker_RecordUsageValidation(t *testing.T) {
	registry, tracker := newTestLedger(t)
	ctx := context.Background()

	b := mustCreate(t, registry, monthlyBudget("team", ScopeTeam, "t1", 100, ""))

	_, err := tracker.RecordUsage(ctx, b.ID, 0, "USD", SourceGateway, nil)
	assert.Error(t, err, "non-positive amount")

	_, err = tracker.RecordUsage(ctx, b.ID, 5, "USD", "unknown-source", nil)
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ValidSources, ve.ValidTypes)

	_, err = tracker.RecordUsage(ctx, "nope", 5, "USD", SourceGateway, nil)
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)

	b.Active = false
	_, err = registry.UpdateBudget(ctx, b)
	require.NoError(t, err)
	_, err = tracker.RecordUsage(ctx, b.ID, 5, "USD", SourceGateway, nil)
	assert.Error(t, err, "inactive budget rejects usage")
}

// Two writers racing at the ceiling both succeed: the write-time check
// only fails once prior consumption has already reached the cap, so the
// overshoot is bounded by the in-flight amounts and no update is lost.
func TestTracker_ConcurrentWritersBoundedOvershoot(t *testing.T) {
	registry, tracker := newTestLedger(t)
	ctx := context.Background()

	b := mustCreate(t, registry, monthlyBudget("team", ScopeTeam, "t1", 100, ""))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tracker.RecordUsage(ctx, b.ID, 60, "USD", SourceGateway, nil)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	status, err := tracker.RefreshStatusCache(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 120.0, status.Consumed)
	assert.Equal(t, -20.0, status.Remaining)

	// At the ceiling now: further writes are refused.
	_, err = tracker.RecordUsage(ctx, b.ID, 1, "USD", SourceGateway, nil)
	var be *types.BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, b.ID, be.BudgetID)

	// And constraint checks disallow any further spend.
	result, err := tracker.CheckBudgetConstraints(ctx, b.ID, 1)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestTracker_HierarchyRollup(t *testing.T) {
	registry, tracker := newTestLedger(t)
	ctx := context.Background()

	org := mustCreate(t, registry, monthlyBudget("org", ScopeOrganization, "acme", 1000, ""))
	team := mustCreate(t, registry, monthlyBudget("team", ScopeTeam, "core", 300, org.ID))
	user := mustCreate(t, registry, monthlyBudget("user", ScopeUser, "u1", 100, team.ID))

	_, err := tracker.RecordUsage(ctx, user.ID, 40, "USD", SourceGateway, nil)
	require.NoError(t, err)
	_, err = tracker.RecordUsage(ctx, team.ID, 50, "USD", SourceManual, nil)
	require.NoError(t, err)

	// Team status includes its own usage plus the user's.
	teamStatus, err := tracker.GetBudgetStatus(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, teamStatus.Consumed)

	// Org sees the whole subtree.
	orgStatus, err := tracker.GetBudgetStatus(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, orgStatus.Consumed)

	// User only sees its own spend.
	userStatus, err := tracker.GetBudgetStatus(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, userStatus.Consumed)
}

// A parent ceiling binds its children even when the child has headroom.
func TestTracker_AncestorViolationRejects(t *testing.T) {
	registry, tracker := newTestLedger(t)
	ctx := context.Background()

	org := mustCreate(t, registry, monthlyBudget("org", ScopeOrganization, "acme", 50, ""))
	user := mustCreate(t, registry, monthlyBudget("user", ScopeUser, "u1", 100, org.ID))

	_, err := tracker.RecordUsage(ctx, user.ID, 45, "USD", SourceGateway, nil)
	require.NoError(t, err)

	result, err := tracker.CheckBudgetConstraints(ctx, user.ID, 10)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	require.Len(t, result.HierarchyViolations, 1)
	assert.Equal(t, org.ID, result.HierarchyViolations[0].BudgetID)

	// Within both ceilings the spend is allowed.
	result, err = tracker.CheckBudgetConstraints(ctx, user.ID, 5)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 55.0, result.Remaining, "remaining reflects the target budget")
}

func TestTracker_StatusCacheInvalidatedUpChain(t *testing.T) {
	registry, tracker := newTestLedger(t)
	ctx := context.Background()

	org := mustCreate(t, registry, monthlyBudget("org", ScopeOrganization, "acme", 1000, ""))
	user := mustCreate(t, registry, monthlyBudget("user", ScopeUser, "u1", 100, org.ID))

	// Warm both caches.
	_, err := tracker.GetBudgetStatus(ctx, org.ID)
	require.NoError(t, err)
	_, err = tracker.GetBudgetStatus(ctx, user.ID)
	require.NoError(t, err)

	_, err = tracker.RecordUsage(ctx, user.ID, 10, "USD", SourceGateway, nil)
	require.NoError(t, err)

	orgStatus, err := tracker.GetBudgetStatus(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, orgStatus.Consumed, "write must invalidate ancestor status")
}

func TestTracker_UsageHistoryAndSummary(t *testing.T) {
	registry, tracker := newTestLedger(t)
	ctx := context.Background()

	b := mustCreate(t, registry, monthlyBudget("team", ScopeTeam, "t1", 1000, ""))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		source := SourceGateway
		if i%2 == 1 {
			source = SourceExternal
		}
		_, err := tracker.RecordUsage(ctx, b.ID, float64(i+1), "USD", source, &ts)
		require.NoError(t, err)
	}

	records, err := tracker.GetUsageHistory(ctx, b.ID, 3, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 5.0, records[0].Amount, "newest first")

	records, err = tracker.GetUsageHistory(ctx, b.ID, 3, 3)
	require.NoError(t, err)
	require.Len(t, records, 2)

	summary, err := tracker.GetUsageSummary(ctx, b.ID, base.Add(-time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 15.0, summary.TotalAmount)
	assert.Equal(t, int64(5), summary.RecordCount)
	assert.Equal(t, 9.0, summary.BySource[SourceGateway])
	assert.Equal(t, 6.0, summary.BySource[SourceExternal])
}
