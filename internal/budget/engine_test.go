package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/auth"
	"github.com/accproxy/accproxy/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	budgets []*models.Budget
	alerts  []*models.BudgetAlert
	err     error
}

func (f *fakeStore) ActiveBudgetsFor(_ context.Context, userID uuid.UUID) ([]*models.Budget, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Budget
	for _, b := range f.budgets {
		if b.UserID == userID && b.IsActive {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) Save(_ context.Context, _ *models.Budget) error { return nil }

func (f *fakeStore) IncrementSpend(_ context.Context, id uuid.UUID, delta decimal.Decimal) error {
	return nil
}

func (f *fakeStore) CreateAlert(_ context.Context, alert *models.BudgetAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeStore) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func newBudget(userID uuid.UUID, limit, spent float64, action models.BreachAction) *models.Budget {
	return &models.Budget{
		BaseModel:       models.BaseModel{ID: uuid.New()},
		Name:            "test-budget",
		UserID:          userID,
		Scope:           models.ScopeGlobal,
		Period:          models.PeriodMonthly,
		LimitUSD:        decimal.NewFromFloat(limit),
		CurrentSpendUSD: decimal.NewFromFloat(spent),
		WarningPct:      80,
		CriticalPct:     95,
		ActionOnBreach:  action,
		ResetAt:         time.Now().Add(24 * time.Hour),
		IsActive:        true,
	}
}

func principal(userID uuid.UUID) *auth.Principal {
	return &auth.Principal{UserID: userID, AgentID: "agent-1", Tier: models.TierStandard}
}

func TestCheckAllow(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{budgets: []*models.Budget{newBudget(userID, 100, 10, models.BreachBlock)}}
	e := NewEngine(store, zap.NewNop(), nil)

	d := e.Check(context.Background(), principal(userID), "claude-sonnet-4-5", decimal.NewFromFloat(0.10))
	assert.Equal(t, Allow, d.Kind)
}

func TestCheckBlockOnProjectedOverrun(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{budgets: []*models.Budget{newBudget(userID, 10, 9.99, models.BreachBlock)}}
	e := NewEngine(store, zap.NewNop(), nil)

	d := e.Check(context.Background(), principal(userID), "claude-sonnet-4-5", decimal.NewFromFloat(0.10))
	require.Equal(t, Block, d.Kind)
	assert.Equal(t, "test-budget", d.BudgetName)
	assert.True(t, d.Remaining.Equal(decimal.NewFromFloat(0.01)))
}

func TestCheckDowngradeUsesExplicitTarget(t *testing.T) {
	userID := uuid.New()
	b := newBudget(userID, 10, 9.95, models.BreachDowngrade)
	b.DowngradeTarget = "claude-sonnet-4-5"
	store := &fakeStore{budgets: []*models.Budget{b}}
	e := NewEngine(store, zap.NewNop(), nil)

	d := e.Check(context.Background(), principal(userID), "claude-opus-4", decimal.NewFromFloat(0.10))
	require.Equal(t, Downgrade, d.Kind)
	assert.Equal(t, "claude-sonnet-4-5", d.TargetModel)
}

func TestCheckDowngradeFallsBackToTable(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{budgets: []*models.Budget{newBudget(userID, 10, 9.95, models.BreachDowngrade)}}
	e := NewEngine(store, zap.NewNop(), nil)

	d := e.Check(context.Background(), principal(userID), "claude-opus-4", decimal.NewFromFloat(0.10))
	require.Equal(t, Downgrade, d.Kind)
	assert.Equal(t, "claude-sonnet-4", d.TargetModel)
}

func TestCheckWarnNearLimit(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{budgets: []*models.Budget{newBudget(userID, 100, 85, models.BreachBlock)}}
	e := NewEngine(store, zap.NewNop(), nil)

	d := e.Check(context.Background(), principal(userID), "gpt-4o", decimal.NewFromFloat(0.10))
	assert.Equal(t, Warn, d.Kind)
	assert.Greater(t, d.PercentUsed, 80.0)
}

func TestCheckFailOpenOnStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	e := NewEngine(store, zap.NewNop(), nil)

	d := e.Check(context.Background(), principal(uuid.New()), "gpt-4o", decimal.NewFromFloat(0.10))
	assert.Equal(t, Allow, d.Kind)
}

func TestScopeFiltering(t *testing.T) {
	userID := uuid.New()
	agentBudget := newBudget(userID, 10, 9.99, models.BreachBlock)
	agentBudget.Scope = models.ScopePerAgent
	agentBudget.ScopeIdentifier = "other-agent"
	store := &fakeStore{budgets: []*models.Budget{agentBudget}}
	e := NewEngine(store, zap.NewNop(), nil)

	// Budget scoped to a different agent does not apply.
	d := e.Check(context.Background(), principal(userID), "gpt-4o", decimal.NewFromFloat(0.10))
	assert.Equal(t, Allow, d.Kind)

	agentBudget.ScopeIdentifier = "agent-1"
	d = e.Check(context.Background(), principal(userID), "gpt-4o", decimal.NewFromFloat(0.10))
	assert.Equal(t, Block, d.Kind)
}

func TestPerModelScopePrefixMatch(t *testing.T) {
	userID := uuid.New()
	b := newBudget(userID, 10, 9.99, models.BreachBlock)
	b.Scope = models.ScopePerModel
	b.ScopeIdentifier = "claude-opus"
	store := &fakeStore{budgets: []*models.Budget{b}}
	e := NewEngine(store, zap.NewNop(), nil)

	assert.Equal(t, Block, e.Check(context.Background(), principal(userID), "claude-opus-4-1", decimal.NewFromFloat(0.10)).Kind)
	assert.Equal(t, Allow, e.Check(context.Background(), principal(userID), "gpt-4o", decimal.NewFromFloat(0.10)).Kind)
}

func TestThresholdsFireAtMostOncePerPeriod(t *testing.T) {
	userID := uuid.New()
	b := newBudget(userID, 100, 70, models.BreachAlert)
	store := &fakeStore{budgets: []*models.Budget{b}}

	var callbackAlerts []*models.BudgetAlert
	var mu sync.Mutex
	e := NewEngine(store, zap.NewNop(), func(_ context.Context, a *models.BudgetAlert) {
		mu.Lock()
		defer mu.Unlock()
		callbackAlerts = append(callbackAlerts, a)
	})

	// Projects to 76%: thresholds 50 and 75 fire once.
	e.Check(context.Background(), principal(userID), "gpt-4o", decimal.NewFromFloat(6))
	assert.Equal(t, 2, store.alertCount())

	// Same projection again: nothing new fires.
	e.Check(context.Background(), principal(userID), "gpt-4o", decimal.NewFromFloat(6))
	assert.Equal(t, 2, store.alertCount())

	mu.Lock()
	assert.Len(t, callbackAlerts, 2)
	mu.Unlock()
}

func TestHundredPercentFiresExactlyOnce(t *testing.T) {
	userID := uuid.New()
	b := newBudget(userID, 100, 90, models.BreachAlert)
	store := &fakeStore{budgets: []*models.Budget{b}}
	e := NewEngine(store, zap.NewNop(), nil)

	// Projects to exactly 100.000...%.
	e.Check(context.Background(), principal(userID), "gpt-4o", decimal.NewFromFloat(10))
	e.Check(context.Background(), principal(userID), "gpt-4o", decimal.NewFromFloat(10))

	var hundreds int
	for _, a := range store.alerts {
		if a.Threshold == 100 {
			hundreds++
			assert.Equal(t, "breach", a.Type)
		}
	}
	assert.Equal(t, 1, hundreds)
}

func TestDebitMirrorsCrossingAlerts(t *testing.T) {
	userID := uuid.New()
	b := newBudget(userID, 100, 49, models.BreachAlert)
	store := &fakeStore{budgets: []*models.Budget{b}}
	e := NewEngine(store, zap.NewNop(), nil)

	require.NoError(t, e.Debit(context.Background(), principal(userID), decimal.NewFromFloat(2), "gpt-4o"))

	require.Equal(t, 1, store.alertCount())
	assert.Equal(t, 50, store.alerts[0].Threshold)
	assert.True(t, b.CurrentSpendUSD.Equal(decimal.NewFromFloat(51)))
}

func TestDebitThenResetThenDebit(t *testing.T) {
	userID := uuid.New()
	b := newBudget(userID, 100, 0, models.BreachAlert)
	store := &fakeStore{budgets: []*models.Budget{b}}
	e := NewEngine(store, zap.NewNop(), nil)

	cost := decimal.NewFromFloat(3.5)
	require.NoError(t, e.Debit(context.Background(), principal(userID), cost, "gpt-4o"))
	assert.True(t, b.CurrentSpendUSD.Equal(cost))

	// Force the period to expire; the next debit resets first.
	b.ResetAt = time.Now().Add(-time.Minute)
	require.NoError(t, e.Debit(context.Background(), principal(userID), cost, "gpt-4o"))

	assert.True(t, b.CurrentSpendUSD.Equal(cost), "spend after reset+debit should equal one cost, got %s", b.CurrentSpendUSD)
	assert.True(t, b.ResetAt.After(time.Now()))
}

func TestResetClearsFiredThresholds(t *testing.T) {
	userID := uuid.New()
	b := newBudget(userID, 100, 60, models.BreachAlert)
	store := &fakeStore{budgets: []*models.Budget{b}}
	e := NewEngine(store, zap.NewNop(), nil)

	e.Check(context.Background(), principal(userID), "gpt-4o", decimal.Zero)
	require.Equal(t, 1, store.alertCount()) // 50% fired

	b.ResetAt = time.Now().Add(-time.Minute)
	b.CurrentSpendUSD = decimal.NewFromFloat(60)
	e.Check(context.Background(), principal(userID), "gpt-4o", decimal.Zero)

	// Reset zeroed the spend, so nothing fires on this pass.
	assert.Equal(t, 1, store.alertCount())
	assert.True(t, b.CurrentSpendUSD.IsZero())
}

func TestAlertCallbackPanicIsContained(t *testing.T) {
	userID := uuid.New()
	b := newBudget(userID, 100, 60, models.BreachAlert)
	store := &fakeStore{budgets: []*models.Budget{b}}
	e := NewEngine(store, zap.NewNop(), func(_ context.Context, _ *models.BudgetAlert) {
		panic("webhook exploded")
	})

	assert.NotPanics(t, func() {
		e.Check(context.Background(), principal(userID), "gpt-4o", decimal.Zero)
	})
}

func TestNextResetBoundary(t *testing.T) {
	// Wednesday 2026-08-19 15:30 UTC.
	now := time.Date(2026, 8, 19, 15, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		models.NextResetBoundary(models.PeriodDaily, now))
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		models.NextResetBoundary(models.PeriodWeekly, now)) // next Monday
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		models.NextResetBoundary(models.PeriodMonthly, now))

	// From a Monday, the weekly boundary is the following Monday.
	monday := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		models.NextResetBoundary(models.PeriodWeekly, monday))
}

func TestDowngradeTargetTable(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4", DowngradeTarget("claude-opus-4"))
	assert.Equal(t, "gpt-4o-mini", DowngradeTarget("gpt-4o"))
	assert.Equal(t, "o3-mini", DowngradeTarget("o1"))
	// Dated ids resolve through their prefix.
	assert.Equal(t, "claude-sonnet-4", DowngradeTarget("claude-opus-4-20250514"))
	// Unknown models pass through unchanged.
	assert.Equal(t, "unknown-model", DowngradeTarget("unknown-model"))
}
