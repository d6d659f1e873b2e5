package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/auth"
	"github.com/accproxy/accproxy/internal/models"
)

// StandardThresholds are the percent-used marks that emit an alert.
// Each fires at most once per budget per active period.
var StandardThresholds = []int{50, 75, 90, 100}

// AlertFunc delivers one threshold alert. Best-effort: failures are
// logged by the engine, never propagated.
type AlertFunc func(ctx context.Context, alert *models.BudgetAlert)

// Engine enforces spend budgets: pre-check before forwarding, atomic
// debit after cost attribution, threshold alerts and period resets.
type Engine struct {
	store   Store
	logger  *zap.Logger
	alertFn AlertFunc

	// Per-budget mutexes serialize threshold bookkeeping between the
	// pre-check and debit paths.
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewEngine(store Store, logger *zap.Logger, alertFn AlertFunc) *Engine {
	return &Engine{
		store:   store,
		logger:  logger.Named("budget"),
		alertFn: alertFn,
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

func (e *Engine) lockFor(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[id] = l
	return l
}

// Check evaluates every applicable budget against the projected spend
// and returns the first non-allow decision. Budget checking is
// fail-open: on a store error the request is allowed.
func (e *Engine) Check(ctx context.Context, principal *auth.Principal, model string, estimated decimal.Decimal) Decision {
	budgets, err := e.store.ActiveBudgetsFor(ctx, principal.UserID)
	if err != nil {
		e.logger.Error("budget fetch failed, allowing request", zap.Error(err))
		return Decision{Kind: Allow}
	}

	for _, b := range budgets {
		if !b.AppliesTo(principal.AgentID, model) {
			continue
		}

		lock := e.lockFor(b.ID)
		lock.Lock()
		decision := e.checkOne(ctx, b, model, estimated)
		lock.Unlock()

		if decision.Kind != Allow {
			return decision
		}
	}
	return Decision{Kind: Allow}
}

func (e *Engine) checkOne(ctx context.Context, b *models.Budget, model string, estimated decimal.Decimal) Decision {
	e.resetIfDue(ctx, b)

	projected := b.CurrentSpendUSD.Add(estimated)
	projectedPct := percentOf(projected, b.LimitUSD)

	e.fireThresholds(ctx, b, projectedPct)

	if projected.GreaterThan(b.LimitUSD) {
		switch b.ActionOnBreach {
		case models.BreachBlock:
			return Decision{
				Kind:        Block,
				BudgetName:  b.Name,
				PercentUsed: projectedPct,
				Remaining:   b.Remaining(),
			}
		case models.BreachDowngrade:
			target := b.DowngradeTarget
			if target == "" {
				target = DowngradeTarget(model)
			}
			if target != model {
				return Decision{
					Kind:        Downgrade,
					BudgetName:  b.Name,
					PercentUsed: projectedPct,
					TargetModel: target,
				}
			}
			// No downgrade available; let it through with a warning.
			return Decision{Kind: Warn, BudgetName: b.Name, PercentUsed: projectedPct}
		case models.BreachWarn:
			return Decision{Kind: Warn, BudgetName: b.Name, PercentUsed: projectedPct}
		case models.BreachAlert:
			// Alert already emitted by fireThresholds; allow.
			return Decision{Kind: Allow}
		}
	}

	if projectedPct >= b.WarningPct {
		return Decision{Kind: Warn, BudgetName: b.Name, PercentUsed: projectedPct}
	}
	return Decision{Kind: Allow}
}

// Debit atomically adds the actual cost to every applicable budget and
// mirrors the pre-check's crossing alerts.
func (e *Engine) Debit(ctx context.Context, principal *auth.Principal, cost decimal.Decimal, model string) error {
	if cost.IsZero() {
		return nil
	}

	budgets, err := e.store.ActiveBudgetsFor(ctx, principal.UserID)
	if err != nil {
		return fmt.Errorf("fetch budgets: %w", err)
	}

	var firstErr error
	for _, b := range budgets {
		if !b.AppliesTo(principal.AgentID, model) {
			continue
		}

		lock := e.lockFor(b.ID)
		lock.Lock()
		err := e.debitOne(ctx, b, cost)
		lock.Unlock()

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) debitOne(ctx context.Context, b *models.Budget, cost decimal.Decimal) error {
	e.resetIfDue(ctx, b)

	if err := e.store.IncrementSpend(ctx, b.ID, cost); err != nil {
		return fmt.Errorf("increment spend for %s: %w", b.Name, err)
	}
	b.CurrentSpendUSD = b.CurrentSpendUSD.Add(cost)

	e.fireThresholds(ctx, b, b.UsagePct())
	return nil
}

// fireThresholds emits one alert for every standard threshold at or
// below pct that has not fired in the current period. Caller holds
// the per-budget lock.
func (e *Engine) fireThresholds(ctx context.Context, b *models.Budget, pct float64) {
	fired := decodeFired(b.FiredThresholds)
	changed := false

	for _, t := range StandardThresholds {
		if pct < float64(t) || fired[t] {
			continue
		}
		fired[t] = true
		changed = true
		e.emitAlert(ctx, b, t, pct)
	}

	if changed {
		b.FiredThresholds = encodeFired(fired)
		if err := e.store.Save(ctx, b); err != nil {
			e.logger.Error("persist fired thresholds failed",
				zap.String("budget", b.Name), zap.Error(err))
		}
	}
}

func (e *Engine) emitAlert(ctx context.Context, b *models.Budget, threshold int, pct float64) {
	alertType := "warning"
	switch {
	case threshold >= 100:
		alertType = "breach"
	case float64(threshold) >= b.CriticalPct:
		alertType = "critical"
	}

	alert := &models.BudgetAlert{
		BudgetID:   b.ID,
		UserID:     b.UserID,
		Threshold:  threshold,
		Type:       alertType,
		CurrentPct: pct,
		Message:    fmt.Sprintf("budget %q crossed %d%% of its %s limit", b.Name, threshold, b.Period),
	}

	if err := e.store.CreateAlert(ctx, alert); err != nil {
		e.logger.Error("persist budget alert failed", zap.Error(err))
	}
	if e.alertFn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("alert callback panicked", zap.Any("panic", r))
				}
			}()
			e.alertFn(ctx, alert)
		}()
	}

	e.logger.Warn("budget threshold crossed",
		zap.String("budget", b.Name),
		zap.Int("threshold", threshold),
		zap.String("type", alertType),
		zap.Float64("pct", pct))
}

// resetIfDue rolls the budget into its next period when reset_at has
// passed: spend zeroed, fired thresholds cleared, reset_at advanced
// to the next calendar boundary. Caller holds the per-budget lock.
func (e *Engine) resetIfDue(ctx context.Context, b *models.Budget) {
	now := time.Now()
	if b.ResetAt.After(now) {
		return
	}

	b.CurrentSpendUSD = decimal.Zero
	b.FiredThresholds = encodeFired(nil)
	b.ResetAt = models.NextResetBoundary(b.Period, now)

	if err := e.store.Save(ctx, b); err != nil {
		e.logger.Error("budget reset persist failed",
			zap.String("budget", b.Name), zap.Error(err))
	}
}

func percentOf(spend, limit decimal.Decimal) float64 {
	if limit.IsZero() {
		return 0
	}
	pct, _ := spend.Div(limit).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func decodeFired(raw []byte) map[int]bool {
	fired := make(map[int]bool)
	if len(raw) == 0 {
		return fired
	}
	var list []int
	if err := json.Unmarshal(raw, &list); err != nil {
		return fired
	}
	for _, t := range list {
		fired[t] = true
	}
	return fired
}

func encodeFired(fired map[int]bool) []byte {
	list := make([]int, 0, len(fired))
	for t, ok := range fired {
		if ok {
			list = append(list, t)
		}
	}
	sort.Ints(list)
	raw, _ := json.Marshal(list)
	return raw
}
