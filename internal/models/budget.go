package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type BudgetScope string

const (
	ScopeGlobal      BudgetScope = "global"
	ScopePerAgent    BudgetScope = "per_agent"
	ScopePerModel    BudgetScope = "per_model"
	ScopePerWorkflow BudgetScope = "per_workflow"
)

type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

type BreachAction string

const (
	BreachAlert     BreachAction = "alert"
	BreachWarn      BreachAction = "warn"
	BreachBlock     BreachAction = "block"
	BreachDowngrade BreachAction = "downgrade_model"
)

// Budget is a spend cap for one principal at one scope. Spend is
// mutated only by the budget engine's debit path and the periodic
// reset.
type Budget struct {
	BaseModel
	Name            string          `gorm:"not null" json:"name"`
	UserID          uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	User            User            `gorm:"foreignKey:UserID" json:"-"`
	Scope           BudgetScope     `gorm:"not null;default:global" json:"scope"`
	ScopeIdentifier string          `gorm:"index" json:"scope_identifier,omitempty"`
	Period          BudgetPeriod    `gorm:"not null" json:"period"`
	LimitUSD        decimal.Decimal `gorm:"type:numeric(14,6);not null" json:"limit_usd"`
	CurrentSpendUSD decimal.Decimal `gorm:"type:numeric(14,6);not null;default:0" json:"current_spend_usd"`
	WarningPct      float64         `gorm:"default:80" json:"warning_pct"`
	CriticalPct     float64         `gorm:"default:95" json:"critical_pct"`
	ActionOnBreach  BreachAction    `gorm:"default:block" json:"action_on_breach"`
	DowngradeTarget string          `json:"downgrade_target,omitempty"`
	ResetAt         time.Time       `gorm:"not null" json:"reset_at"`
	IsActive        bool            `gorm:"default:true" json:"is_active"`

	// FiredThresholds records which standard thresholds already fired
	// during the active period, as a JSON array of ints.
	FiredThresholds datatypes.JSON `gorm:"type:jsonb" json:"fired_thresholds,omitempty"`
}

func (b *Budget) UsagePct() float64 {
	if b.LimitUSD.IsZero() {
		return 0
	}
	pct, _ := b.CurrentSpendUSD.Div(b.LimitUSD).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func (b *Budget) Remaining() decimal.Decimal {
	return b.LimitUSD.Sub(b.CurrentSpendUSD)
}

// AppliesTo reports whether this budget constrains a request for the
// given agent and model.
func (b *Budget) AppliesTo(agentID, model string) bool {
	switch b.Scope {
	case ScopeGlobal:
		return true
	case ScopePerAgent:
		return agentID != "" && agentID == b.ScopeIdentifier
	case ScopePerModel:
		return b.ScopeIdentifier != "" && len(model) >= len(b.ScopeIdentifier) &&
			model[:len(b.ScopeIdentifier)] == b.ScopeIdentifier
	case ScopePerWorkflow:
		return false
	}
	return false
}

// NextResetBoundary returns the start of the next calendar day, ISO
// week (Monday 00:00 UTC) or calendar month after now.
func NextResetBoundary(period BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case PeriodDaily:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, 1)
	case PeriodWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (8 - int(day.Weekday())) % 7
		if offset == 0 {
			offset = 7
		}
		return day.AddDate(0, 0, offset)
	case PeriodMonthly:
		month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return month.AddDate(0, 1, 0)
	}
	return now.AddDate(0, 1, 0)
}

// BudgetAlert is one emitted threshold crossing. A threshold fires at
// most once per budget per active period.
type BudgetAlert struct {
	BaseModel
	BudgetID   uuid.UUID `gorm:"type:uuid;not null;index" json:"budget_id"`
	UserID     uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	Threshold  int       `json:"threshold"`
	Type       string    `gorm:"index" json:"type"` // warning | critical | breach
	CurrentPct float64   `json:"current_pct"`
	Message    string    `json:"message"`
}
