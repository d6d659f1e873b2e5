package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RoutingRule rewrites the (provider, model) of a matching request.
// Rules are evaluated in ascending priority order; first match wins.
type RoutingRule struct {
	BaseModel
	UserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Name     string    `json:"name"`
	Priority int       `gorm:"not null;default:100;index" json:"priority"`

	// Condition is a conjunction over agent_id, model_requested,
	// token_estimate_min/max, task_type and time_of_day_start/end,
	// stored as JSON.
	Condition datatypes.JSON `gorm:"type:jsonb;not null" json:"condition"`

	TargetProvider string `gorm:"not null" json:"target_provider"`
	TargetModel    string `gorm:"not null" json:"target_model"`
	Enabled        bool   `gorm:"default:true" json:"enabled"`

	TimesApplied        int64           `gorm:"default:0" json:"times_applied"`
	EstimatedSavingsUSD decimal.Decimal `gorm:"type:numeric(14,6);default:0" json:"estimated_savings_usd"`
}

// RuleCondition is the decoded form of RoutingRule.Condition.
type RuleCondition struct {
	AgentID          string `json:"agent_id,omitempty"`
	ModelRequested   string `json:"model_requested,omitempty"` // prefix match
	TokenEstimateMin int    `json:"token_estimate_min,omitempty"`
	TokenEstimateMax int    `json:"token_estimate_max,omitempty"`
	TaskType         string `json:"task_type,omitempty"`
	TimeOfDayStart   string `json:"time_of_day_start,omitempty"` // "HH:MM" UTC
	TimeOfDayEnd     string `json:"time_of_day_end,omitempty"`
}
