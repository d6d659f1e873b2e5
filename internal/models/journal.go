package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalRecord is the append-only per-request accounting record.
// Created once, never updated.
type JournalRecord struct {
	BaseModel
	RequestID string    `gorm:"uniqueIndex;not null" json:"request_id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	AgentID   string    `gorm:"index" json:"agent_id,omitempty"`

	Provider       string `gorm:"index" json:"provider"`
	ModelOriginal  string `gorm:"index" json:"model_original"`
	ModelEffective string `gorm:"index" json:"model_effective"`
	Endpoint       string `json:"endpoint"`

	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`

	CostUSD        decimal.Decimal `gorm:"type:numeric(14,6);not null;default:0" json:"cost_usd"`
	LatencyMs      int64           `json:"latency_ms"`
	StatusCode     int             `gorm:"index" json:"status_code"`
	Streaming      bool            `json:"streaming"`
	UsageEstimated bool            `json:"usage_estimated"`
}
