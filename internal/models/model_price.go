package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ModelPrice is one pricing record for a (provider, model) pair within
// an effective window. Prices are USD per million tokens.
type ModelPrice struct {
	BaseModel
	Provider string `gorm:"not null;index:idx_provider_model" json:"provider"`
	ModelID  string `gorm:"not null;index:idx_provider_model" json:"model_id"`

	InputPrice       decimal.Decimal `gorm:"type:numeric(12,6);not null" json:"input_price"`
	OutputPrice      decimal.Decimal `gorm:"type:numeric(12,6);not null" json:"output_price"`
	CacheCreatePrice decimal.Decimal `gorm:"type:numeric(12,6)" json:"cache_create_price"`
	CacheReadPrice   decimal.Decimal `gorm:"type:numeric(12,6)" json:"cache_read_price"`

	ContextWindow int            `json:"context_window"`
	Capabilities  pq.StringArray `gorm:"type:text[]" json:"capabilities"`

	EffectiveFrom time.Time  `gorm:"not null;index" json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
}

// EffectiveAt reports whether the record's window covers t.
func (p *ModelPrice) EffectiveAt(t time.Time) bool {
	if t.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || !t.After(*p.EffectiveTo)
}

func (p *ModelPrice) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
