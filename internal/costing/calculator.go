package costing

import (
	"github.com/shopspring/decimal"

	"github.com/accproxy/accproxy/internal/metering"
	"github.com/accproxy/accproxy/internal/models"
)

var million = decimal.NewFromInt(1_000_000)

// Cost combines a usage record with a pricing descriptor into a USD
// amount quantized to six decimal places. Pure function; all
// arithmetic is fixed-point decimal. Zero-price fields contribute
// zero.
func Cost(usage metering.Usage, price *models.ModelPrice) decimal.Decimal {
	if price == nil {
		return decimal.Zero
	}

	total := decimal.NewFromInt(usage.InputTokens).Mul(price.InputPrice).
		Add(decimal.NewFromInt(usage.OutputTokens).Mul(price.OutputPrice)).
		Add(decimal.NewFromInt(usage.CacheCreationTokens).Mul(price.CacheCreatePrice)).
		Add(decimal.NewFromInt(usage.CacheReadTokens).Mul(price.CacheReadPrice))

	return total.Div(million).Round(6)
}
