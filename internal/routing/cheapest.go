package routing

import (
	"sort"

	"github.com/accproxy/accproxy/internal/models"
	"github.com/accproxy/accproxy/internal/pricing"
)

// CapabilityFilter narrows the cheapest-suitable query.
type CapabilityFilter struct {
	Vision          bool
	Streaming       bool
	FunctionCalling bool
	MinContext      int
}

// CheapestSuitable returns the cheapest known model satisfying the
// filter, ranked by the arithmetic mean of input and output price.
// Returns nil when nothing qualifies.
func CheapestSuitable(filter CapabilityFilter) *models.ModelPrice {
	candidates := pricing.FallbackModels()

	suitable := candidates[:0]
	for _, c := range candidates {
		if filter.Vision && !c.HasCapability(pricing.CapVision) {
			continue
		}
		if filter.Streaming && !c.HasCapability(pricing.CapStreaming) {
			continue
		}
		if filter.FunctionCalling && !c.HasCapability(pricing.CapFunctionCalling) {
			continue
		}
		if filter.MinContext > 0 && c.ContextWindow < filter.MinContext {
			continue
		}
		suitable = append(suitable, c)
	}
	if len(suitable) == 0 {
		return nil
	}

	sort.Slice(suitable, func(i, j int) bool {
		mi, mj := meanPrice(suitable[i]), meanPrice(suitable[j])
		if !mi.Equal(mj) {
			return mi.LessThan(mj)
		}
		return suitable[i].ModelID < suitable[j].ModelID
	})
	return suitable[0]
}
