package routing

import (
	"sync"
	"time"
)

// fallbackChains lists ordered substitutes within the same capability
// tier for each canonical model, used when the primary upstream is
// declared unavailable.
var fallbackChains = map[string][]string{
	"claude-opus-4-1":   {"claude-opus-4", "claude-sonnet-4-5", "gpt-4o"},
	"claude-opus-4":     {"claude-sonnet-4-5", "gpt-4o"},
	"claude-sonnet-4-5": {"claude-sonnet-4", "gpt-4o", "gemini-2-5-pro"},
	"claude-sonnet-4":   {"claude-sonnet-4-5", "gpt-4o"},
	"claude-haiku-4-5":  {"gpt-4o-mini", "gemini-2-0-flash"},
	"gpt-4o":            {"claude-sonnet-4-5", "gemini-2-5-pro"},
	"gpt-4o-mini":       {"claude-haiku-4-5", "gemini-2-0-flash"},
	"o1":                {"o3-mini", "claude-opus-4"},
	"gemini-2-5-pro":    {"gpt-4o", "claude-sonnet-4-5"},
	"deepseek-chat":     {"gpt-4o-mini", "claude-haiku-4-5"},
}

// genericFallbacks is tried when a chain is exhausted.
var genericFallbacks = []string{"claude-sonnet-4-5", "gpt-4o", "claude-haiku-4-5"}

// healthTracker remembers which models were declared unavailable and
// when that declaration lapses.
type healthTracker struct {
	mu          sync.RWMutex
	unavailable map[string]time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{unavailable: make(map[string]time.Time)}
}

func (h *healthTracker) markUnavailable(model string, until time.Time) {
	h.mu.Lock()
	h.unavailable[model] = until
	h.mu.Unlock()
}

func (h *healthTracker) available(model string) bool {
	h.mu.RLock()
	until, ok := h.unavailable[model]
	h.mu.RUnlock()
	return !ok || time.Now().After(until)
}

// MarkUnavailable declares a model's upstream down for the given
// cooldown, diverting subsequent requests to its fallback chain.
func (r *Router) MarkUnavailable(model string, cooldown time.Duration) {
	r.health.markUnavailable(model, time.Now().Add(cooldown))
}

// Fallback walks the model's fallback chain, skipping entries that
// are themselves unavailable, then the generic fallbacks, then the
// cheapest available streaming model. When everything is exhausted it
// returns the original model with IsFallback false.
func (r *Router) Fallback(model string) Result {
	for _, candidate := range fallbackChains[model] {
		if r.health.available(candidate) {
			return Result{
				Provider:   InferProvider(candidate),
				Model:      candidate,
				Reason:     "fallback:" + model,
				IsFallback: true,
			}
		}
	}
	for _, candidate := range genericFallbacks {
		if candidate != model && r.health.available(candidate) {
			return Result{
				Provider:   InferProvider(candidate),
				Model:      candidate,
				Reason:     "fallback:generic",
				IsFallback: true,
			}
		}
	}
	if cheapest := CheapestSuitable(CapabilityFilter{Streaming: true}); cheapest != nil &&
		cheapest.ModelID != model && r.health.available(cheapest.ModelID) {
		return Result{
			Provider:   cheapest.Provider,
			Model:      cheapest.ModelID,
			Reason:     "fallback:cheapest",
			IsFallback: true,
		}
	}
	return Result{
		Provider: InferProvider(model),
		Model:    model,
		Reason:   "fallback:exhausted",
	}
}

// Available reports whether the model's upstream is currently
// considered healthy.
func (r *Router) Available(model string) bool {
	return r.health.available(model)
}
