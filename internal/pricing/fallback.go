package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/accproxy/accproxy/internal/models"
)

// Capability names used in descriptor capability lists.
const (
	CapVision          = "vision"
	CapStreaming       = "streaming"
	CapFunctionCalling = "function_calling"
)

func entry(provider, model string, in, out, cacheCreate, cacheRead float64, window int, caps ...string) *models.ModelPrice {
	return &models.ModelPrice{
		Provider:         provider,
		ModelID:          model,
		InputPrice:       decimal.NewFromFloat(in),
		OutputPrice:      decimal.NewFromFloat(out),
		CacheCreatePrice: decimal.NewFromFloat(cacheCreate),
		CacheReadPrice:   decimal.NewFromFloat(cacheRead),
		ContextWindow:    window,
		Capabilities:     caps,
	}
}

// fallbackTable is the compiled-in pricing table, USD per million
// tokens, consulted when the store has no record. Keys are
// "provider/model"; a few provider-less prefix keys cover aggregator
// deployments. Immutable after initialization.
var fallbackTable = map[string]*models.ModelPrice{
	// Anthropic
	"anthropic/claude-opus-4-1":   entry("anthropic", "claude-opus-4-1", 15.00, 75.00, 18.75, 1.50, 200000, CapVision, CapStreaming, CapFunctionCalling),
	"anthropic/claude-opus-4":     entry("anthropic", "claude-opus-4", 15.00, 75.00, 18.75, 1.50, 200000, CapVision, CapStreaming, CapFunctionCalling),
	"anthropic/claude-sonnet-4-5": entry("anthropic", "claude-sonnet-4-5", 3.00, 15.00, 3.75, 0.30, 200000, CapVision, CapStreaming, CapFunctionCalling),
	"anthropic/claude-sonnet-4":   entry("anthropic", "claude-sonnet-4", 3.00, 15.00, 3.75, 0.30, 200000, CapVision, CapStreaming, CapFunctionCalling),
	"anthropic/claude-haiku-4-5":  entry("anthropic", "claude-haiku-4-5", 1.00, 5.00, 1.25, 0.10, 200000, CapVision, CapStreaming, CapFunctionCalling),
	"anthropic/claude-3-5-sonnet": entry("anthropic", "claude-3-5-sonnet", 3.00, 15.00, 3.75, 0.30, 200000, CapVision, CapStreaming, CapFunctionCalling),
	"anthropic/claude-3-5-haiku":  entry("anthropic", "claude-3-5-haiku", 0.80, 4.00, 1.00, 0.08, 200000, CapStreaming, CapFunctionCalling),

	// OpenAI
	"openai/gpt-4o":      entry("openai", "gpt-4o", 2.50, 10.00, 0, 1.25, 128000, CapVision, CapStreaming, CapFunctionCalling),
	"openai/gpt-4o-mini": entry("openai", "gpt-4o-mini", 0.15, 0.60, 0, 0.075, 128000, CapVision, CapStreaming, CapFunctionCalling),
	"openai/gpt-4-turbo": entry("openai", "gpt-4-turbo", 10.00, 30.00, 0, 0, 128000, CapVision, CapStreaming, CapFunctionCalling),
	"openai/gpt-4.1":     entry("openai", "gpt-4.1", 2.00, 8.00, 0, 0.50, 1000000, CapVision, CapStreaming, CapFunctionCalling),
	"openai/o1":          entry("openai", "o1", 15.00, 60.00, 0, 7.50, 200000, CapStreaming),
	"openai/o1-mini":     entry("openai", "o1-mini", 3.00, 12.00, 0, 1.50, 128000, CapStreaming),
	"openai/o3-mini":     entry("openai", "o3-mini", 1.10, 4.40, 0, 0.55, 200000, CapStreaming, CapFunctionCalling),

	// Google
	"google/gemini-2-5-pro":   entry("google", "gemini-2-5-pro", 1.25, 10.00, 0, 0.31, 1000000, CapVision, CapStreaming, CapFunctionCalling),
	"google/gemini-2-0-flash": entry("google", "gemini-2-0-flash", 0.10, 0.40, 0, 0.025, 1000000, CapVision, CapStreaming, CapFunctionCalling),
	"google/gemini-1-5-pro":   entry("google", "gemini-1-5-pro", 1.25, 5.00, 0, 0.31, 2000000, CapVision, CapStreaming, CapFunctionCalling),

	// DeepSeek
	"deepseek/deepseek-chat":     entry("deepseek", "deepseek-chat", 0.27, 1.10, 0, 0.07, 64000, CapStreaming, CapFunctionCalling),
	"deepseek/deepseek-reasoner": entry("deepseek", "deepseek-reasoner", 0.55, 2.19, 0, 0.14, 64000, CapStreaming),

	// xAI
	"xai/grok-3":      entry("xai", "grok-3", 3.00, 15.00, 0, 0.75, 131072, CapStreaming, CapFunctionCalling),
	"xai/grok-3-mini": entry("xai", "grok-3-mini", 0.30, 0.50, 0, 0.075, 131072, CapStreaming, CapFunctionCalling),

	// Mistral
	"mistral/mistral-large": entry("mistral", "mistral-large", 2.00, 6.00, 0, 0, 128000, CapStreaming, CapFunctionCalling),
	"mistral/mistral-small": entry("mistral", "mistral-small", 0.20, 0.60, 0, 0, 128000, CapStreaming, CapFunctionCalling),
	"mistral/codestral":     entry("mistral", "codestral", 0.30, 0.90, 0, 0, 256000, CapStreaming),

	// Groq
	"groq/llama-3-3-70b": entry("groq", "llama-3-3-70b", 0.59, 0.79, 0, 0, 131072, CapStreaming, CapFunctionCalling),
	"groq/llama-3-1-8b":  entry("groq", "llama-3-1-8b", 0.05, 0.08, 0, 0, 131072, CapStreaming),

	// Cohere
	"cohere/command-r-plus": entry("cohere", "command-r-plus", 2.50, 10.00, 0, 0, 128000, CapStreaming, CapFunctionCalling),
	"cohere/command-r":      entry("cohere", "command-r", 0.15, 0.60, 0, 0, 128000, CapStreaming, CapFunctionCalling),

	// Provider-less prefixes for aggregator deployments (bedrock,
	// azure, vertex, together, fireworks) serving the same weights.
	"claude-opus":   entry("", "claude-opus", 15.00, 75.00, 18.75, 1.50, 200000, CapVision, CapStreaming, CapFunctionCalling),
	"claude-sonnet": entry("", "claude-sonnet", 3.00, 15.00, 3.75, 0.30, 200000, CapVision, CapStreaming, CapFunctionCalling),
	"claude-haiku":  entry("", "claude-haiku", 1.00, 5.00, 1.25, 0.10, 200000, CapStreaming, CapFunctionCalling),
	"gpt-4o":        entry("", "gpt-4o", 2.50, 10.00, 0, 1.25, 128000, CapVision, CapStreaming, CapFunctionCalling),
	"llama-3":       entry("", "llama-3", 0.59, 0.79, 0, 0, 131072, CapStreaming),
}

// FallbackModels returns every compiled-in descriptor carrying a
// provider, for the cheapest-suitable query and the model catalog
// endpoint.
func FallbackModels() []*models.ModelPrice {
	out := make([]*models.ModelPrice, 0, len(fallbackTable))
	for _, p := range fallbackTable {
		if p.Provider != "" {
			out = append(out, p)
		}
	}
	return out
}
