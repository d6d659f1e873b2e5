package metering

import (
	"encoding/json"
	"fmt"
)

// usageShape selects the provider-specific usage field names.
type usageShape int

const (
	shapeAnthropic usageShape = iota
	shapeOpenAI
	shapeGoogle
)

func shapeFor(provider string) usageShape {
	switch provider {
	case "google", "vertex":
		return shapeGoogle
	case "anthropic", "bedrock":
		return shapeAnthropic
	default:
		return shapeOpenAI
	}
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) toUsage() Usage {
	return Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}

type openAIUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u openAIUsage) toUsage() Usage {
	return Usage{
		InputTokens:     u.PromptTokens,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: u.PromptTokensDetails.CachedTokens,
	}
}

type googleUsage struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
}

func (u googleUsage) toUsage() Usage {
	return Usage{
		InputTokens:     u.PromptTokenCount,
		OutputTokens:    u.CandidatesTokenCount,
		CacheReadTokens: u.CachedContentTokenCount,
	}
}

// ExtractUnary pulls the authoritative usage out of a complete
// upstream response body using the provider's field names.
func ExtractUnary(provider string, body []byte) (Usage, error) {
	switch shapeFor(provider) {
	case shapeGoogle:
		var resp struct {
			UsageMetadata googleUsage `json:"usageMetadata"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Usage{}, fmt.Errorf("decode %s usage: %w", provider, err)
		}
		return resp.UsageMetadata.toUsage(), nil
	case shapeAnthropic:
		var resp struct {
			Usage anthropicUsage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Usage{}, fmt.Errorf("decode %s usage: %w", provider, err)
		}
		return resp.Usage.toUsage(), nil
	default:
		var resp struct {
			Usage openAIUsage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Usage{}, fmt.Errorf("decode %s usage: %w", provider, err)
		}
		return resp.Usage.toUsage(), nil
	}
}
