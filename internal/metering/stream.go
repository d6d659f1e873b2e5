package metering

import (
	"encoding/json"
	"strings"
)

// StreamAccumulator folds per-event usage deltas out of a streaming
// response. Feed it every SSE data payload; Usage reports the
// authoritative totals once the stream ends.
type StreamAccumulator struct {
	provider string
	shape    usageShape

	usage    Usage
	sawUsage bool
	content  strings.Builder
}

func NewStreamAccumulator(provider string) *StreamAccumulator {
	return &StreamAccumulator{provider: provider, shape: shapeFor(provider)}
}

// Feed consumes one SSE data payload and returns the assistant text
// delta it carried, if any. Unparseable payloads are skipped; a
// malformed chunk must not abort the stream.
func (a *StreamAccumulator) Feed(payload []byte) string {
	if len(payload) == 0 || string(payload) == "[DONE]" {
		return ""
	}

	switch a.shape {
	case shapeAnthropic:
		return a.feedAnthropic(payload)
	case shapeGoogle:
		return a.feedGoogle(payload)
	default:
		return a.feedOpenAI(payload)
	}
}

func (a *StreamAccumulator) feedAnthropic(payload []byte) string {
	var event struct {
		Type    string `json:"type"`
		Message struct {
			Usage anthropicUsage `json:"usage"`
		} `json:"message"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
		Usage anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return ""
	}

	switch event.Type {
	case "message_start":
		a.usage.InputTokens = event.Message.Usage.InputTokens
		a.usage.CacheCreationTokens = event.Message.Usage.CacheCreationInputTokens
		a.usage.CacheReadTokens = event.Message.Usage.CacheReadInputTokens
		a.sawUsage = true
	case "content_block_delta":
		if event.Delta.Type == "text_delta" {
			a.content.WriteString(event.Delta.Text)
			return event.Delta.Text
		}
	case "message_delta":
		// Cumulative output count; the final message_delta wins.
		if event.Usage.OutputTokens > 0 {
			a.usage.OutputTokens = event.Usage.OutputTokens
			a.sawUsage = true
		}
	}
	return ""
}

func (a *StreamAccumulator) feedOpenAI(payload []byte) string {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Usage *openAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return ""
	}

	// The trailing chunk carries cumulative usage when the caller
	// opted into stream_options.include_usage.
	if chunk.Usage != nil {
		a.usage = chunk.Usage.toUsage()
		a.sawUsage = true
	}

	if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
		a.content.WriteString(chunk.Choices[0].Delta.Content)
		return chunk.Choices[0].Delta.Content
	}
	return ""
}

func (a *StreamAccumulator) feedGoogle(payload []byte) string {
	var chunk struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata *googleUsage `json:"usageMetadata"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return ""
	}

	if chunk.UsageMetadata != nil {
		a.usage = chunk.UsageMetadata.toUsage()
		a.sawUsage = true
	}

	var text string
	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			text += part.Text
		}
	}
	if text != "" {
		a.content.WriteString(text)
	}
	return text
}

// Usage returns the accumulated totals. When the provider never sent
// usage (OpenAI without include_usage), the output count is estimated
// from the accumulated characters and estimated is true.
func (a *StreamAccumulator) Usage() (usage Usage, estimated bool) {
	usage = a.usage
	if !a.sawUsage || (a.shape == shapeOpenAI && usage.OutputTokens == 0 && a.content.Len() > 0) {
		usage.OutputTokens = int64(a.content.Len() / 4)
		return usage, true
	}
	return usage, false
}

// Content returns the buffered assistant text seen so far.
func (a *StreamAccumulator) Content() string {
	return a.content.String()
}
