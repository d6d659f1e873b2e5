package metering

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtractUnaryAnthropic(t *testing.T) {
	body := []byte(`{
		"id": "msg_01",
		"usage": {
			"input_tokens": 1000,
			"output_tokens": 500,
			"cache_creation_input_tokens": 200,
			"cache_read_input_tokens": 300
		}
	}`)

	usage, err := ExtractUnary("anthropic", body)
	require.NoError(t, err)
	assert.Equal(t, Usage{
		InputTokens:         1000,
		OutputTokens:        500,
		CacheCreationTokens: 200,
		CacheReadTokens:     300,
	}, usage)
}

func TestExtractUnaryOpenAIShape(t *testing.T) {
	body := []byte(`{
		"usage": {
			"prompt_tokens": 42,
			"completion_tokens": 7,
			"prompt_tokens_details": {"cached_tokens": 12}
		}
	}`)

	for _, provider := range []string{"openai", "deepseek", "groq", "mistral"} {
		usage, err := ExtractUnary(provider, body)
		require.NoError(t, err, provider)
		assert.Equal(t, Usage{InputTokens: 42, OutputTokens: 7, CacheReadTokens: 12}, usage, provider)
	}
}

func TestExtractUnaryGoogle(t *testing.T) {
	body := []byte(`{
		"usageMetadata": {
			"promptTokenCount": 11,
			"candidatesTokenCount": 22,
			"cachedContentTokenCount": 5
		}
	}`)

	usage, err := ExtractUnary("google", body)
	require.NoError(t, err)
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 22, CacheReadTokens: 5}, usage)
}

func TestExtractUnaryMalformed(t *testing.T) {
	_, err := ExtractUnary("openai", []byte("not json"))
	assert.Error(t, err)
}

func TestEstimateInputByteApproximation(t *testing.T) {
	m := NewMeter(zap.NewNop())
	content := strings.Repeat("x", 396) // + 4 bytes of role = 400 bytes
	messages := []ChatMessage{{Role: "user", Content: content}}

	anthropic := m.EstimateInput("anthropic", "", messages)
	google := m.EstimateInput("google", "", messages)

	// 400 bytes / 4 = 100 base tokens
	assert.Equal(t, int64(110), anthropic)
	assert.Equal(t, int64(105), google)
}

func TestEstimateInputIncludesSystem(t *testing.T) {
	m := NewMeter(zap.NewNop())
	without := m.EstimateInput("anthropic", "", []ChatMessage{{Role: "user", Content: "hi"}})
	with := m.EstimateInput("anthropic", "You are a careful assistant with a very long preamble.", []ChatMessage{{Role: "user", Content: "hi"}})
	assert.Greater(t, with, without)
}

func TestStreamAccumulatorAnthropic(t *testing.T) {
	acc := NewStreamAccumulator("anthropic")

	acc.Feed([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":100,"cache_read_input_tokens":40}}}`))
	text1 := acc.Feed([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`))
	text2 := acc.Feed([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}`))
	acc.Feed([]byte(`{"type":"message_delta","usage":{"output_tokens":12}}`))
	acc.Feed([]byte(`{"type":"message_delta","usage":{"output_tokens":25}}`))

	assert.Equal(t, "Hello", text1)
	assert.Equal(t, " world", text2)
	assert.Equal(t, "Hello world", acc.Content())

	usage, estimated := acc.Usage()
	assert.False(t, estimated)
	assert.Equal(t, Usage{InputTokens: 100, OutputTokens: 25, CacheReadTokens: 40}, usage)
}

func TestStreamAccumulatorOpenAIWithUsage(t *testing.T) {
	acc := NewStreamAccumulator("openai")

	acc.Feed([]byte(`{"choices":[{"delta":{"content":"Hi"}}],"usage":null}`))
	acc.Feed([]byte(`{"choices":[{"delta":{"content":" there"}}],"usage":null}`))
	acc.Feed([]byte(`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3}}`))
	acc.Feed([]byte(`[DONE]`))

	usage, estimated := acc.Usage()
	assert.False(t, estimated)
	assert.Equal(t, Usage{InputTokens: 9, OutputTokens: 3}, usage)
	assert.Equal(t, "Hi there", acc.Content())
}

func TestStreamAccumulatorOpenAIWithoutUsageEstimates(t *testing.T) {
	acc := NewStreamAccumulator("openai")

	acc.Feed([]byte(`{"choices":[{"delta":{"content":"01234567"}}]}`))
	acc.Feed([]byte(`{"choices":[{"delta":{"content":"89abcdef"}}]}`))

	usage, estimated := acc.Usage()
	assert.True(t, estimated)
	assert.Equal(t, int64(4), usage.OutputTokens) // 16 chars / 4
}

func TestStreamAccumulatorSkipsMalformedChunk(t *testing.T) {
	acc := NewStreamAccumulator("anthropic")
	assert.Equal(t, "", acc.Feed([]byte("{broken")))
	acc.Feed([]byte(`{"type":"message_delta","usage":{"output_tokens":5}}`))
	usage, _ := acc.Usage()
	assert.Equal(t, int64(5), usage.OutputTokens)
}
