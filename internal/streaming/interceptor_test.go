package streaming

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/auth"
	"github.com/accproxy/accproxy/internal/metering"
	"github.com/accproxy/accproxy/internal/security"
)

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}

event: message_delta
data: {"type":"message_delta","usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}

`

type collectEmitter struct {
	mu     sync.Mutex
	frames []string
}

func (c *collectEmitter) emit(raw []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, string(raw))
	c.mu.Unlock()
	return nil
}

func (c *collectEmitter) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.frames, "")
}

type scriptedAnalyzer struct {
	mu      sync.Mutex
	calls   int
	summary *security.Summary
	async   func(kill security.KillFunc)
}

func (a *scriptedAnalyzer) AnalyzeResponse(_ context.Context, _ *security.Input, kill security.KillFunc) *security.Summary {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.async != nil {
		go a.async(kill)
	}
	if a.summary != nil {
		return a.summary
	}
	return security.Summarize(nil)
}

func (a *scriptedAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestSession() *Session {
	return NewSession(&auth.Principal{UserID: uuid.New(), AgentID: "agent-1"}, "anthropic", "claude-sonnet-4-5")
}

func newTestInterceptor(a Analyzer, cfg Config) *Interceptor {
	return NewInterceptor(a, cfg, zap.NewNop())
}

func TestRunForwardsAllFramesAndAccountsUsage(t *testing.T) {
	session := newTestSession()
	emitter := &collectEmitter{}
	i := newTestInterceptor(&scriptedAnalyzer{}, Config{})

	res, err := i.Run(context.Background(), session,
		io.NopCloser(strings.NewReader(anthropicStream)), emitter.emit)
	require.NoError(t, err)

	assert.False(t, res.Killed)
	assert.EqualValues(t, 25, res.Usage.InputTokens)
	assert.EqualValues(t, 12, res.Usage.OutputTokens)
	assert.False(t, res.Estimated)
	assert.Equal(t, StateCompleted, session.State())
	assert.Equal(t, 5, session.ChunkCount())
	assert.Contains(t, emitter.joined(), `"text":"Hello"`)
	assert.Contains(t, emitter.joined(), "message_stop")
	assert.Equal(t, "Hello world", session.Content())
}

func TestRunInvokesAnalyzerOnChunkCadence(t *testing.T) {
	session := newTestSession()
	analyzer := &scriptedAnalyzer{}
	i := newTestInterceptor(analyzer, Config{AnalyzeEveryChunks: 2})

	_, err := i.Run(context.Background(), session,
		io.NopCloser(strings.NewReader(anthropicStream)), (&collectEmitter{}).emit)
	require.NoError(t, err)

	// 5 frames at a cadence of 2 gives two analysis passes.
	assert.Equal(t, 2, analyzer.callCount())
}

func TestRunKillStopsForwarding(t *testing.T) {
	session := newTestSession()
	emitter := &collectEmitter{}

	// Block-level inline finding on the first analysis pass.
	summary := security.Summarize([]security.Result{{
		Detected:   true,
		ThreatType: security.ThreatDataExfiltration,
		Severity:   security.SeverityCritical,
		Confidence: 0.95,
	}})
	security.Decide(summary, security.Policy{Mode: security.PolicyEnforce})
	analyzer := &scriptedAnalyzer{summary: summary}

	i := newTestInterceptor(analyzer, Config{AnalyzeEveryChunks: 2})

	pr, pw := io.Pipe()
	go func() {
		// Two full events, then hold the stream open.
		_, _ = pw.Write([]byte(anthropicStream[:strings.Index(anthropicStream, "event: message_delta")]))
		time.Sleep(500 * time.Millisecond)
		pw.Close()
	}()

	res, err := i.Run(context.Background(), session, pr, emitter.emit)
	require.NoError(t, err)

	assert.True(t, res.Killed)
	assert.Equal(t, StateTerminated, session.State())
	assert.Equal(t, security.ThreatDataExfiltration, res.Reason)
	assert.Contains(t, emitter.joined(), "stream_terminated")
	assert.Contains(t, emitter.joined(), "[DONE]")
	// The held-back message_delta frame was never forwarded.
	assert.NotContains(t, emitter.joined(), "message_delta")
}

func TestRunKillDropsAlreadyBufferedFrames(t *testing.T) {
	session := newTestSession()
	emitter := &collectEmitter{}
	var once sync.Once
	emit := func(raw []byte) error {
		err := emitter.emit(raw)
		once.Do(func() { session.Kill(security.ThreatCredentialExposure) })
		return err
	}

	// The whole stream is in memory, so every frame after the first is
	// already buffered ahead of the client when the kill lands.
	i := newTestInterceptor(nil, Config{})
	res, err := i.Run(context.Background(), session,
		io.NopCloser(strings.NewReader(anthropicStream)), emit)
	require.NoError(t, err)

	assert.True(t, res.Killed)
	assert.Equal(t, security.ThreatCredentialExposure, res.Reason)
	assert.Equal(t, StateTerminated, session.State())
	assert.Equal(t, 1, session.ChunkCount())
	assert.NotContains(t, emitter.joined(), "content_block_delta")
	assert.Contains(t, emitter.joined(), "stream_terminated")
}

func TestRunKillAtStreamEndIsNotLost(t *testing.T) {
	session := newTestSession()
	emitter := &collectEmitter{}
	session.Kill(security.ThreatRunawayLoop)

	// The upstream has already ended when the pending kill is seen; it
	// must still terminate the session rather than complete it.
	i := newTestInterceptor(nil, Config{})
	res, err := i.Run(context.Background(), session,
		io.NopCloser(strings.NewReader("")), emitter.emit)
	require.NoError(t, err)

	assert.True(t, res.Killed)
	assert.Equal(t, security.ThreatRunawayLoop, res.Reason)
	assert.Equal(t, StateTerminated, session.State())
	assert.Contains(t, emitter.joined(), "stream_terminated")
}

func TestRunAsyncKillLandsBetweenChunks(t *testing.T) {
	session := newTestSession()
	analyzer := &scriptedAnalyzer{
		async: func(kill security.KillFunc) { kill("runaway_loop") },
	}
	i := newTestInterceptor(analyzer, Config{AnalyzeEveryChunks: 1})

	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(anthropicStream[:strings.Index(anthropicStream, "event: message_delta")]))
		time.Sleep(500 * time.Millisecond)
		_, _ = pw.Write([]byte(anthropicStream[strings.Index(anthropicStream, "event: message_delta"):]))
		pw.Close()
	}()

	res, err := i.Run(context.Background(), session, pr, (&collectEmitter{}).emit)
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.Equal(t, "runaway_loop", res.Reason)
}

func TestRunClientCancellation(t *testing.T) {
	session := newTestSession()
	i := newTestInterceptor(&scriptedAnalyzer{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":5}}}\n\n"))
		cancel()
	}()
	defer pw.Close()

	res, err := i.Run(ctx, session, pr, (&collectEmitter{}).emit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Killed)
	assert.Equal(t, StateTerminated, session.State())
}

func TestSessionKillIsIdempotent(t *testing.T) {
	session := newTestSession()
	session.Kill("first")
	session.Kill("second")

	select {
	case reason := <-session.killCh:
		assert.Equal(t, "first", reason)
	default:
		t.Fatal("kill channel empty")
	}
}

func TestSessionContextMessages(t *testing.T) {
	session := newTestSession()
	session.acc.Feed([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial answer"}}`))

	original := []metering.ChatMessage{
		{Role: "user", Content: "a question"},
	}
	extended := session.ContextMessages(original)
	require.Len(t, extended, 2)
	assert.Equal(t, "assistant", extended[1].Role)
	assert.Equal(t, "partial answer", extended[1].Content)
}

func TestSessionTerminalStatesStick(t *testing.T) {
	session := newTestSession()
	session.transition(StateCompleted, "")
	session.transition(StateTerminated, "too late")
	assert.Equal(t, StateCompleted, session.State())
	assert.Empty(t, session.KillReason())
}

func TestOpenAIStreamEstimatedUsage(t *testing.T) {
	session := NewSession(&auth.Principal{UserID: uuid.New()}, "openai", "gpt-4o")
	i := newTestInterceptor(nil, Config{})

	stream := `data: {"choices":[{"delta":{"content":"four char"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":" chunks here"}}]}` + "\n\n" +
		"data: [DONE]\n\n"

	res, err := i.Run(context.Background(), session,
		io.NopCloser(strings.NewReader(stream)), (&collectEmitter{}).emit)
	require.NoError(t, err)
	assert.True(t, res.Estimated)
	assert.EqualValues(t, len("four char chunks here")/4, res.Usage.OutputTokens)
}
