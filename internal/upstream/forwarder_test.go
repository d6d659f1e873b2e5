package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestForwarder(cfg Config) *Forwarder {
	return NewForwarder(cfg, zap.NewNop())
}

func TestForwardAnthropicHeaders(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer srv.Close()
	defer BaseURLOverride("anthropic", srv.URL)()

	f := newTestForwarder(Config{})
	resp, err := f.Forward(context.Background(), &Request{
		Provider:   "anthropic",
		Model:      "claude-sonnet-4-5",
		Body:       []byte(`{"model":"claude-sonnet-4-5"}`),
		Credential: "sk-ant-test",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v1/messages", got.URL.Path)
	assert.Equal(t, "sk-ant-test", got.Header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", got.Header.Get("anthropic-version"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"model":"claude-sonnet-4-5"}`, string(gotBody))
}

func TestForwardOpenAIBearer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer BaseURLOverride("openai", srv.URL)()

	f := newTestForwarder(Config{})
	resp, err := f.Forward(context.Background(), &Request{
		Provider:   "openai",
		Model:      "gpt-4o",
		Body:       []byte(`{}`),
		Credential: "sk-test",
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer sk-test", auth)
}

func TestForwardGoogleQueryKey(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer BaseURLOverride("google", srv.URL)()

	f := newTestForwarder(Config{})
	resp, err := f.Forward(context.Background(), &Request{
		Provider:   "google",
		Model:      "gemini-2-5-pro",
		Body:       []byte(`{}`),
		Credential: "g-key",
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, gotURL, "/v1beta/models/gemini-2-5-pro:generateContent")
	assert.Contains(t, gotURL, "key=g-key")
}

func TestForwardGoogleStreamingVerb(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer BaseURLOverride("google", srv.URL)()

	f := newTestForwarder(Config{})
	resp, err := f.Forward(context.Background(), &Request{
		Provider:   "google",
		Model:      "gemini-2-5-pro",
		Body:       []byte(`{}`),
		Credential: "g-key",
		Streaming:  true,
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, gotURL, ":streamGenerateContent")
}

func TestForwardUnknownProvider(t *testing.T) {
	f := newTestForwarder(Config{})
	_, err := f.Forward(context.Background(), &Request{Provider: "acme", Credential: "x"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestForwardMissingCredential(t *testing.T) {
	t.Setenv("MISTRAL_API_KEY", "")
	f := newTestForwarder(Config{})
	_, err := f.Forward(context.Background(), &Request{Provider: "mistral", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestForwardEnvFallbackCredential(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer BaseURLOverride("deepseek", srv.URL)()
	t.Setenv("DEEPSEEK_API_KEY", "env-key")

	f := newTestForwarder(Config{})
	resp, err := f.Forward(context.Background(), &Request{Provider: "deepseek", Body: []byte(`{}`)})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer env-key", auth)
}

func TestForwardUpstreamErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()
	defer BaseURLOverride("openai", srv.URL)()

	f := newTestForwarder(Config{})
	_, err := f.Forward(context.Background(), &Request{Provider: "openai", Body: []byte(`{}`), Credential: "k"})

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusTooManyRequests, upErr.StatusCode)
	assert.Equal(t, "openai", upErr.Provider)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(upErr.Body, &decoded))
	assert.Contains(t, decoded, "error")
}

func TestForwardUpstreamNonJSONErrorWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()
	defer BaseURLOverride("openai", srv.URL)()

	f := newTestForwarder(Config{})
	_, err := f.Forward(context.Background(), &Request{Provider: "openai", Body: []byte(`{}`), Credential: "k"})

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.True(t, json.Valid(upErr.Body))
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()
	defer BaseURLOverride("openai", srv.URL)()

	f := newTestForwarder(Config{UnaryTimeout: 50 * time.Millisecond})
	_, err := f.Forward(context.Background(), &Request{Provider: "openai", Body: []byte(`{}`), Credential: "k"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestForwardConnectionRefused(t *testing.T) {
	defer BaseURLOverride("openai", "http://127.0.0.1:1")()

	f := newTestForwarder(Config{})
	_, err := f.Forward(context.Background(), &Request{Provider: "openai", Body: []byte(`{}`), Credential: "k"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.ErrorIs(t, err, ErrConnection)
}

func TestForwardStreamingPassesBodyThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()
	defer BaseURLOverride("openai", srv.URL)()

	f := newTestForwarder(Config{})
	resp, err := f.Forward(context.Background(), &Request{
		Provider: "openai", Body: []byte(`{}`), Credential: "k", Streaming: true,
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "data: "))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
}
