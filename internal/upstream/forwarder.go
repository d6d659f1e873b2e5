package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Endpoint describes how to reach one provider.
type Endpoint struct {
	BaseURL      string
	UnaryPath    string
	AuthHeader   string // header name; empty means query-string key
	BearerPrefix bool
	ExtraHeaders map[string]string
	EnvKey       string // fallback credential when none passed through
}

// endpoints is the static provider table. google authenticates with a
// query-string key rather than a header.
var endpoints = map[string]Endpoint{
	"anthropic": {
		BaseURL:      "https://api.anthropic.com",
		UnaryPath:    "/v1/messages",
		AuthHeader:   "x-api-key",
		ExtraHeaders: map[string]string{"anthropic-version": "2023-06-01"},
		EnvKey:       "ANTHROPIC_API_KEY",
	},
	"openai": {
		BaseURL:      "https://api.openai.com",
		UnaryPath:    "/v1/chat/completions",
		AuthHeader:   "Authorization",
		BearerPrefix: true,
		EnvKey:       "OPENAI_API_KEY",
	},
	"google": {
		BaseURL:   "https://generativelanguage.googleapis.com",
		UnaryPath: "/v1beta/models/%s:generateContent",
		EnvKey:    "GEMINI_API_KEY",
	},
	"deepseek": {
		BaseURL:      "https://api.deepseek.com",
		UnaryPath:    "/v1/chat/completions",
		AuthHeader:   "Authorization",
		BearerPrefix: true,
		EnvKey:       "DEEPSEEK_API_KEY",
	},
	"groq": {
		BaseURL:      "https://api.groq.com/openai",
		UnaryPath:    "/v1/chat/completions",
		AuthHeader:   "Authorization",
		BearerPrefix: true,
		EnvKey:       "GROQ_API_KEY",
	},
	"mistral": {
		BaseURL:      "https://api.mistral.ai",
		UnaryPath:    "/v1/chat/completions",
		AuthHeader:   "Authorization",
		BearerPrefix: true,
		EnvKey:       "MISTRAL_API_KEY",
	},
	"xai": {
		BaseURL:      "https://api.x.ai",
		UnaryPath:    "/v1/chat/completions",
		AuthHeader:   "Authorization",
		BearerPrefix: true,
		EnvKey:       "XAI_API_KEY",
	},
	"cohere": {
		BaseURL:      "https://api.cohere.com",
		UnaryPath:    "/v2/chat",
		AuthHeader:   "Authorization",
		BearerPrefix: true,
		EnvKey:       "COHERE_API_KEY",
	},
}

// Failure classes surfaced to the pipeline.
var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNoCredential    = errors.New("no upstream credential")
	ErrTimeout         = errors.New("upstream timeout")
	ErrConnection      = errors.New("upstream connection failed")
)

// UpstreamError wraps a non-2xx upstream response so the original
// status and error payload survive into the proxy's error envelope.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       json.RawMessage
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned %d", e.Provider, e.StatusCode)
}

// Request is one outbound call.
type Request struct {
	Provider   string
	Model      string
	Body       []byte
	Credential string // pass-through key from the inbound request
	Streaming  bool
}

// Response is the upstream reply. For streaming calls Body is the
// live SSE stream and must be closed by the consumer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Config tunes the forwarder's HTTP behavior.
type Config struct {
	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
}

// Forwarder opens exactly one upstream HTTP call per inbound request.
// The proxy holds no provider credentials of its own; keys arrive on
// the inbound request and fall back to process environment only for
// development setups.
type Forwarder struct {
	unary  *http.Client
	stream *http.Client
	logger *zap.Logger
}

func NewForwarder(cfg Config, logger *zap.Logger) *Forwarder {
	if cfg.UnaryTimeout <= 0 {
		cfg.UnaryTimeout = 120 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 180 * time.Second
	}
	return &Forwarder{
		unary:  &http.Client{Timeout: cfg.UnaryTimeout},
		stream: &http.Client{Timeout: cfg.StreamTimeout},
		logger: logger.Named("upstream"),
	}
}

// Endpoints lists the providers the forwarder can reach.
func Endpoints() []string {
	out := make([]string, 0, len(endpoints))
	for name := range endpoints {
		out = append(out, name)
	}
	return out
}

// Forward sends the request and classifies failures: timeouts,
// connection errors, and upstream non-2xx are distinct error values.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*Response, error) {
	ep, ok := endpoints[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}

	credential := req.Credential
	if credential == "" && ep.EnvKey != "" {
		credential = os.Getenv(ep.EnvKey)
	}
	if credential == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoCredential, req.Provider)
	}

	httpReq, err := f.buildRequest(ctx, ep, req, credential)
	if err != nil {
		return nil, err
	}

	client := f.unary
	if req.Streaming {
		client = f.stream
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	f.logger.Debug("upstream call",
		zap.String("provider", req.Provider),
		zap.String("model", req.Model),
		zap.Int("status", resp.StatusCode),
		zap.Bool("streaming", req.Streaming),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if !json.Valid(body) {
			body, _ = json.Marshal(map[string]string{"message": strings.TrimSpace(string(body))})
		}
		return nil, &UpstreamError{Provider: req.Provider, StatusCode: resp.StatusCode, Body: body}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, ep Endpoint, req *Request, credential string) (*http.Request, error) {
	path := ep.UnaryPath
	if strings.Contains(path, "%s") {
		verb := "generateContent"
		if req.Streaming {
			verb = "streamGenerateContent"
		}
		path = fmt.Sprintf(strings.Replace(path, "generateContent", verb, 1), url.PathEscape(req.Model))
	}

	target := ep.BaseURL + path
	if ep.AuthHeader == "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "key=" + url.QueryEscape(credential)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if ep.AuthHeader != "" {
		value := credential
		if ep.BearerPrefix {
			value = "Bearer " + credential
		}
		httpReq.Header.Set(ep.AuthHeader, value)
	}
	for name, value := range ep.ExtraHeaders {
		httpReq.Header.Set(name, value)
	}
	return httpReq, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// BaseURLOverride rewrites a provider's base URL, used by tests and
// by deployments fronting providers with an internal egress proxy.
func BaseURLOverride(provider, baseURL string) (restore func()) {
	ep, ok := endpoints[provider]
	if !ok {
		return func() {}
	}
	previous := ep.BaseURL
	ep.BaseURL = baseURL
	endpoints[provider] = ep
	return func() {
		ep := endpoints[provider]
		ep.BaseURL = previous
		endpoints[provider] = ep
	}
}
