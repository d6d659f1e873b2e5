package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/accproxy/accproxy/internal/metering"
)

// The two inbound wire shapes.
const (
	EndpointMessages = "/v1/messages"
	EndpointChat     = "/v1/chat/completions"
)

var errMalformedBody = errors.New("malformed request body")

// ParsedRequest is the slice of the inbound body the pipeline needs.
// The raw bytes are forwarded unchanged except for model substitution.
type ParsedRequest struct {
	Model    string
	System   string
	Messages []metering.ChatMessage
	Stream   bool
	Metadata map[string]string
	Raw      []byte
}

type inboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type inboundBody struct {
	Model    string            `json:"model"`
	System   json.RawMessage   `json:"system"`
	Messages []inboundMessage  `json:"messages"`
	Stream   bool              `json:"stream"`
	Metadata map[string]string `json:"metadata"`
}

// ParseRequest decodes the fields shared by both wire shapes. Message
// content may be a plain string or an array of typed blocks; only the
// text blocks matter for estimation and analysis.
func ParseRequest(raw []byte) (*ParsedRequest, error) {
	var body inboundBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errMalformedBody
	}
	if body.Model == "" || len(body.Messages) == 0 {
		return nil, errMalformedBody
	}

	parsed := &ParsedRequest{
		Model:    body.Model,
		System:   flattenContent(body.System),
		Stream:   body.Stream,
		Metadata: body.Metadata,
		Raw:      raw,
	}
	for _, msg := range body.Messages {
		text := flattenContent(msg.Content)
		if msg.Role == "system" && parsed.System == "" {
			parsed.System = text
			continue
		}
		parsed.Messages = append(parsed.Messages, metering.ChatMessage{Role: msg.Role, Content: text})
	}
	return parsed, nil
}

// flattenContent joins the text out of a string-or-blocks content
// value.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "" || b.Type == "text" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// AnalysisText flattens the whole conversation for the detectors.
func (p *ParsedRequest) AnalysisText() string {
	var sb strings.Builder
	if p.System != "" {
		sb.WriteString(p.System)
	}
	for _, msg := range p.Messages {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(msg.Content)
	}
	return sb.String()
}

// WithModel returns the raw body with only the model field replaced,
// preserving every other byte-level field the client sent.
func (p *ParsedRequest) WithModel(model string) ([]byte, error) {
	if model == p.Model {
		return p.Raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.Raw, &fields); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = encoded
	return json.Marshal(fields)
}

// upstreamCredential finds the pass-through provider key on the
// inbound request. Anthropic-shape requests carry it in x-api-key or
// anthropic-api-key; OpenAI-shape in the Authorization bearer, unless
// that bearer is the issued proxy key.
func upstreamCredential(r *http.Request, endpoint, issuedPrefix string) string {
	if endpoint == EndpointMessages {
		if key := r.Header.Get("x-api-key"); key != "" && !strings.HasPrefix(key, issuedPrefix) {
			return key
		}
		if key := r.Header.Get("anthropic-api-key"); key != "" {
			return key
		}
		return ""
	}
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if key := strings.TrimSpace(parts[1]); !strings.HasPrefix(key, issuedPrefix) {
				return key
			}
		}
	}
	return ""
}
