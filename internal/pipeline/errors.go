package pipeline

import (
	"encoding/json"
	"net/http"
)

// Error kinds surfaced in the envelope. Status codes are part of the
// public contract and must not drift.
const (
	KindMissingAPIKey     = "missing_api_key"
	KindInvalidAPIKey     = "invalid_api_key"
	KindBudgetExceeded    = "budget_exceeded"
	KindSecurityViolation = "security_violation"
	KindTimeout           = "timeout"
	KindProxyError        = "proxy_error"
	KindUpstreamError     = "upstream_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	if kind == KindMissingAPIKey {
		w.Header().Set("WWW-Authenticate", `Bearer realm="accproxy"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Type:    kind,
		Message: message,
		Details: details,
	}})
}

// writeUpstreamError relocates the upstream's error JSON into the
// stable envelope while passing its status through.
func writeUpstreamError(w http.ResponseWriter, status int, provider string, upstream json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Type:    KindUpstreamError,
		Message: "upstream provider returned an error",
		Details: map[string]any{
			"provider": provider,
			"upstream": upstream,
		},
	}})
}
