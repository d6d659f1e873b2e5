package handlers

import (
	"net/http"

	"github.com/accproxy/accproxy/internal/pipeline"
)

// ProxyHandler exposes the two inbound wire shapes. All semantics live
// in the pipeline; the handler only names the endpoint.
type ProxyHandler struct {
	pipeline *pipeline.Pipeline
}

func NewProxyHandler(p *pipeline.Pipeline) *ProxyHandler {
	return &ProxyHandler{pipeline: p}
}

// Messages serves the anthropic-shape endpoint.
func (h *ProxyHandler) Messages(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Handle(w, r, pipeline.EndpointMessages)
}

// ChatCompletions serves the openai-shape endpoint.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Handle(w, r, pipeline.EndpointChat)
}
