package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/auth"
	"github.com/accproxy/accproxy/internal/budget"
	"github.com/accproxy/accproxy/internal/costing"
	"github.com/accproxy/accproxy/internal/journal"
	"github.com/accproxy/accproxy/internal/metering"
	"github.com/accproxy/accproxy/internal/metrics"
	"github.com/accproxy/accproxy/internal/models"
	"github.com/accproxy/accproxy/internal/pricing"
	"github.com/accproxy/accproxy/internal/routing"
	"github.com/accproxy/accproxy/internal/security"
	"github.com/accproxy/accproxy/internal/security/detectors"
	"github.com/accproxy/accproxy/internal/streaming"
	"github.com/accproxy/accproxy/internal/upstream"
)

const maxBodyBytes = 10 << 20

// How long a model sits out of routing after its upstream refuses
// connections.
const unavailableCooldown = 30 * time.Second

// Response headers attached to every proxied request.
const (
	HeaderRequestID       = "x-acc-request-id"
	HeaderCost            = "x-acc-cost"
	HeaderTokensInput     = "x-acc-tokens-input"
	HeaderTokensOutput    = "x-acc-tokens-output"
	HeaderModelUsed       = "x-acc-model-used"
	HeaderLatencyMs       = "x-acc-latency-ms"
	HeaderBudgetStatus    = "x-acc-budget-status"
	HeaderSecurityStatus  = "x-acc-security-status"
	HeaderSecurityWarning = "x-acc-security-warning"
	HeaderThreatLevel     = "x-acc-threat-level"
)

// KillStore persists detector-initiated stream terminations for later
// acknowledgement by the agent.
type KillStore interface {
	RecordKill(ctx context.Context, kill *models.KillRequest) error
}

type gormKillStore struct{ db *gorm.DB }

func NewKillStore(db *gorm.DB) KillStore { return &gormKillStore{db: db} }

func (s *gormKillStore) RecordKill(ctx context.Context, kill *models.KillRequest) error {
	return s.db.WithContext(ctx).Create(kill).Error
}

// Config carries the pipeline's own tunables.
type Config struct {
	// EstimatedRequestCost is the conservative projected cost used for
	// the budget pre-check before real usage is known.
	EstimatedRequestCost decimal.Decimal
	KeyPrefix            string
}

// Pipeline threads one request through authentication, budget
// pre-check, routing, security analysis, forwarding, metering, cost
// attribution, debit, and journalling.
type Pipeline struct {
	cfg         Config
	auth        *auth.Authenticator
	budget      *budget.Engine
	router      *routing.Router
	security    *security.Engine
	quarantine  *security.Quarantine
	forwarder   *upstream.Forwarder
	interceptor *streaming.Interceptor
	meter       *metering.Meter
	pricing     *pricing.Registry
	journal     *journal.Writer
	kills       KillStore
	logger      *zap.Logger
}

// Deps bundles the pipeline's collaborators, constructed once at boot.
type Deps struct {
	Config      Config
	Auth        *auth.Authenticator
	Budget      *budget.Engine
	Router      *routing.Router
	Security    *security.Engine
	Quarantine  *security.Quarantine
	Forwarder   *upstream.Forwarder
	Interceptor *streaming.Interceptor
	Meter       *metering.Meter
	Pricing     *pricing.Registry
	Journal     *journal.Writer
	Kills       KillStore
	Logger      *zap.Logger
}

func New(deps Deps) *Pipeline {
	cfg := deps.Config
	if cfg.EstimatedRequestCost.IsZero() {
		cfg.EstimatedRequestCost = decimal.RequireFromString("0.10")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "acc_"
	}
	return &Pipeline{
		cfg:         cfg,
		auth:        deps.Auth,
		budget:      deps.Budget,
		router:      deps.Router,
		security:    deps.Security,
		quarantine:  deps.Quarantine,
		forwarder:   deps.Forwarder,
		interceptor: deps.Interceptor,
		meter:       deps.Meter,
		pricing:     deps.Pricing,
		journal:     deps.Journal,
		kills:       deps.Kills,
		logger:      deps.Logger.Named("pipeline"),
	}
}

// requestState accumulates what the tail of the pipeline needs.
type requestState struct {
	id        string
	endpoint  string
	start     time.Time
	principal *auth.Principal
	parsed    *ParsedRequest

	provider       string
	modelOriginal  string
	modelEffective string
	credential     string
}

// Handle runs the full pipeline for one inbound request.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, endpoint string) {
	st := &requestState{
		id:       uuid.NewString(),
		endpoint: endpoint,
		start:    time.Now(),
	}
	w.Header().Set(HeaderRequestID, st.id)

	principal, err := p.auth.Authenticate(r)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingKey):
			writeError(w, http.StatusUnauthorized, KindMissingAPIKey, "no api key provided", nil)
		default:
			writeError(w, http.StatusForbidden, KindInvalidAPIKey, "api key is invalid or revoked", nil)
		}
		return
	}
	st.principal = principal

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindProxyError, "failed to read request body", nil)
		return
	}
	parsed, err := ParseRequest(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindProxyError, "malformed request body", nil)
		return
	}
	st.parsed = parsed
	st.modelOriginal = parsed.Model
	st.modelEffective = parsed.Model
	st.provider = routing.InferProvider(parsed.Model)
	st.credential = upstreamCredential(r, endpoint, p.cfg.KeyPrefix)

	tokenEstimate := p.meter.EstimateInput(st.provider, parsed.System, parsed.Messages)

	// Budget pre-check against projected spend.
	decision := p.budget.Check(r.Context(), principal, st.modelEffective, p.cfg.EstimatedRequestCost)
	metrics.BudgetDecisions.WithLabelValues(decision.Kind.String()).Inc()
	switch decision.Kind {
	case budget.Block:
		writeError(w, http.StatusTooManyRequests, KindBudgetExceeded,
			fmt.Sprintf("budget %q exhausted", decision.BudgetName),
			map[string]any{
				"budget":       decision.BudgetName,
				"percent_used": decision.PercentUsed,
				"remaining":    decision.Remaining.String(),
			})
		p.journalRecord(st, metering.Usage{}, decimal.Zero, http.StatusTooManyRequests, false, false)
		return
	case budget.Downgrade:
		p.logger.Info("budget downgrade",
			zap.String("request_id", st.id),
			zap.String("from", st.modelEffective),
			zap.String("to", decision.TargetModel))
		st.modelEffective = decision.TargetModel
		st.provider = routing.InferProvider(decision.TargetModel)
		w.Header().Set(HeaderBudgetStatus, "downgraded")
	case budget.Warn:
		w.Header().Set(HeaderBudgetStatus, "warning")
	}

	// Routing may substitute provider and model.
	route := p.router.Route(r.Context(), principal, st.modelEffective, parsed.System, parsed.Messages, tokenEstimate, parsed.Metadata)
	if route.Model != st.modelEffective {
		metrics.RoutingApplied.WithLabelValues(route.Model).Inc()
		st.modelEffective = route.Model
		st.provider = route.Provider
	}

	// Inline security verdict on the request.
	secInput := &security.Input{
		RequestID:   st.id,
		UserID:      principal.UserID,
		AgentID:     principal.AgentID,
		ClientIP:    r.RemoteAddr,
		Content:     parsed.AnalysisText(),
		RawBody:     raw,
		SizeBytes:   len(raw),
		InputTokens: tokenEstimate,
	}
	summary := p.security.AnalyzeRequest(r.Context(), secInput)
	for _, res := range summary.Results {
		metrics.SecurityDetections.WithLabelValues(res.ThreatType, res.Severity.String()).Inc()
	}
	if summary.HasAction(security.ActionQuarantine) && p.quarantine != nil {
		if err := p.quarantine.Store(r.Context(), st.id, secInput, summary.Results); err != nil {
			p.logger.Error("quarantine store failed", zap.String("request_id", st.id), zap.Error(err))
		}
	}
	if summary.HasAction(security.ActionBlock) {
		writeError(w, http.StatusForbidden, KindSecurityViolation, "request blocked by security policy",
			map[string]any{
				"threat_types": summary.ThreatTypeList(),
				"max_severity": summary.MaxSeverity.String(),
			})
		p.journalRecord(st, metering.Usage{}, decimal.Zero, http.StatusForbidden, false, false)
		return
	}
	if summary.HasAction(security.ActionWarn) {
		w.Header().Set(HeaderSecurityWarning, "true")
		w.Header().Set(HeaderThreatLevel, summary.MaxSeverity.String())
	}

	body, err := parsed.WithModel(st.modelEffective)
	if err != nil {
		writeError(w, http.StatusInternalServerError, KindProxyError, "failed to prepare upstream request", nil)
		return
	}

	if parsed.Stream {
		p.handleStreaming(w, r, st, body)
		return
	}
	p.handleUnary(w, r, st, body)
}

func (p *Pipeline) handleUnary(w http.ResponseWriter, r *http.Request, st *requestState, body []byte) {
	resp, err := p.forwarder.Forward(r.Context(), &upstream.Request{
		Provider:   st.provider,
		Model:      st.modelEffective,
		Body:       body,
		Credential: st.credential,
	})
	if err != nil {
		p.writeForwardError(w, st, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, KindUpstreamError, "failed to read upstream response", nil)
		p.journalRecord(st, metering.Usage{}, decimal.Zero, http.StatusBadGateway, false, false)
		return
	}

	usage, estimated := p.extractUsage(st, respBody)
	cost := p.settle(r.Context(), st, usage)

	// Post-hoc response analysis. Responses cannot be killed, but a
	// block-level finding withholds the payload and a redact finding
	// masks it.
	respSummary := p.security.AnalyzeResponse(r.Context(), &security.Input{
		RequestID:    st.id,
		UserID:       st.principal.UserID,
		AgentID:      st.principal.AgentID,
		Content:      string(respBody),
		SizeBytes:    len(respBody),
		OutputTokens: usage.OutputTokens,
		StatusCode:   resp.StatusCode,
	}, nil)
	if respSummary.HasAction(security.ActionBlock) {
		writeError(w, http.StatusForbidden, KindSecurityViolation, "response withheld by security policy",
			map[string]any{
				"threat_types": respSummary.ThreatTypeList(),
				"max_severity": respSummary.MaxSeverity.String(),
			})
		p.journalRecord(st, usage, cost, http.StatusForbidden, false, estimated)
		return
	}
	if respSummary.HasAction(security.ActionRedact) {
		respBody = []byte(detectors.Redact(string(respBody)))
		w.Header().Set(HeaderSecurityStatus, "redacted")
	}

	p.attachAccountingHeaders(w, st, usage, cost)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)

	p.journalRecord(st, usage, cost, http.StatusOK, false, estimated)
	p.observe(st, http.StatusOK, false)
}

func (p *Pipeline) handleStreaming(w http.ResponseWriter, r *http.Request, st *requestState, body []byte) {
	resp, err := p.forwarder.Forward(r.Context(), &upstream.Request{
		Provider:   st.provider,
		Model:      st.modelEffective,
		Body:       body,
		Credential: st.credential,
		Streaming:  true,
	})
	if err != nil {
		p.writeForwardError(w, st, err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !isEventStream(contentType) {
		// Upstream answered a stream request with a unary body; bill it
		// as unary and pass it through.
		defer resp.Body.Close()
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			writeError(w, http.StatusBadGateway, KindUpstreamError, "failed to read upstream response", nil)
			return
		}
		usage, estimated := p.extractUsage(st, respBody)
		cost := p.settle(r.Context(), st, usage)
		p.attachAccountingHeaders(w, st, usage, cost)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(respBody)
		p.journalRecord(st, usage, cost, http.StatusOK, true, estimated)
		p.observe(st, http.StatusOK, true)
		return
	}

	session := streaming.NewSession(st.principal, st.provider, st.modelEffective)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderModelUsed, st.modelEffective)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	result, runErr := p.interceptor.Run(r.Context(), session, resp.Body, emit)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		p.logger.Warn("stream ended abnormally", zap.String("request_id", st.id), zap.Error(runErr))
	}

	cost := p.settle(context.Background(), st, result.Usage)

	// A nil run error with Killed set means the termination came from
	// a detector, not from the client or the upstream going away.
	if result.Killed && runErr == nil {
		metrics.StreamKills.WithLabelValues(result.Reason).Inc()
		p.recordKill(st, session, result.Reason)
	}

	p.journalRecord(st, result.Usage, cost, http.StatusOK, true, result.Estimated)
	p.observe(st, http.StatusOK, true)
}

// settle computes the cost and debits every applicable budget.
func (p *Pipeline) settle(ctx context.Context, st *requestState, usage metering.Usage) decimal.Decimal {
	price := p.pricing.Lookup(ctx, st.provider, st.modelEffective, time.Now())
	cost := costing.Cost(usage, price)
	if err := p.budget.Debit(ctx, st.principal, cost, st.modelEffective); err != nil {
		p.logger.Error("budget debit failed",
			zap.String("request_id", st.id),
			zap.String("cost", cost.String()),
			zap.Error(err))
	}
	metrics.TokensTotal.WithLabelValues(st.provider, st.modelEffective, "input").Add(float64(usage.InputTokens))
	metrics.TokensTotal.WithLabelValues(st.provider, st.modelEffective, "output").Add(float64(usage.OutputTokens))
	costF, _ := cost.Float64()
	metrics.CostTotal.WithLabelValues(st.provider, st.modelEffective).Add(costF)
	return cost
}

// extractUsage pulls authoritative usage from the unary body, falling
// back to the pre-flight estimate when the provider omitted it.
func (p *Pipeline) extractUsage(st *requestState, respBody []byte) (metering.Usage, bool) {
	usage, err := metering.ExtractUnary(st.provider, respBody)
	if err == nil && usage.TotalTokens() > 0 {
		return usage, false
	}
	estimate := p.meter.EstimateInput(st.provider, st.parsed.System, st.parsed.Messages)
	return metering.Usage{InputTokens: estimate, OutputTokens: int64(len(respBody) / 4)}, true
}

func (p *Pipeline) writeForwardError(w http.ResponseWriter, st *requestState, err error) {
	var upErr *upstream.UpstreamError
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		metrics.UpstreamErrors.WithLabelValues(st.provider, "timeout").Inc()
		writeError(w, http.StatusGatewayTimeout, KindTimeout, "upstream request timed out", nil)
		p.journalRecord(st, metering.Usage{}, decimal.Zero, http.StatusGatewayTimeout, st.parsed.Stream, false)
	case errors.As(err, &upErr):
		metrics.UpstreamErrors.WithLabelValues(st.provider, "status").Inc()
		writeUpstreamError(w, upErr.StatusCode, st.provider, upErr.Body)
		p.journalRecord(st, metering.Usage{}, decimal.Zero, upErr.StatusCode, st.parsed.Stream, false)
	case errors.Is(err, upstream.ErrNoCredential), errors.Is(err, upstream.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, KindProxyError, err.Error(), nil)
		p.journalRecord(st, metering.Usage{}, decimal.Zero, http.StatusBadRequest, st.parsed.Stream, false)
	default:
		metrics.UpstreamErrors.WithLabelValues(st.provider, "connection").Inc()
		p.router.MarkUnavailable(st.modelEffective, unavailableCooldown)
		writeError(w, http.StatusBadGateway, KindUpstreamError, "failed to reach upstream provider", nil)
		p.journalRecord(st, metering.Usage{}, decimal.Zero, http.StatusBadGateway, st.parsed.Stream, false)
	}
}

func (p *Pipeline) attachAccountingHeaders(w http.ResponseWriter, st *requestState, usage metering.Usage, cost decimal.Decimal) {
	w.Header().Set(HeaderCost, cost.StringFixed(6))
	w.Header().Set(HeaderTokensInput, strconv.FormatInt(usage.InputTokens, 10))
	w.Header().Set(HeaderTokensOutput, strconv.FormatInt(usage.OutputTokens, 10))
	w.Header().Set(HeaderModelUsed, st.modelEffective)
	w.Header().Set(HeaderLatencyMs, strconv.FormatInt(time.Since(st.start).Milliseconds(), 10))
}

// journalRecord enqueues the accounting record. Journalling is
// fail-open for the request but fatal on queue overflow.
func (p *Pipeline) journalRecord(st *requestState, usage metering.Usage, cost decimal.Decimal, status int, isStream, estimated bool) {
	p.journal.Record(&models.JournalRecord{
		RequestID:           st.id,
		UserID:              st.principal.UserID,
		AgentID:             st.principal.AgentID,
		Provider:            st.provider,
		ModelOriginal:       st.modelOriginal,
		ModelEffective:      st.modelEffective,
		Endpoint:            st.endpoint,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CostUSD:             cost,
		LatencyMs:           time.Since(st.start).Milliseconds(),
		StatusCode:          status,
		Streaming:           isStream,
		UsageEstimated:      estimated,
	})
	metrics.JournalQueueDepth.Set(float64(p.journal.Pending()))
}

func (p *Pipeline) recordKill(st *requestState, session *streaming.Session, reason string) {
	if p.kills == nil {
		return
	}
	kill := &models.KillRequest{
		RequestID:  st.id,
		UserID:     st.principal.UserID,
		AgentID:    st.principal.AgentID,
		SessionID:  session.ID,
		ThreatType: reason,
		Reason:     "stream terminated by security policy",
		Pending:    true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.kills.RecordKill(ctx, kill); err != nil {
		p.logger.Error("kill record failed", zap.String("request_id", st.id), zap.Error(err))
	}
}

func (p *Pipeline) observe(st *requestState, status int, isStream bool) {
	metrics.RequestsTotal.WithLabelValues(st.provider, st.modelEffective, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(st.provider, strconv.FormatBool(isStream)).
		Observe(time.Since(st.start).Seconds())
}

func isEventStream(contentType string) bool {
	return len(contentType) >= 17 && contentType[:17] == "text/event-stream"
}
