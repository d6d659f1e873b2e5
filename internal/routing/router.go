package routing

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/auth"
	"github.com/accproxy/accproxy/internal/metering"
	"github.com/accproxy/accproxy/internal/models"
	"github.com/accproxy/accproxy/internal/pricing"
)

// Store is the rule persistence surface. Rules come back ordered by
// ascending priority.
type Store interface {
	ActiveRulesFor(ctx context.Context, userID uuid.UUID) ([]*models.RoutingRule, error)
	RecordApplication(ctx context.Context, ruleID uuid.UUID, savings decimal.Decimal) error
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) ActiveRulesFor(ctx context.Context, userID uuid.UUID) ([]*models.RoutingRule, error) {
	var rules []*models.RoutingRule
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND enabled = ?", userID, true).
		Order("priority ASC, created_at ASC").
		Find(&rules).Error
	return rules, err
}

func (s *gormStore) RecordApplication(ctx context.Context, ruleID uuid.UUID, savings decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&models.RoutingRule{}).
		Where("id = ?", ruleID).
		Updates(map[string]interface{}{
			"times_applied":         gorm.Expr("times_applied + 1"),
			"estimated_savings_usd": gorm.Expr("estimated_savings_usd + ?", savings),
		}).Error
}

// Result is the routing verdict for one request.
type Result struct {
	Provider         string
	Model            string
	Reason           string
	RuleID           uuid.UUID
	EstimatedSavings decimal.Decimal
	IsFallback       bool
}

// Router applies per-principal routing rules and maintains fallback
// chains for unavailable upstreams.
type Router struct {
	store    Store
	registry *pricing.Registry
	logger   *zap.Logger
	health   *healthTracker

	now func() time.Time
}

func NewRouter(store Store, registry *pricing.Registry, logger *zap.Logger) *Router {
	return &Router{
		store:    store,
		registry: registry,
		logger:   logger.Named("routing"),
		health:   newHealthTracker(),
		now:      time.Now,
	}
}

// Route evaluates the principal's rules in priority order; the first
// rule whose condition conjunction holds wins. No match passes the
// requested model through with its inferred provider. Rule fetch
// errors also pass through: routing never rejects a request.
func (r *Router) Route(ctx context.Context, principal *auth.Principal, requestedModel, system string, messages []metering.ChatMessage, tokenEstimate int64, metadata map[string]string) Result {
	passThrough := Result{
		Provider: InferProvider(requestedModel),
		Model:    requestedModel,
		Reason:   "pass-through",
	}

	rules, err := r.store.ActiveRulesFor(ctx, principal.UserID)
	if err != nil {
		r.logger.Error("routing rules fetch failed, passing through", zap.Error(err))
		return r.divert(passThrough)
	}

	taskType := ClassifyTask(system, messages, metadata)
	clock := r.now().UTC().Format("15:04")

	for _, rule := range rules {
		var cond models.RuleCondition
		if err := json.Unmarshal(rule.Condition, &cond); err != nil {
			r.logger.Warn("unparseable routing condition, skipping rule",
				zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		if !matches(&cond, principal.AgentID, requestedModel, tokenEstimate, taskType, clock) {
			continue
		}

		savings := r.estimateSavings(ctx, requestedModel, rule.TargetProvider, rule.TargetModel, tokenEstimate)
		if err := r.store.RecordApplication(ctx, rule.ID, savings); err != nil {
			r.logger.Warn("rule counter update failed", zap.Error(err))
		}

		return r.divert(Result{
			Provider:         rule.TargetProvider,
			Model:            rule.TargetModel,
			Reason:           "rule:" + rule.Name,
			RuleID:           rule.ID,
			EstimatedSavings: savings,
		})
	}

	return r.divert(passThrough)
}

// divert swaps the verdict for its fallback when the chosen model's
// upstream is cooling down after a connection failure.
func (r *Router) divert(res Result) Result {
	if r.health.available(res.Model) {
		return res
	}
	fb := r.Fallback(res.Model)
	if !fb.IsFallback {
		return res
	}
	r.logger.Warn("model unavailable, diverting",
		zap.String("from", res.Model), zap.String("to", fb.Model))
	return fb
}

func matches(cond *models.RuleCondition, agentID, model string, tokenEstimate int64, taskType, clock string) bool {
	if cond.AgentID != "" && cond.AgentID != agentID {
		return false
	}
	if cond.ModelRequested != "" && !strings.HasPrefix(model, cond.ModelRequested) {
		return false
	}
	if cond.TokenEstimateMin > 0 && tokenEstimate < int64(cond.TokenEstimateMin) {
		return false
	}
	if cond.TokenEstimateMax > 0 && tokenEstimate > int64(cond.TokenEstimateMax) {
		return false
	}
	if cond.TaskType != "" && cond.TaskType != taskType {
		return false
	}
	if cond.TimeOfDayStart != "" && cond.TimeOfDayEnd != "" {
		// Lexical compare works for zero-padded HH:MM. Windows that
		// wrap midnight invert the test.
		if cond.TimeOfDayStart <= cond.TimeOfDayEnd {
			if clock < cond.TimeOfDayStart || clock > cond.TimeOfDayEnd {
				return false
			}
		} else {
			if clock < cond.TimeOfDayStart && clock > cond.TimeOfDayEnd {
				return false
			}
		}
	}
	return true
}

func (r *Router) estimateSavings(ctx context.Context, fromModel, toProvider, toModel string, tokenEstimate int64) decimal.Decimal {
	if r.registry == nil || tokenEstimate <= 0 {
		return decimal.Zero
	}
	at := r.now()
	from := r.registry.Lookup(ctx, InferProvider(fromModel), fromModel, at)
	to := r.registry.Lookup(ctx, toProvider, toModel, at)

	diff := meanPrice(from).Sub(meanPrice(to))
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff.Mul(decimal.NewFromInt(tokenEstimate)).Div(decimal.NewFromInt(1_000_000)).Round(6)
}

func meanPrice(p *models.ModelPrice) decimal.Decimal {
	return p.InputPrice.Add(p.OutputPrice).Div(decimal.NewFromInt(2))
}

// InferProvider maps a model id to its canonical provider.
func InferProvider(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return "openai"
	case strings.HasPrefix(lower, "gemini"):
		return "google"
	case strings.HasPrefix(lower, "deepseek"):
		return "deepseek"
	case strings.HasPrefix(lower, "grok"):
		return "xai"
	case strings.HasPrefix(lower, "mistral"), strings.HasPrefix(lower, "codestral"),
		strings.HasPrefix(lower, "ministral"):
		return "mistral"
	case strings.HasPrefix(lower, "llama"), strings.HasPrefix(lower, "mixtral"):
		return "groq"
	case strings.HasPrefix(lower, "command"):
		return "cohere"
	default:
		return "openai"
	}
}
