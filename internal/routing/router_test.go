package routing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/auth"
	"github.com/accproxy/accproxy/internal/metering"
	"github.com/accproxy/accproxy/internal/models"
	"github.com/accproxy/accproxy/internal/pricing"
)

type fakeRuleStore struct {
	rules   []*models.RoutingRule
	applied []uuid.UUID
}

func (f *fakeRuleStore) ActiveRulesFor(_ context.Context, _ uuid.UUID) ([]*models.RoutingRule, error) {
	return f.rules, nil
}

func (f *fakeRuleStore) RecordApplication(_ context.Context, id uuid.UUID, _ decimal.Decimal) error {
	f.applied = append(f.applied, id)
	return nil
}

func rule(t *testing.T, priority int, cond models.RuleCondition, targetProvider, targetModel string) *models.RoutingRule {
	t.Helper()
	raw, err := json.Marshal(cond)
	require.NoError(t, err)
	return &models.RoutingRule{
		BaseModel:      models.BaseModel{ID: uuid.New()},
		Name:           targetModel,
		Priority:       priority,
		Condition:      raw,
		TargetProvider: targetProvider,
		TargetModel:    targetModel,
		Enabled:        true,
	}
}

func testPrincipal() *auth.Principal {
	return &auth.Principal{UserID: uuid.New(), AgentID: "agent-1"}
}

func newTestRouter(store Store) *Router {
	return NewRouter(store, nil, zap.NewNop())
}

func TestRoutePassThroughWithoutRules(t *testing.T) {
	r := newTestRouter(&fakeRuleStore{})

	res := r.Route(context.Background(), testPrincipal(), "claude-sonnet-4-5", "", nil, 100, nil)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, "claude-sonnet-4-5", res.Model)
	assert.Equal(t, "pass-through", res.Reason)
}

func TestRouteFirstMatchWins(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.RoutingRule{
		rule(t, 1, models.RuleCondition{ModelRequested: "claude-opus"}, "anthropic", "claude-sonnet-4-5"),
		rule(t, 2, models.RuleCondition{}, "openai", "gpt-4o-mini"),
	}}
	r := newTestRouter(store)

	res := r.Route(context.Background(), testPrincipal(), "claude-opus-4", "", nil, 100, nil)
	assert.Equal(t, "claude-sonnet-4-5", res.Model)
	require.Len(t, store.applied, 1)
	assert.Equal(t, store.rules[0].ID, store.applied[0])
}

func TestRouteConditionConjunction(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.RoutingRule{
		rule(t, 1, models.RuleCondition{
			AgentID:          "agent-1",
			ModelRequested:   "gpt-4o",
			TokenEstimateMin: 50,
			TokenEstimateMax: 500,
		}, "openai", "gpt-4o-mini"),
	}}
	r := newTestRouter(store)
	p := testPrincipal()

	// All conditions hold.
	res := r.Route(context.Background(), p, "gpt-4o", "", nil, 100, nil)
	assert.Equal(t, "gpt-4o-mini", res.Model)

	// Token estimate outside the window.
	res = r.Route(context.Background(), p, "gpt-4o", "", nil, 10_000, nil)
	assert.Equal(t, "gpt-4o", res.Model)

	// Different agent.
	other := &auth.Principal{UserID: p.UserID, AgentID: "agent-2"}
	res = r.Route(context.Background(), other, "gpt-4o", "", nil, 100, nil)
	assert.Equal(t, "gpt-4o", res.Model)
}

func TestRouteTaskTypeCondition(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.RoutingRule{
		rule(t, 1, models.RuleCondition{TaskType: TaskCode}, "deepseek", "deepseek-chat"),
	}}
	r := newTestRouter(store)

	messages := []metering.ChatMessage{{Role: "user", Content: "please refactor this function"}}
	res := r.Route(context.Background(), testPrincipal(), "gpt-4o", "", messages, 100, nil)
	assert.Equal(t, "deepseek-chat", res.Model)

	messages = []metering.ChatMessage{{Role: "user", Content: "tell me about the weather patterns of the northern hemisphere in detail"}}
	res = r.Route(context.Background(), testPrincipal(), "gpt-4o", "", messages, 100, nil)
	assert.Equal(t, "gpt-4o", res.Model)
}

func TestRouteTimeOfDayWindow(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.RoutingRule{
		rule(t, 1, models.RuleCondition{TimeOfDayStart: "09:00", TimeOfDayEnd: "17:00"}, "openai", "gpt-4o-mini"),
	}}
	r := newTestRouter(store)
	r.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

	res := r.Route(context.Background(), testPrincipal(), "gpt-4o", "", nil, 100, nil)
	assert.Equal(t, "gpt-4o-mini", res.Model)

	r.now = func() time.Time { return time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC) }
	res = r.Route(context.Background(), testPrincipal(), "gpt-4o", "", nil, 100, nil)
	assert.Equal(t, "gpt-4o", res.Model)
}

func TestRouteIdempotentOnTarget(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.RoutingRule{
		rule(t, 1, models.RuleCondition{ModelRequested: "claude-opus"}, "anthropic", "claude-sonnet-4-5"),
	}}
	r := newTestRouter(store)
	p := testPrincipal()

	first := r.Route(context.Background(), p, "claude-opus-4", "", nil, 100, nil)
	second := r.Route(context.Background(), p, first.Model, "", nil, 100, nil)

	// Routing the routed model again is stable.
	assert.Equal(t, first.Model, second.Model)
}

func TestFallbackChainSkipsUnavailable(t *testing.T) {
	r := newTestRouter(&fakeRuleStore{})
	r.MarkUnavailable("claude-sonnet-4", time.Minute)

	res := r.Fallback("claude-sonnet-4-5")
	assert.True(t, res.IsFallback)
	assert.Equal(t, "gpt-4o", res.Model)
}

func TestFallbackGenericWhenChainExhausted(t *testing.T) {
	r := newTestRouter(&fakeRuleStore{})
	for _, m := range fallbackChains["deepseek-chat"] {
		r.MarkUnavailable(m, time.Minute)
	}

	res := r.Fallback("deepseek-chat")
	assert.True(t, res.IsFallback)
	assert.Equal(t, "claude-sonnet-4-5", res.Model)
}

func TestFallbackCheapestWhenAllChainsExhausted(t *testing.T) {
	r := newTestRouter(&fakeRuleStore{})
	for _, m := range fallbackChains["gpt-4o"] {
		r.MarkUnavailable(m, time.Minute)
	}
	for _, m := range genericFallbacks {
		r.MarkUnavailable(m, time.Minute)
	}

	res := r.Fallback("gpt-4o")
	assert.True(t, res.IsFallback)
	assert.Equal(t, "fallback:cheapest", res.Reason)
	assert.Equal(t, "llama-3-1-8b", res.Model)
	assert.Equal(t, "groq", res.Provider)
}

func TestFallbackExhaustedReturnsOriginal(t *testing.T) {
	r := newTestRouter(&fakeRuleStore{})
	for _, m := range pricing.FallbackModels() {
		r.MarkUnavailable(m.ModelID, time.Minute)
	}

	res := r.Fallback("gpt-4o")
	assert.False(t, res.IsFallback)
	assert.Equal(t, "gpt-4o", res.Model)
}

func TestRouteDivertsWhenTargetUnavailable(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.RoutingRule{
		rule(t, 1, models.RuleCondition{ModelRequested: "claude-opus"}, "anthropic", "claude-sonnet-4-5"),
	}}
	r := newTestRouter(store)
	r.MarkUnavailable("claude-sonnet-4-5", time.Minute)

	res := r.Route(context.Background(), testPrincipal(), "claude-opus-4", "", nil, 100, nil)
	assert.True(t, res.IsFallback)
	assert.Equal(t, "claude-sonnet-4", res.Model)
	assert.Equal(t, "anthropic", res.Provider)
}

func TestMarkUnavailableExpires(t *testing.T) {
	r := newTestRouter(&fakeRuleStore{})
	r.MarkUnavailable("gpt-4o", 10*time.Millisecond)
	assert.False(t, r.Available("gpt-4o"))

	assert.Eventually(t, func() bool { return r.Available("gpt-4o") }, time.Second, 5*time.Millisecond)
}

func TestClassifyTask(t *testing.T) {
	tests := []struct {
		name     string
		system   string
		user     string
		metadata map[string]string
		want     string
	}{
		{"metadata wins", "", "debug this", map[string]string{"task_type": TaskAnalysis}, TaskAnalysis},
		{"code", "", "please debug my program", nil, TaskCode},
		{"summarize", "", "summarize this article", nil, TaskSummarization},
		{"translate", "", "translate this in french", nil, TaskTranslation},
		{"analysis", "you evaluate things", "", nil, TaskAnalysis},
		{"short is simple", "", "hi there", nil, TaskSimple},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var messages []metering.ChatMessage
			if tt.user != "" {
				messages = []metering.ChatMessage{{Role: "user", Content: tt.user}}
			}
			assert.Equal(t, tt.want, ClassifyTask(tt.system, messages, tt.metadata))
		})
	}
}

func TestInferProvider(t *testing.T) {
	assert.Equal(t, "anthropic", InferProvider("claude-sonnet-4-5"))
	assert.Equal(t, "openai", InferProvider("gpt-4o"))
	assert.Equal(t, "openai", InferProvider("o1-mini"))
	assert.Equal(t, "google", InferProvider("gemini-2-5-pro"))
	assert.Equal(t, "deepseek", InferProvider("deepseek-chat"))
	assert.Equal(t, "xai", InferProvider("grok-3"))
	assert.Equal(t, "mistral", InferProvider("codestral"))
	assert.Equal(t, "groq", InferProvider("llama-3-3-70b"))
	assert.Equal(t, "cohere", InferProvider("command-r"))
}

func TestCheapestSuitable(t *testing.T) {
	cheapest := CheapestSuitable(CapabilityFilter{Streaming: true})
	require.NotNil(t, cheapest)

	visionLarge := CheapestSuitable(CapabilityFilter{Vision: true, MinContext: 1_000_000})
	require.NotNil(t, visionLarge)
	assert.True(t, visionLarge.HasCapability("vision"))
	assert.GreaterOrEqual(t, visionLarge.ContextWindow, 1_000_000)

	impossible := CheapestSuitable(CapabilityFilter{MinContext: 100_000_000})
	assert.Nil(t, impossible)
}
