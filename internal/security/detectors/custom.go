package detectors

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
	"github.com/accproxy/accproxy/internal/security"
)

// RuleStore loads tenant security rules.
type RuleStore interface {
	ActiveRulesFor(ctx context.Context, userID uuid.UUID) ([]*models.CustomRule, error)
}

type gormRuleStore struct{ db *gorm.DB }

func NewRuleStore(db *gorm.DB) RuleStore { return &gormRuleStore{db: db} }

func (s *gormRuleStore) ActiveRulesFor(ctx context.Context, userID uuid.UUID) ([]*models.CustomRule, error) {
	var rules []*models.CustomRule
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND enabled = ?", userID, true).
		Find(&rules).Error
	return rules, err
}

// ruleDefinition is the JSONB payload of a custom rule. Pattern rules
// use Pattern; threshold rules compare a metric against Limit.
type ruleDefinition struct {
	Pattern   string `json:"pattern,omitempty"`
	Metric    string `json:"metric,omitempty"` // input_tokens | output_tokens | request_bytes
	Limit     int64  `json:"limit,omitempty"`
	Condition string `json:"condition,omitempty"` // composite: all | any
	Children  []ruleDefinition `json:"children,omitempty"`
}

// CustomRuleDetector evaluates per-tenant rules loaded from the
// database, with a short cache so hot paths avoid a query per request.
type CustomRuleDetector struct {
	store   RuleStore
	enabled bool

	mu       sync.Mutex
	cache    map[uuid.UUID][]*models.CustomRule
	cachedAt map[uuid.UUID]time.Time
	ttl      time.Duration

	regexps sync.Map // pattern string -> *regexp.Regexp
}

func NewCustomRuleDetector(store RuleStore) *CustomRuleDetector {
	return &CustomRuleDetector{
		store:    store,
		enabled:  store != nil,
		cache:    make(map[uuid.UUID][]*models.CustomRule),
		cachedAt: make(map[uuid.UUID]time.Time),
		ttl:      time.Minute,
	}
}

func (d *CustomRuleDetector) Name() string { return "custom_rules" }
func (d *CustomRuleDetector) ThreatType() string { return security.ThreatCustomRule }
func (d *CustomRuleDetector) Priority() int { return 70 }
func (d *CustomRuleDetector) Enabled() bool { return d.enabled }
func (d *CustomRuleDetector) Mode() security.ExecMode { return security.ModeSync }

func (d *CustomRuleDetector) rulesFor(ctx context.Context, userID uuid.UUID) ([]*models.CustomRule, error) {
	d.mu.Lock()
	if at, ok := d.cachedAt[userID]; ok && time.Since(at) < d.ttl {
		rules := d.cache[userID]
		d.mu.Unlock()
		return rules, nil
	}
	d.mu.Unlock()

	rules, err := d.store.ActiveRulesFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.cache[userID] = rules
	d.cachedAt[userID] = time.Now()
	d.mu.Unlock()
	return rules, nil
}

func (d *CustomRuleDetector) Detect(ctx context.Context, in *security.Input) ([]security.Result, error) {
	rules, err := d.rulesFor(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	var results []security.Result
	for _, rule := range rules {
		var def ruleDefinition
		if err := json.Unmarshal(rule.Definition, &def); err != nil {
			continue
		}
		hit, evidence := d.eval(rule.Kind, def, in)
		if !hit {
			continue
		}
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  threatTypeOr(rule.ThreatType, security.ThreatCustomRule),
			Severity:    parseSeverity(rule.Severity),
			Confidence:  0.85,
			Source:      security.SourceHeuristic,
			Description: "custom rule matched: " + rule.Name,
			Evidence:    evidence,
			RuleID:      rule.ID.String(),
		})
	}
	return results, nil
}

func (d *CustomRuleDetector) eval(kind string, def ruleDefinition, in *security.Input) (bool, string) {
	switch kind {
	case "pattern":
		re, err := d.compile(def.Pattern)
		if err != nil {
			return false, ""
		}
		if m := re.FindString(in.Content); m != "" {
			return true, truncate(m, 96)
		}
	case "threshold", "behavioral":
		var v int64
		switch def.Metric {
		case "input_tokens":
			v = in.InputTokens
		case "output_tokens":
			v = in.OutputTokens
		case "request_bytes":
			v = int64(in.SizeBytes)
		default:
			return false, ""
		}
		if def.Limit > 0 && v > def.Limit {
			return true, def.Metric + " over limit"
		}
	case "composite":
		any := def.Condition == "any"
		matchedAll := len(def.Children) > 0
		for _, child := range def.Children {
			kind := "pattern"
			if child.Metric != "" {
				kind = "threshold"
			}
			hit, ev := d.eval(kind, child, in)
			if hit && any {
				return true, ev
			}
			if !hit {
				matchedAll = false
			}
		}
		if !any && matchedAll {
			return true, "all sub-rules matched"
		}
	}
	return false, ""
}

func (d *CustomRuleDetector) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := d.regexps.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	d.regexps.Store(pattern, re)
	return re, nil
}

func threatTypeOr(t, fallback string) string {
	if t != "" {
		return t
	}
	return fallback
}

func parseSeverity(s string) security.Severity {
	switch s {
	case "critical":
		return security.SeverityCritical
	case "high":
		return security.SeverityHigh
	case "medium":
		return security.SeverityMedium
	}
	return security.SeverityLow
}
