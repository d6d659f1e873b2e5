package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/accproxy/accproxy/internal/security"
)

type signature struct {
	id         string
	pattern    *regexp.Regexp
	severity   security.Severity
	confidence float64
	desc       string
}

var injectionSignatures = []signature{
	{
		id:         "inj-override-001",
		pattern:    regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directives)`),
		severity:   security.SeverityHigh,
		confidence: 0.90,
		desc:       "instruction override attempt",
	},
	{
		id:         "inj-override-002",
		pattern:    regexp.MustCompile(`(?i)(disregard|forget|discard)\s+(your|all|the)\s+(instructions|training|rules|guidelines)`),
		severity:   security.SeverityHigh,
		confidence: 0.85,
		desc:       "instruction override attempt",
	},
	{
		id:         "inj-roleplay-001",
		pattern:    regexp.MustCompile(`(?i)(pretend|imagine)\s+(you\s+are|you're|to\s+be)\s+(an?\s+)?(unrestricted|unfiltered|jailbroken|evil|dan\b)`),
		severity:   security.SeverityHigh,
		confidence: 0.85,
		desc:       "role-play jailbreak attempt",
	},
	{
		id:         "inj-roleplay-002",
		pattern:    regexp.MustCompile(`(?i)you\s+are\s+now\s+(dan|in\s+developer\s+mode|free\s+of\s+(all\s+)?restrictions)`),
		severity:   security.SeverityHigh,
		confidence: 0.90,
		desc:       "role-play jailbreak attempt",
	},
	{
		id:         "inj-extract-001",
		pattern:    regexp.MustCompile(`(?i)(print|reveal|show|repeat|output|display)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+instructions|hidden\s+instructions)`),
		severity:   security.SeverityMedium,
		confidence: 0.90,
		desc:       "system prompt extraction attempt",
	},
	{
		id:         "inj-delimiter-001",
		pattern:    regexp.MustCompile(`(?i)(</?system>|\[/?INST\]|<\|im_(start|end)\|>|###\s*(system|instruction)\s*:)`),
		severity:   security.SeverityMedium,
		confidence: 0.80,
		desc:       "delimiter abuse",
	},
}

var urgencyWords = []string{
	"urgent", "immediately", "right now", "critical emergency",
	"you must", "you have to", "do not refuse", "i am your developer",
	"i am your creator", "as your administrator", "official override",
}

var zeroWidthRunes = []rune{'\u200b', '\u200c', '\u200d', '\u2060', '\ufeff'}

var base64Blob = regexp.MustCompile(`[A-Za-z0-9+/]{200,}={0,2}`)

// InjectionDetector flags prompt injection attempts through layered
// signature, heuristic, and structural checks.
type InjectionDetector struct {
	enabled bool
}

func NewInjectionDetector() *InjectionDetector {
	return &InjectionDetector{enabled: true}
}

func (d *InjectionDetector) Name() string { return "prompt_injection" }
func (d *InjectionDetector) ThreatType() string { return security.ThreatPromptInjection }
func (d *InjectionDetector) Priority() int { return 10 }
func (d *InjectionDetector) Enabled() bool { return d.enabled }
func (d *InjectionDetector) Mode() security.ExecMode { return security.ModeSync }

func (d *InjectionDetector) Detect(_ context.Context, in *security.Input) ([]security.Result, error) {
	var results []security.Result

	for _, sig := range injectionSignatures {
		if loc := sig.pattern.FindString(in.Content); loc != "" {
			results = append(results, security.Result{
				Detected:    true,
				ThreatType:  security.ThreatPromptInjection,
				Severity:    sig.severity,
				Confidence:  sig.confidence,
				Source:      security.SourceSignature,
				Description: sig.desc,
				Evidence:    truncate(loc, 120),
				RuleID:      sig.id,
			})
		}
	}

	if r, ok := d.heuristic(in.Content); ok {
		results = append(results, r)
	}
	results = append(results, d.structural(in.Content)...)

	return results, nil
}

// heuristic counts urgency and authority phrasing. One hit alone is
// common in benign text; two or more looks like social engineering.
func (d *InjectionDetector) heuristic(content string) (security.Result, bool) {
	lower := strings.ToLower(content)
	hits := 0
	var seen []string
	for _, w := range urgencyWords {
		if strings.Contains(lower, w) {
			hits++
			seen = append(seen, w)
		}
	}
	if hits < 2 {
		return security.Result{}, false
	}
	conf := 0.4 + 0.15*float64(hits)
	if conf > 0.9 {
		conf = 0.9
	}
	return security.Result{
		Detected:    true,
		ThreatType:  security.ThreatPromptInjection,
		Severity:    security.SeverityMedium,
		Confidence:  conf,
		Source:      security.SourceHeuristic,
		Description: "urgency and authority pressure phrasing",
		Evidence:    strings.Join(seen, ", "),
		RuleID:      "inj-heur-001",
	}, true
}

func (d *InjectionDetector) structural(content string) []security.Result {
	var results []security.Result

	zw := 0
	for _, r := range content {
		for _, z := range zeroWidthRunes {
			if r == z {
				zw++
				break
			}
		}
	}
	if zw >= 5 {
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  security.ThreatPromptInjection,
			Severity:    security.SeverityMedium,
			Confidence:  0.85,
			Source:      security.SourceHeuristic,
			Description: "zero-width character smuggling",
			Evidence:    "zero-width characters present",
			RuleID:      "inj-struct-001",
		})
	}

	if blob := base64Blob.FindString(content); blob != "" {
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  security.ThreatPromptInjection,
			Severity:    security.SeverityLow,
			Confidence:  0.60,
			Source:      security.SourceHeuristic,
			Description: "large base64 payload in prompt",
			Evidence:    truncate(blob, 64),
			RuleID:      "inj-struct-002",
		})
	}
	return results
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
