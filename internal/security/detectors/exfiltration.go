package detectors

import (
	"context"
	"regexp"

	"github.com/accproxy/accproxy/internal/security"
)

const (
	maxResponseBytes = 100 * 1024
	base64BulkBytes  = 1024
)

var (
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	jwtPattern        = regexp.MustCompile(`\beyJ[0-9A-Za-z\-_]{10,}\.eyJ[0-9A-Za-z\-_]{10,}\.[0-9A-Za-z\-_]{20,}\b`)
	streetAddress     = regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Za-z0-9.\s]{3,30}\s(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr)\b`)
	base64Bulk        = regexp.MustCompile(`[A-Za-z0-9+/]{512}[A-Za-z0-9+/]{512,}={0,2}`)
)

// ExfiltrationDetector flags PII and bulk-data patterns that suggest
// data is being moved out through model output.
type ExfiltrationDetector struct {
	enabled bool
}

func NewExfiltrationDetector() *ExfiltrationDetector {
	return &ExfiltrationDetector{enabled: true}
}

func (d *ExfiltrationDetector) Name() string { return "data_exfiltration" }
func (d *ExfiltrationDetector) ThreatType() string { return security.ThreatDataExfiltration }
func (d *ExfiltrationDetector) Priority() int { return 30 }
func (d *ExfiltrationDetector) Enabled() bool { return d.enabled }
func (d *ExfiltrationDetector) Mode() security.ExecMode { return security.ModeSync }

func (d *ExfiltrationDetector) Detect(_ context.Context, in *security.Input) ([]security.Result, error) {
	var results []security.Result

	add := func(sev security.Severity, conf float64, desc, evidence, rule string) {
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  security.ThreatDataExfiltration,
			Severity:    sev,
			Confidence:  conf,
			Source:      security.SourceSignature,
			Description: desc,
			Evidence:    evidence,
			RuleID:      rule,
		})
	}

	if m := ssnPattern.FindAllString(in.Content, -1); len(m) > 0 {
		sev := security.SeverityMedium
		if len(m) >= 3 {
			sev = security.SeverityHigh
		}
		add(sev, 0.85, "social security numbers in content", redactSecret(m[0]), "exf-ssn-001")
	}

	if cards := luhnMatches(in.Content); len(cards) > 0 {
		sev := security.SeverityMedium
		if len(cards) >= 3 {
			sev = security.SeverityHigh
		}
		add(sev, 0.90, "credit card numbers in content", redactSecret(cards[0]), "exf-cc-001")
	}

	if m := jwtPattern.FindString(in.Content); m != "" {
		add(security.SeverityMedium, 0.80, "signed token in content", redactSecret(m), "exf-jwt-001")
	}

	if m := streetAddress.FindAllString(in.Content, -1); len(m) >= 5 {
		add(security.SeverityMedium, 0.70, "bulk street addresses in content", truncate(m[0], 48), "exf-addr-001")
	}

	if in.IsResponse && in.SizeBytes > maxResponseBytes {
		add(security.SeverityMedium, 0.60, "oversized response body", "", "exf-size-001")
	}

	if m := base64Bulk.FindString(in.Content); len(m) >= base64BulkBytes {
		add(security.SeverityHigh, 0.75, "bulk base64 payload", truncate(m, 48), "exf-b64-001")
	}

	return results, nil
}

// luhnMatches returns card-number candidates that pass the Luhn check,
// which filters out phone numbers and plain long digit runs.
func luhnMatches(content string) []string {
	var out []string
	for _, cand := range creditCardPattern.FindAllString(content, 20) {
		digits := make([]int, 0, 16)
		for _, r := range cand {
			if r >= '0' && r <= '9' {
				digits = append(digits, int(r-'0'))
			}
		}
		if len(digits) < 13 || len(digits) > 16 {
			continue
		}
		sum, double := 0, false
		for i := len(digits) - 1; i >= 0; i-- {
			d := digits[i]
			if double {
				d *= 2
				if d > 9 {
					d -= 9
				}
			}
			sum += d
			double = !double
		}
		if sum%10 == 0 {
			out = append(out, cand)
		}
	}
	return out
}
