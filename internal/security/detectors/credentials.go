package detectors

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/accproxy/accproxy/internal/security"
)

type credentialPattern struct {
	id      string
	vendor  string
	pattern *regexp.Regexp
}

// Key formats are anchored on their fixed prefixes where vendors have
// one; generic secrets fall through to the entropy heuristic.
var credentialPatterns = []credentialPattern{
	{"cred-aws-001", "aws_access_key", regexp.MustCompile(`\b(AKIA|ASIA|ABIA|ACCA)[0-9A-Z]{16}\b`)},
	{"cred-aws-002", "aws_secret_key", regexp.MustCompile(`(?i)aws.{0,20}(secret|private).{0,20}['"][0-9a-zA-Z/+=]{40}['"]`)},
	{"cred-aws-003", "aws_mws_token", regexp.MustCompile(`\bamzn\.mws\.[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)},
	{"cred-gcp-001", "gcp_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`)},
	{"cred-gcp-002", "gcp_service_account", regexp.MustCompile(`"type"\s*:\s*"service_account"`)},
	{"cred-azure-001", "azure_connection_string", regexp.MustCompile(`(?i)AccountKey=[0-9a-zA-Z/+=]{40,}`)},
	{"cred-azure-002", "azure_sas_token", regexp.MustCompile(`(?i)\bsig=[0-9a-zA-Z%/+=]{40,}\b`)},
	{"cred-github-001", "github_pat", regexp.MustCompile(`\bghp_[0-9A-Za-z]{36}\b`)},
	{"cred-github-002", "github_oauth", regexp.MustCompile(`\bgho_[0-9A-Za-z]{36}\b`)},
	{"cred-github-003", "github_app_token", regexp.MustCompile(`\b(ghu|ghs)_[0-9A-Za-z]{36}\b`)},
	{"cred-github-004", "github_fine_grained", regexp.MustCompile(`\bgithub_pat_[0-9A-Za-z_]{82}\b`)},
	{"cred-gitlab-001", "gitlab_pat", regexp.MustCompile(`\bglpat-[0-9A-Za-z\-_]{20}\b`)},
	{"cred-stripe-001", "stripe_secret", regexp.MustCompile(`\bsk_live_[0-9a-zA-Z]{24,}\b`)},
	{"cred-stripe-002", "stripe_restricted", regexp.MustCompile(`\brk_live_[0-9a-zA-Z]{24,}\b`)},
	{"cred-stripe-003", "stripe_test", regexp.MustCompile(`\bsk_test_[0-9a-zA-Z]{24,}\b`)},
	{"cred-slack-001", "slack_token", regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z\-]{10,}\b`)},
	{"cred-slack-002", "slack_webhook", regexp.MustCompile(`https://hooks\.slack\.com/services/T[0-9A-Z]{8,}/B[0-9A-Z]{8,}/[0-9A-Za-z]{24}`)},
	{"cred-openai-001", "openai_key", regexp.MustCompile(`\bsk-(proj-)?[0-9A-Za-z\-_]{20,}T3BlbkFJ[0-9A-Za-z\-_]{20,}\b`)},
	{"cred-openai-002", "openai_key_legacy", regexp.MustCompile(`\bsk-[0-9A-Za-z]{48}\b`)},
	{"cred-anthropic-001", "anthropic_key", regexp.MustCompile(`\bsk-ant-[0-9A-Za-z\-_]{32,}\b`)},
	{"cred-google-ai-001", "gemini_key", regexp.MustCompile(`\bAIzaSy[0-9A-Za-z\-_]{33}\b`)},
	{"cred-hf-001", "huggingface_token", regexp.MustCompile(`\bhf_[0-9A-Za-z]{34}\b`)},
	{"cred-twilio-001", "twilio_key", regexp.MustCompile(`\bSK[0-9a-fA-F]{32}\b`)},
	{"cred-sendgrid-001", "sendgrid_key", regexp.MustCompile(`\bSG\.[0-9A-Za-z\-_]{22}\.[0-9A-Za-z\-_]{43}\b`)},
	{"cred-mailgun-001", "mailgun_key", regexp.MustCompile(`\bkey-[0-9a-zA-Z]{32}\b`)},
	{"cred-npm-001", "npm_token", regexp.MustCompile(`\bnpm_[0-9A-Za-z]{36}\b`)},
	{"cred-pypi-001", "pypi_token", regexp.MustCompile(`\bpypi-AgEIcHlwaS5vcmc[0-9A-Za-z\-_]{50,}\b`)},
	{"cred-do-001", "digitalocean_token", regexp.MustCompile(`\bdop_v1_[0-9a-f]{64}\b`)},
	{"cred-heroku-001", "heroku_key", regexp.MustCompile(`(?i)heroku.{0,20}\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)},
	{"cred-shopify-001", "shopify_token", regexp.MustCompile(`\bshp(at|ca|pa|ss)_[0-9a-fA-F]{32}\b`)},
	{"cred-square-001", "square_token", regexp.MustCompile(`\bsq0atp-[0-9A-Za-z\-_]{22}\b`)},
	{"cred-telegram-001", "telegram_bot_token", regexp.MustCompile(`\b[0-9]{8,10}:AA[0-9A-Za-z\-_]{33}\b`)},
	{"cred-discord-001", "discord_webhook", regexp.MustCompile(`https://discord(app)?\.com/api/webhooks/[0-9]{17,}/[0-9A-Za-z\-_]{60,}`)},
	{"cred-pk-001", "private_key_block", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY( BLOCK)?-----`)},
	{"cred-jwt-hs-001", "signed_jwt", regexp.MustCompile(`\beyJ[0-9A-Za-z\-_]{10,}\.eyJ[0-9A-Za-z\-_]{10,}\.[0-9A-Za-z\-_]{20,}\b`)},
	{"cred-basic-001", "basic_auth_url", regexp.MustCompile(`[a-z][a-z0-9+\-.]*://[^/\s:@]{3,}:[^/\s:@]{3,}@`)},
	{"cred-generic-001", "generic_assignment", regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|access[_-]?token|auth[_-]?token|password)\b\s*[:=]\s*['"][^'"\s]{16,}['"]`)},
}

var entropyCandidate = regexp.MustCompile(`\b[0-9A-Za-z/+_\-]{20,}\b`)

// CredentialDetector finds leaked secrets in prompts and responses.
type CredentialDetector struct {
	enabled bool
}

func NewCredentialDetector() *CredentialDetector {
	return &CredentialDetector{enabled: true}
}

func (d *CredentialDetector) Name() string { return "credential_exposure" }
func (d *CredentialDetector) ThreatType() string { return security.ThreatCredentialExposure }
func (d *CredentialDetector) Priority() int { return 20 }
func (d *CredentialDetector) Enabled() bool { return d.enabled }
func (d *CredentialDetector) Mode() security.ExecMode { return security.ModeSync }

func (d *CredentialDetector) Detect(_ context.Context, in *security.Input) ([]security.Result, error) {
	var results []security.Result
	matched := make(map[string]bool)

	for _, cp := range credentialPatterns {
		m := cp.pattern.FindString(in.Content)
		if m == "" {
			continue
		}
		matched[m] = true
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  security.ThreatCredentialExposure,
			Severity:    security.SeverityHigh,
			Confidence:  0.95,
			Source:      security.SourceSignature,
			Description: "credential detected: " + cp.vendor,
			Evidence:    redactSecret(m),
			RuleID:      cp.id,
		})
	}

	// High-entropy strings that no vendor pattern claimed.
	for _, cand := range entropyCandidate.FindAllString(in.Content, 50) {
		if matched[cand] || looksLikeProse(cand) {
			continue
		}
		if shannonEntropy(cand) >= 4.0 {
			results = append(results, security.Result{
				Detected:    true,
				ThreatType:  security.ThreatCredentialExposure,
				Severity:    security.SeverityMedium,
				Confidence:  0.65,
				Source:      security.SourceHeuristic,
				Description: "high-entropy string resembling a secret",
				Evidence:    redactSecret(cand),
				RuleID:      "cred-entropy-001",
			})
			break
		}
	}

	return results, nil
}

// shannonEntropy measures bits per character over the string.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	n := float64(len([]rune(s)))
	var h float64
	for _, c := range freq {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// looksLikeProse filters long ordinary words and identifiers that the
// entropy candidate regex also matches.
func looksLikeProse(s string) bool {
	letters, digits := 0, 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			letters++
		case r >= '0' && r <= '9':
			digits++
		}
	}
	return digits == 0 || letters == 0
}

// redactSecret keeps enough of a match to identify it without
// reproducing the secret.
func redactSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 8) + s[len(s)-4:]
}

// Redact replaces every credential match in content with a masked
// placeholder. Used when the decision includes the redact action.
func Redact(content string) string {
	for _, cp := range credentialPatterns {
		content = cp.pattern.ReplaceAllStringFunc(content, redactSecret)
	}
	return content
}
