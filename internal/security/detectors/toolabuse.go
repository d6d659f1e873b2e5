package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/accproxy/accproxy/internal/security"
)

var shellCommandPatterns = []signature{
	{
		id:         "tool-shell-001",
		pattern:    regexp.MustCompile(`(?i)\b(rm\s+-rf\s+/|mkfs\.|dd\s+if=/dev/(zero|random)\s+of=/dev/)`),
		severity:   security.SeverityCritical,
		confidence: 0.95,
		desc:       "destructive shell command",
	},
	{
		id:         "tool-shell-002",
		pattern:    regexp.MustCompile(`(?i)(curl|wget)\s+[^\s|;]+\s*\|\s*(ba)?sh\b`),
		severity:   security.SeverityHigh,
		confidence: 0.90,
		desc:       "remote script piped to shell",
	},
	{
		id:         "tool-shell-003",
		pattern:    regexp.MustCompile(`(?i)\bnc\s+(-[a-z]+\s+)*-e\s+/bin/(ba)?sh\b`),
		severity:   security.SeverityCritical,
		confidence: 0.95,
		desc:       "reverse shell invocation",
	},
	{
		id:         "tool-path-001",
		pattern:    regexp.MustCompile(`(/etc/(shadow|passwd|sudoers)|~/\.ssh/id_[a-z0-9]+|\.aws/credentials|\.kube/config)`),
		severity:   security.SeverityHigh,
		confidence: 0.85,
		desc:       "sensitive path access",
	},
	{
		id:         "tool-exec-001",
		pattern:    regexp.MustCompile(`(?i)\b(eval|exec)\s*\(\s*(atob|base64|decode)`),
		severity:   security.SeverityHigh,
		confidence: 0.85,
		desc:       "obfuscated code execution",
	},
}

// Tool names that grant arbitrary execution when exposed to a model.
var dangerousToolNames = []string{
	"bash", "sh", "shell", "exec", "execute_command", "run_command",
	"system", "subprocess", "eval", "python_exec", "terminal",
}

var toolNameField = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)

// ToolAbuseDetector catches shell commands, sensitive path access,
// and dangerous tool definitions in request bodies.
type ToolAbuseDetector struct {
	enabled bool
}

func NewToolAbuseDetector() *ToolAbuseDetector {
	return &ToolAbuseDetector{enabled: true}
}

func (d *ToolAbuseDetector) Name() string { return "tool_abuse" }
func (d *ToolAbuseDetector) ThreatType() string { return security.ThreatToolAbuse }
func (d *ToolAbuseDetector) Priority() int { return 40 }
func (d *ToolAbuseDetector) Enabled() bool { return d.enabled }
func (d *ToolAbuseDetector) Mode() security.ExecMode { return security.ModeSync }

func (d *ToolAbuseDetector) Detect(_ context.Context, in *security.Input) ([]security.Result, error) {
	var results []security.Result

	for _, sig := range shellCommandPatterns {
		if m := sig.pattern.FindString(in.Content); m != "" {
			results = append(results, security.Result{
				Detected:    true,
				ThreatType:  security.ThreatToolAbuse,
				Severity:    sig.severity,
				Confidence:  sig.confidence,
				Source:      security.SourceSignature,
				Description: sig.desc,
				Evidence:    truncate(m, 96),
				RuleID:      sig.id,
			})
		}
	}

	// Tool definitions only appear in request bodies.
	if !in.IsResponse && len(in.RawBody) > 0 && strings.Contains(string(in.RawBody), `"tools"`) {
		for _, m := range toolNameField.FindAllStringSubmatch(string(in.RawBody), -1) {
			name := strings.ToLower(m[1])
			for _, bad := range dangerousToolNames {
				if name == bad {
					results = append(results, security.Result{
						Detected:    true,
						ThreatType:  security.ThreatToolAbuse,
						Severity:    security.SeverityHigh,
						Confidence:  0.80,
						Source:      security.SourceHeuristic,
						Description: "dangerous tool definition",
						Evidence:    name,
						RuleID:      "tool-def-001",
					})
				}
			}
		}
	}

	return results, nil
}
