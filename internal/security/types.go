package security

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Source identifies how a detection was produced.
type Source string

const (
	SourceSignature  Source = "signature"
	SourceHeuristic  Source = "heuristic"
	SourceBehavioral Source = "behavioral"
	SourceSemantic   Source = "semantic"
	SourceExternal   Source = "external"
)

// Threat types reported by the shipped detectors.
const (
	ThreatPromptInjection    = "prompt_injection"
	ThreatCredentialExposure = "credential_exposure"
	ThreatDataExfiltration   = "data_exfiltration"
	ThreatToolAbuse          = "tool_abuse"
	ThreatRunawayLoop        = "runaway_loop"
	ThreatAnomaly            = "behavioral_anomaly"
	ThreatCustomRule         = "custom_rule"
	ThreatIntelMatch         = "threat_intel_match"
	ThreatSemanticMatch      = "semantic_match"
)

// Action is one required response to a detection summary.
type Action string

const (
	ActionLog        Action = "log"
	ActionAlert      Action = "alert"
	ActionWarn       Action = "warn"
	ActionThrottle   Action = "throttle"
	ActionDowngrade  Action = "downgrade"
	ActionBlock      Action = "block"
	ActionQuarantine Action = "quarantine"
	ActionKill       Action = "kill"
	ActionRedact     Action = "redact"
)

// Result is one detection outcome. All fields are always present;
// absence of a threat is expressed by returning no results at all.
type Result struct {
	Detected    bool
	ThreatType  string
	Severity    Severity
	Confidence  float64 // [0,1]
	Source      Source
	Description string
	Evidence    string
	RuleID      string
}

// Summary aggregates every detection over one request or response.
type Summary struct {
	Results       []Result
	MaxSeverity   Severity
	MaxConfidence float64
	ThreatTypes   map[string]bool
	Actions       map[Action]bool
}

func (s *Summary) Detected() bool {
	return len(s.Results) > 0
}

func (s *Summary) HasAction(a Action) bool {
	return s.Actions[a]
}

func (s *Summary) ThreatTypeList() []string {
	out := make([]string, 0, len(s.ThreatTypes))
	for t := range s.ThreatTypes {
		out = append(out, t)
	}
	return out
}

// Input is what detectors inspect. Request analysis fills Content
// from the inbound body; response analysis fills it with (possibly
// partial) assistant output.
type Input struct {
	RequestID string
	UserID    uuid.UUID
	AgentID   string
	ClientIP  string

	Content    string // flattened text under inspection
	RawBody    []byte // original wire bytes, when available
	IsResponse bool
	SizeBytes  int

	InputTokens  int64
	OutputTokens int64
	StatusCode   int

	At time.Time
}

// ExecMode distinguishes inline detectors from off-path ones.
type ExecMode int

const (
	ModeSync ExecMode = iota
	ModeAsync
)

// Detector is one threat analyzer. Sync detectors run inline on the
// bounded worker pool and share a combined deadline; async detectors
// run off the request path with their own timeout and may request a
// mid-stream kill. Detector errors are converted to "no detection"
// by the engine.
type Detector interface {
	Name() string
	ThreatType() string
	Priority() int
	Enabled() bool
	Mode() ExecMode
	Detect(ctx context.Context, in *Input) ([]Result, error)
}
