package security

// PolicyMode controls how detection summaries translate to actions.
type PolicyMode string

const (
	PolicyEnforce PolicyMode = "enforce"
	PolicyMonitor PolicyMode = "monitor"
	PolicyWarn    PolicyMode = "warn"
)

// Policy is the per-deployment enforcement posture.
type Policy struct {
	Mode              PolicyMode
	AutoKill          bool
	AutoKillThreshold int // confidence percentage, 0-100
}

// Summarize folds detection results into a Summary.
func Summarize(results []Result) *Summary {
	s := &Summary{
		ThreatTypes: make(map[string]bool),
		Actions:     make(map[Action]bool),
	}
	for _, r := range results {
		if !r.Detected {
			continue
		}
		s.Results = append(s.Results, r)
		s.ThreatTypes[r.ThreatType] = true
		if r.Severity > s.MaxSeverity {
			s.MaxSeverity = r.Severity
		}
		if r.Confidence > s.MaxConfidence {
			s.MaxConfidence = r.Confidence
		}
	}
	return s
}

// Decide fills the summary's action set from its severity, confidence
// and threat types under the given policy.
func Decide(s *Summary, policy Policy) {
	if !s.Detected() {
		return
	}

	actions := map[Action]bool{ActionLog: true}

	switch s.MaxSeverity {
	case SeverityCritical:
		actions[ActionAlert] = true
		actions[ActionQuarantine] = true
		if s.MaxConfidence >= 0.8 {
			actions[ActionBlock] = true
			if policy.AutoKill && int(s.MaxConfidence*100) >= policy.AutoKillThreshold {
				actions[ActionKill] = true
			}
		}
	case SeverityHigh:
		actions[ActionAlert] = true
		if s.MaxConfidence >= 0.85 {
			actions[ActionBlock] = true
		} else if s.MaxConfidence >= 0.70 {
			actions[ActionWarn] = true
		}
	case SeverityMedium:
		actions[ActionThrottle] = true
		if s.MaxConfidence >= 0.90 {
			actions[ActionWarn] = true
		}
	}

	if s.ThreatTypes[ThreatCredentialExposure] {
		actions[ActionRedact] = true
	}
	if s.ThreatTypes[ThreatDataExfiltration] && s.MaxSeverity >= SeverityHigh {
		actions[ActionBlock] = true
	}

	switch policy.Mode {
	case PolicyMonitor:
		actions = map[Action]bool{ActionLog: true}
	case PolicyWarn:
		if actions[ActionBlock] {
			delete(actions, ActionBlock)
			actions[ActionWarn] = true
		}
		delete(actions, ActionKill)
	}

	s.Actions = actions
}
