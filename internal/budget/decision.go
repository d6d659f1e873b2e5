package budget

import (
	"strings"

	"github.com/shopspring/decimal"
)

type DecisionKind int

const (
	Allow DecisionKind = iota
	Warn
	Downgrade
	Block
)

func (k DecisionKind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Warn:
		return "warn"
	case Downgrade:
		return "downgrade"
	case Block:
		return "block"
	}
	return "unknown"
}

// Decision is the budget engine's pre-check verdict for one request.
type Decision struct {
	Kind        DecisionKind
	BudgetName  string
	PercentUsed float64
	Remaining   decimal.Decimal
	TargetModel string // set when Kind == Downgrade
}

// downgradeTable maps a model (or its leading segments) to the
// default downgrade target when a breached budget has no explicit
// one. Falls through to the unmodified model on no entry.
var downgradeTable = map[string]string{
	"claude-opus-4":     "claude-sonnet-4",
	"claude-opus":       "claude-sonnet-4-5",
	"claude-sonnet-4":   "claude-haiku-4-5",
	"claude-sonnet":     "claude-haiku-4-5",
	"gpt-4o":            "gpt-4o-mini",
	"gpt-4-turbo":       "gpt-4o-mini",
	"gpt-4.1":           "gpt-4o-mini",
	"o1":                "o3-mini",
	"gemini-2-5-pro":    "gemini-2-0-flash",
	"gemini-1-5-pro":    "gemini-2-0-flash",
	"mistral-large":     "mistral-small",
	"deepseek-reasoner": "deepseek-chat",
	"grok-3":            "grok-3-mini",
}

// DowngradeTarget resolves the downgrade substitute for a model,
// trying the exact id, then its first three and first two hyphen
// segments.
func DowngradeTarget(model string) string {
	if target, ok := downgradeTable[model]; ok {
		return target
	}
	segments := strings.Split(model, "-")
	for _, n := range []int{3, 2} {
		if len(segments) > n {
			if target, ok := downgradeTable[strings.Join(segments[:n], "-")]; ok {
				return target
			}
		}
	}
	return model
}
