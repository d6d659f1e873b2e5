package routing

import (
	"strings"

	"github.com/accproxy/accproxy/internal/metering"
)

// Task types recognized by the rule condition matcher.
const (
	TaskCode          = "code"
	TaskAnalysis      = "analysis"
	TaskSummarization = "summarization"
	TaskTranslation   = "translation"
	TaskSimple        = "simple"
	TaskGeneral       = "general"
)

var taskKeywords = []struct {
	task     string
	keywords []string
}{
	{TaskCode, []string{"code", "function", "debug", "refactor", "implement", "compile", "program", "script", "bug"}},
	{TaskAnalysis, []string{"analyze", "analysis", "evaluate", "compare", "assess", "reason about", "investigate"}},
	{TaskSummarization, []string{"summarize", "summary", "tldr", "tl;dr", "condense", "shorten"}},
	{TaskTranslation, []string{"translate", "translation", "in french", "in spanish", "in german", "in japanese"}},
}

// ClassifyTask infers a coarse task type from the system prompt, an
// explicit metadata hint, and the first user message. The metadata
// hint wins when present.
func ClassifyTask(system string, messages []metering.ChatMessage, metadata map[string]string) string {
	if hint, ok := metadata["task_type"]; ok && hint != "" {
		return hint
	}

	text := strings.ToLower(system)
	for _, msg := range messages {
		if msg.Role == "user" {
			text += " " + strings.ToLower(msg.Content)
			break
		}
	}

	for _, entry := range taskKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.task
			}
		}
	}

	if len(text) > 0 && len(text) < 80 {
		return TaskSimple
	}
	return TaskGeneral
}
