package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsagent/internal/skill"
	"opsagent/internal/timeparse"
	"opsagent/internal/workflow"
	"opsagent/pkg/tgui"
)

const (
	textBrainFreeze = "⚠️ Brain freeze! I couldn't parse my own thoughts. Please try again."
	textBusy        = "⏳ Busy, try again in a moment."
	textUnknownCmd  = "❓ Unknown command. Try /help"
)

// UserText converts a skill failure into the reply shown in chat. Raw error
// chains are logged, never sent.
func UserText(name string, err error, timeout time.Duration) string {
	var (
		pe *timeparse.ParseError
		ue *skill.UnknownSkillError
		we *workflow.UnknownWorkflowTypeError
	)
	switch {
	case errors.As(err, &pe):
		return fmt.Sprintf("❓ Couldn't parse time: %q. Try \"in 10 minutes\", \"tomorrow at 9am\" or \"2025-06-01 14:30\".", pe.Input)
	case errors.As(err, &ue):
		return "❓ Skill not found: " + ue.Name
	case errors.As(err, &we):
		return "❓ Unknown workflow type: " + we.Type
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("⚠️ Error executing %s: timed out after %s", name, timeout)
	}
	return fmt.Sprintf("⚠️ Error executing %s: %s", name, cause(err))
}

// cause is the innermost message below the skill wrapper.
func cause(err error) string {
	var ee *skill.ExecutionError
	if errors.As(err, &ee) && ee.Err != nil {
		err = ee.Err
	}
	return tgui.TruncRunes(strings.TrimSpace(err.Error()), 300)
}
