package dispatch

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// One status line per task, one aggregate line per batch. Glyphs follow the
// task's terminal state for this run.
var (
	styleSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleRetrying  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleEscalated = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	stylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleSummary   = lipgloss.NewStyle().Bold(true)
)

type statusStyle struct {
	glyph string
	style lipgloss.Style
}

var statusStyles = map[State]statusStyle{
	StateSucceeded: {"✓", styleSucceeded},
	StateRetrying:  {"✗", styleRetrying},
	StateEscalated: {"⚠", styleEscalated},
	StatePending:   {"○", stylePending},
	StateExecuting: {"↻", stylePending},
	StateAdmitted:  {"·", stylePending},
}

func renderStatusLine(st State, taskID, reason string) string {
	s, ok := statusStyles[st]
	if !ok {
		s = statusStyle{"?", stylePending}
	}
	return fmt.Sprintf("%s %-10s %s  %s", s.style.Render(s.glyph), st, taskID, reason)
}

func renderSummary(s Summary) string {
	return styleSummary.Render(fmt.Sprintf(
		"batch done: admitted=%d succeeded=%d retried=%d timed_out=%d escalated=%d skipped_cooldown=%d skipped_batch_cap=%d",
		s.Admitted, s.Succeeded, s.Retried, s.TimedOut, s.Escalated, s.SkippedCooldown, s.SkippedBatchCap,
	))
}
