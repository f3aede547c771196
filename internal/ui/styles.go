// Package ui renders CLI output.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	Accent      = lipgloss.Color("#8BC34A")
	Destructive = lipgloss.Color("#e53935")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
	Muted       = lipgloss.Color("#7a8594")
)

// Styles groups the styles used by the CLI.
type Styles struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Body    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// DefaultStyles returns the CLI styles. Colors are dropped automatically when
// stdout is not a terminal.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(Info),
		Bold:    lipgloss.NewStyle().Bold(true),
		Body:    lipgloss.NewStyle(),
		Muted:   lipgloss.NewStyle().Foreground(Muted),
		Success: lipgloss.NewStyle().Foreground(Accent),
		Warning: lipgloss.NewStyle().Foreground(Warning),
		Error:   lipgloss.NewStyle().Foreground(Destructive).Bold(true),
	}
}

// KV renders aligned "key: value" lines.
func KV(styles Styles, pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		if w := lipgloss.Width(p[0]); w > width {
			width = w
		}
	}
	keyStyle := styles.Muted.Width(width + 2)

	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString(keyStyle.Render(p[0] + ":"))
		sb.WriteString(styles.Body.Render(p[1]))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Status renders a short state word: green for ok-ish states, yellow for
// pending ones, red for failures.
func Status(styles Styles, s string) string {
	switch s {
	case "ok", "synced", "clean", "healthy", "granted", "done":
		return styles.Success.Render(s)
	case "dirty", "pending", "rescheduled", "in_progress", "anonymous":
		return styles.Warning.Render(s)
	case "failed", "dead", "rejected", "corrupt", "error", "revoked":
		return styles.Error.Render(s)
	default:
		return styles.Body.Render(s)
	}
}

// Plural formats n with the singular or plural noun.
func Plural(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}
