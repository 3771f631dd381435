package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"plugenv/installer"
)

var (
	dimColor       = lipgloss.Color("7")
	accentColor    = lipgloss.Color("12")
	successColor   = lipgloss.Color("10")
	warningColor   = lipgloss.Color("11")
	dangerColor    = lipgloss.Color("9")
	highlightColor = lipgloss.Color("13")

	DimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	TitleStyle = lipgloss.NewStyle().
			Bold(true)

	AccentStyle = lipgloss.NewStyle().
			Foreground(accentColor)

	ReadyStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	FailedStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)

	HelpStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	HighlightStyle = lipgloss.NewStyle().
			Foreground(highlightColor).
			Bold(true)
)

// StatusStyle picks the style a plugin status is rendered in.
func StatusStyle(s installer.Status) lipgloss.Style {
	switch s {
	case installer.StatusReady:
		return ReadyStyle
	case installer.StatusFailed:
		return FailedStyle
	default:
		return DimStyle
	}
}

// FormatFooter formats a footer string with alternating keys and descriptions.
// Usage: FormatFooter("Enter", "Exit", "D", "Force delete")
func FormatFooter(parts ...string) string {
	descStyle := lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	var result []string
	for i := 0; i < len(parts); i += 2 {
		if i+1 < len(parts) {
			result = append(result, parts[i]+" "+descStyle.Render(parts[i+1]))
		}
	}
	return strings.Join(result, "  ")
}
