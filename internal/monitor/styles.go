package monitor

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors meet WCAG AA contrast on black and on dark surfaces.
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	freeColor    = lipgloss.Color("#10B981") // Green
	callerColor  = lipgloss.Color("#60A5FA") // Blue
	cbColor      = lipgloss.Color("#F472B6") // Pink
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray
	textColor    = lipgloss.Color("#F9FAFB")
	borderColor  = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(textColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Foreground(textColor).
			Padding(0, 1)

	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(freeColor).Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)

	tableBorderStyle = lipgloss.NewStyle().Foreground(borderColor)
)

// holderColor picks the color for a lock holder description.
func holderColor(holder string) lipgloss.Color {
	switch {
	case holder == "free":
		return freeColor
	case strings.HasPrefix(holder, "callback"):
		return cbColor
	default:
		return callerColor
	}
}
