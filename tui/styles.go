// ABOUTME: Lipgloss styles for the watch TUI: phase colors, the event log, and the status bar.
// ABOUTME: StyleForPhase maps a phase's observed status to its display style.

package tui

import "github.com/charmbracelet/lipgloss"

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	PendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	ActiveStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	CompletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	ErroredStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	LogTimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	LogEventStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	LogErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	ResponseStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)
)

// StyleForPhase returns the style matching a phase's last reported status.
func StyleForPhase(status string) lipgloss.Style {
	switch status {
	case "active":
		return ActiveStyle
	case "completed":
		return CompletedStyle
	case "error":
		return ErroredStyle
	default:
		return PendingStyle
	}
}
