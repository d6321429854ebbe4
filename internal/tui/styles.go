package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	focusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	approveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	rejectStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// StatusTag renders a doctor status such as PASS or FAIL in its colour.
// Unknown statuses are returned unstyled.
func StatusTag(status string) string {
	switch status {
	case "PASS":
		return approveStyle.Render(status)
	case "FAIL":
		return rejectStyle.Render(status)
	case "WARN":
		return warnStyle.Render(status)
	case "SKIP":
		return dimStyle.Render(status)
	}
	return status
}
