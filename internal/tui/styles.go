package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/netdiag/internal/model"
)

var (
	// Colors
	Primary   = lipgloss.Color("39")
	Secondary = lipgloss.Color("86")
	Subtle    = lipgloss.Color("241")
	Success   = lipgloss.Color("46")
	Warning   = lipgloss.Color("214")
	Error     = lipgloss.Color("196")

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(Primary).
			Padding(0, 2).
			Align(lipgloss.Center)

	SectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Subtle).
			Padding(0, 2).
			MarginBottom(1)

	SectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Primary)

	LabelStyle = lipgloss.NewStyle().
			Foreground(Subtle).
			Width(18)

	ValueStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(Subtle).
			Italic(true)

	HelpStyle = lipgloss.NewStyle().
			Foreground(Subtle).
			MarginTop(1)

	LoadingStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Padding(2, 4)

	SelectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("236")).
			Bold(true)
)

// RenderStatus returns a styled status indicator.
func RenderStatus(ok bool, okText, failText string) string {
	if ok {
		return SuccessStyle.Render("✓ " + okText)
	}
	return ErrorStyle.Render("✗ " + failText)
}

// RenderState colors a daemon state.
func RenderState(s model.DaemonState) string {
	switch s {
	case model.StateRunning:
		return SuccessStyle.Render("● " + s.String())
	case model.StateStarting, model.StateStopping:
		return WarningStyle.Render("◐ " + s.String())
	default:
		return ErrorStyle.Render("○ " + s.String())
	}
}

// RenderHealth colors a monitor health status.
func RenderHealth(h model.HealthStatus) string {
	switch h {
	case model.HealthHealthy:
		return SuccessStyle.Render(string(h))
	case model.HealthDegraded:
		return WarningStyle.Render(string(h))
	case model.HealthUnhealthy:
		return ErrorStyle.Render(string(h))
	default:
		return DimStyle.Render(string(h))
	}
}

// RenderOutcome colors a job outcome status.
func RenderOutcome(s model.OutcomeStatus) string {
	switch s {
	case model.OutcomeSuccess:
		return SuccessStyle.Render(string(s))
	case model.OutcomeSkipped:
		return WarningStyle.Render(string(s))
	default:
		return ErrorStyle.Render(string(s))
	}
}

// RenderSeverity colors an alert severity, padded to a fixed width.
func RenderSeverity(s model.AlertSeverity) string {
	text := fmt.Sprintf("%-8s", s)
	switch s {
	case model.SeverityCritical:
		return ErrorStyle.Render(text)
	case model.SeverityWarning:
		return WarningStyle.Render(text)
	default:
		return DimStyle.Render(text)
	}
}

// RenderBar renders value against max as a bar of width cells. Bars past
// warnAt turn amber.
func RenderBar(value, max, warnAt float64, width int) string {
	if max <= 0 {
		max = 1
	}
	if value < 0 {
		value = 0
	}

	filled := int(value / max * float64(width))
	if filled > width {
		filled = width
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	color := Secondary
	if warnAt > 0 && value > warnAt {
		color = Warning
	}
	return lipgloss.NewStyle().Foreground(color).Render(bar)
}
