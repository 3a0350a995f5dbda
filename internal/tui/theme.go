package tui

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha, trimmed to the colors the admin screens use.
const (
	colorPink     lipgloss.Color = "#f5c2e7"
	colorRed      lipgloss.Color = "#f38ba8"
	colorGreen    lipgloss.Color = "#a6e3a1"
	colorLavender lipgloss.Color = "#b4befe"
	colorText     lipgloss.Color = "#cdd6f4"
	colorOverlay1 lipgloss.Color = "#7f849c"
	colorSurface0 lipgloss.Color = "#313244"
	colorMantle   lipgloss.Color = "#181825"
)

const (
	colorAccent  = colorPink
	colorFocus   = colorLavender
	colorSuccess = colorGreen
	colorError   = colorRed
	colorMuted   = colorOverlay1
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(colorAccent)
	cursorStyle = lipgloss.NewStyle().Foreground(colorFocus).Bold(true)
	activeStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(colorMuted)

	footerKeyStyle  = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Background(colorMantle)
	footerDescStyle = lipgloss.NewStyle().Foreground(colorMuted).Background(colorMantle)
	statusStyle     = lipgloss.NewStyle().Foreground(colorText).Background(colorSurface0)
	statusErrStyle  = lipgloss.NewStyle().Foreground(colorError).Background(colorSurface0).Bold(true)
)
