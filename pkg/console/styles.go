package console

import "github.com/charmbracelet/lipgloss"

// Color palette shared by every reporter style.
var (
	salmonPink  = lipgloss.Color("#FFB3BA") // primary accent
	mintGreen   = lipgloss.Color("#A8E6CF") // success
	amber       = lipgloss.Color("#FFD580") // warnings
	errorRed    = lipgloss.Color("#FF6B6B") // failures
	mutedGray   = lipgloss.Color("#6B7280") // secondary text
	brightWhite = lipgloss.Color("#F9FAFB") // primary text
)

// styles are bound to a renderer so that color output follows the
// capabilities of the reporter's writer rather than stdout.
type styles struct {
	header  lipgloss.Style
	rule    lipgloss.Style
	step    lipgloss.Style
	info    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	detail  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header:  r.NewStyle().Foreground(brightWhite).Bold(true),
		rule:    r.NewStyle().Foreground(salmonPink),
		step:    r.NewStyle().Foreground(salmonPink).Bold(true),
		info:    r.NewStyle().Foreground(brightWhite),
		success: r.NewStyle().Foreground(mintGreen).Bold(true),
		warning: r.NewStyle().Foreground(amber),
		err:     r.NewStyle().Foreground(errorRed).Bold(true),
		detail:  r.NewStyle().Foreground(mutedGray),
	}
}
