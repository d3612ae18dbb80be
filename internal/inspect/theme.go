// Package inspect renders job graphs, plugin diagnostics and generation
// summaries for the terminal.
package inspect

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for command output.
type Theme struct {
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	OK      lipgloss.Style

	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
		Warning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFF00")),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// NewPlainTheme renders everything unstyled, for --no-color and tests.
func NewPlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Error: plain, Warning: plain, Info: plain, OK: plain,
		Title: plain, Header: plain, Dim: plain, Highlight: plain,
	}
}
