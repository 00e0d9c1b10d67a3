// Package output provides styled terminal output for the CLI.
package output

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Styles holds the lipgloss styles commands render status lines with.
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
}

// NewStyles builds the style set for w. When noColor is set, the writer
// is not a terminal, or the environment disables color, every style
// renders as plain text.
func NewStyles(w io.Writer, noColor bool) *Styles {
	var r *lipgloss.Renderer
	if noColor || !IsTerminal(w) || termenv.EnvNoColor() {
		r = lipgloss.NewRenderer(w, termenv.WithProfile(termenv.Ascii))
	} else {
		r = lipgloss.NewRenderer(w)
	}
	return &Styles{
		Title:   r.NewStyle().Bold(true),
		Success: r.NewStyle().Foreground(lipgloss.Color("10")),
		Error:   r.NewStyle().Foreground(lipgloss.Color("9")),
		Warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		Muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	type fdProvider interface{ Fd() uintptr }
	if f, ok := w.(fdProvider); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
