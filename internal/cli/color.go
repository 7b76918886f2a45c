package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/duecall/duecall/internal/cli/ui"
)

// colorEnabled returns true if stderr is a terminal and color should be used.
// Respects the NO_COLOR environment variable (https://no-color.org/).
func colorEnabled() bool {
	return ui.ColorEnabled()
}

// colorEnabledFd returns true if the given file descriptor supports color.
// Respects the NO_COLOR environment variable (https://no-color.org/).
func colorEnabledFd(fd uintptr) bool {
	return ui.ColorEnabledFd(fd)
}

// renderIf applies a forced-ANSI style when color is on. The caller already
// made the TTY decision; the forced renderer guarantees escape codes even
// when stderr is piped.
func renderIf(color bool, style lipgloss.Style, text string) string {
	if !color {
		return text
	}
	return style.Render(text)
}

func bold(text string, color bool) string {
	return renderIf(color, ui.ForcedRenderer().NewStyle().Bold(true), text)
}

func dim(text string, color bool) string {
	return renderIf(color, ui.ForcedRenderer().NewStyle().Faint(true), text)
}

func cyan(text string, color bool) string {
	return renderIf(color, ui.ForcedRenderer().NewStyle().Foreground(ui.ColorCyan), text)
}

func green(text string, color bool) string {
	return renderIf(color, ui.ForcedRenderer().NewStyle().Foreground(ui.ColorGreen), text)
}

func yellow(text string, color bool) string {
	return renderIf(color, ui.ForcedRenderer().NewStyle().Foreground(ui.ColorYellow), text)
}

func boldCyan(text string, color bool) string {
	return renderIf(color, ui.ForcedRenderer().NewStyle().Bold(true).Foreground(ui.ColorCyan), text)
}

func boldGreen(text string, color bool) string {
	return renderIf(color, ui.ForcedRenderer().NewStyle().Bold(true).Foreground(ui.ColorGreen), text)
}
