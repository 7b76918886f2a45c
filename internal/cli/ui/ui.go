// Package ui is the DueCall CLI design system: colors, semantic styles,
// status symbols, and terminal detection. Command output that wants any
// styling goes through these definitions.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Brand

// BrandEmoji marks DueCall output in banners and help.
const BrandEmoji = "⏰" // ⏰

// Colors — ANSI 4-bit so every terminal renders something sensible.
// lipgloss/termenv degrade automatically on richer profiles.
var (
	ColorCyan   = lipgloss.Color("6")
	ColorGreen  = lipgloss.Color("2")
	ColorYellow = lipgloss.Color("3")
	ColorRed    = lipgloss.Color("1")
)

// Semantic styles.
var (
	StyleBold      = lipgloss.NewStyle().Bold(true)
	StyleDim       = lipgloss.NewStyle().Faint(true)
	StyleCyan      = lipgloss.NewStyle().Foreground(ColorCyan)
	StyleGreen     = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleYellow    = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleRed       = lipgloss.NewStyle().Foreground(ColorRed)
	StyleBoldCyan  = lipgloss.NewStyle().Bold(true).Foreground(ColorCyan)
	StyleBoldGreen = lipgloss.NewStyle().Bold(true).Foreground(ColorGreen)
	StyleBoldRed   = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)

	// Status
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleError   = lipgloss.NewStyle().Foreground(ColorRed)

	// Hints and code
	StyleCode = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleHint = lipgloss.NewStyle().Faint(true)
)

// Unicode status symbols — reliable across modern terminals.
const (
	SymbolCheck   = "✓"
	SymbolCross   = "✗"
	SymbolWarning = "⚠"
	SymbolDot     = "●"
	SymbolArrow   = "→"
)

var (
	forcedRenderer     *lipgloss.Renderer
	forcedRendererOnce sync.Once
)

// ForcedRenderer returns a lipgloss renderer that always emits ANSI codes,
// bypassing terminal detection. Use it when the caller has already decided
// color is appropriate; the default renderer strips ANSI in non-TTY
// contexts such as tests.
func ForcedRenderer() *lipgloss.Renderer {
	forcedRendererOnce.Do(func() {
		forcedRenderer = lipgloss.NewRenderer(os.Stderr)
		forcedRenderer.SetColorProfile(termenv.ANSI)
	})
	return forcedRenderer
}

// ColorEnabled reports whether stderr is a color-capable TTY.
// Respects NO_COLOR (https://no-color.org/).
func ColorEnabled() bool {
	return ColorEnabledFd(os.Stderr.Fd())
}

// ColorEnabledFd reports whether the given fd is a color-capable TTY.
// Respects NO_COLOR (https://no-color.org/).
func ColorEnabledFd(fd uintptr) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
