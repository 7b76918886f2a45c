package ui

import (
	"fmt"
	"strings"
)

// FormatError renders an error message with optional fix suggestions,
// each prefixed with an arrow under a dim "Try:" header.
func FormatError(msg string, suggestions ...string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", StyleBoldRed.Render("Error:"), msg)

	if len(suggestions) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleHint.Render("  Try:") + "\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "    %s %s\n", StyleHint.Render(SymbolArrow), s)
		}
	}

	return b.String()
}
