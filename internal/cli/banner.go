package cli

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/duecall/duecall/internal/cli/ui"
	"github.com/duecall/duecall/internal/config"
)

// startupProgress provides human-readable startup steps for interactive
// terminals. In TTY mode it shows animated spinners; in non-TTY mode all
// methods are no-ops.
type startupProgress struct {
	w        io.Writer
	spinner  *ui.StepSpinner
	active   bool
	useColor bool
}

func newStartupProgress(w io.Writer, active bool, useColor bool) *startupProgress {
	return &startupProgress{
		w:        w,
		spinner:  ui.NewStepSpinner(w, !active),
		active:   active,
		useColor: useColor,
	}
}

func (sp *startupProgress) header(version string) {
	if !sp.active {
		return
	}
	fmt.Fprintf(sp.w, "\n  %s %s\n\n",
		ui.BrandEmoji,
		boldCyan(fmt.Sprintf("DueCall v%s", version), sp.useColor))
}

func (sp *startupProgress) step(msg string) {
	if !sp.active {
		return
	}
	sp.spinner.Start(msg)
}

func (sp *startupProgress) done() {
	if !sp.active {
		return
	}
	sp.spinner.Done()
}

func (sp *startupProgress) fail() {
	if !sp.active {
		return
	}
	sp.spinner.Fail()
}

// portError wraps common listen errors with actionable suggestions.
func portError(port int, err error) error {
	if strings.Contains(err.Error(), "address already in use") {
		return fmt.Errorf("%s", ui.FormatError(
			fmt.Sprintf("port %d is already in use", port),
			fmt.Sprintf("duecall serve --port %d           # use a different port", port+1),
			fmt.Sprintf("duecall config set server.port %d # make it permanent", port+1),
		))
	}
	return err
}

// publicBaseURL derives the URL clients should use to reach the server.
func publicBaseURL(cfg *config.Config) string {
	if cfg.Server.TLS && cfg.Server.TLSDomain != "" {
		return "https://" + cfg.Server.TLSDomain
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// printBanner writes a human-readable startup summary to stderr.
// This is separate from structured logging and designed for first-time users.
func printBanner(cfg *config.Config, embeddedPG bool, logPath string) {
	printBannerTo(os.Stderr, cfg, embeddedPG, colorEnabled(), logPath)
}

// printBannerTo writes the full banner (header + body) to w. Extracted for testing.
func printBannerTo(w io.Writer, cfg *config.Config, embeddedPG bool, useColor bool, logPath string) {
	ver := bannerVersion(buildVersion)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %s\n", ui.BrandEmoji,
		boldCyan(fmt.Sprintf("DueCall v%s", ver), useColor))
	printBannerBodyTo(w, cfg, embeddedPG, useColor, logPath)
}

// printBannerBodyTo writes everything after the header (URLs, hints, etc.).
// Used by TTY mode where the header is shown early during startup progress.
func printBannerBodyTo(w io.Writer, cfg *config.Config, embeddedPG bool, useColor bool, logPath string) {
	apiURL := publicBaseURL(cfg) + "/api"

	dbMode := "external"
	if embeddedPG {
		dbMode = "embedded"
	}

	// Pad labels before colorizing so ANSI codes don't break alignment.
	padLabel := func(label string, width int) string {
		return bold(fmt.Sprintf("%-*s", width, label), useColor)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %s\n", padLabel("API:", 10), cyan(apiURL, useColor))
	fmt.Fprintf(w, "  %s %s\n", padLabel("Database:", 10), dbMode)
	fmt.Fprintf(w, "  %s %s\n", padLabel("Redis:", 10), cfg.Redis.Addr)
	if n := len(cfg.Tasks); n > 0 {
		fmt.Fprintf(w, "  %s %d registered\n", padLabel("Tasks:", 10), n)
	} else {
		fmt.Fprintf(w, "  %s %s\n", padLabel("Tasks:", 10),
			yellow("none registered (submissions will be rejected)", useColor))
	}
	if logPath != "" {
		fmt.Fprintf(w, "  %s %s\n", padLabel("Logs:", 10), dim(logPath, useColor))
	}
	if cfg.Server.InternalSecret == "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %s\n", yellow(
			"WARNING: server.internal_secret is empty. The API accepts unauthenticated requests.", useColor))
	}

	// Print next-step hints for new users (no leading whitespace for easy copy-paste).
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s\n", dim("Try:", useColor))
	fmt.Fprintf(w, "%s\n", green(`duecall jobs submit --app demo --user u-1 --account acct-1 --task echo`, useColor))
	fmt.Fprintf(w, "%s\n", green("duecall stats", useColor))
	fmt.Fprintln(w)
}

// redactURL removes userinfo (username:password) from a URL for safe logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = nil
		// Re-insert redacted marker at string level to avoid URL-encoding of *.
		s := u.String()
		return strings.Replace(s, "://", "://***@", 1)
	}
	return u.String()
}

// bannerVersion extracts a clean semver string for the startup banner.
// Release builds (e.g. "v0.3.0") → "0.3.0".
// Dev builds (e.g. "v0.3.0-12-g8ac41fe-dirty") → "0.3.0-dev".
// The full version string is always available via `duecall version`.
func bannerVersion(raw string) string {
	v := strings.TrimPrefix(raw, "v")
	// A bare semver tag (e.g. "0.3.0") has no hyphen after the patch number,
	// or has a pre-release label like "0.3.0-beta.1". Git-describe appends
	// "-<N>-g<hash>" when commits exist past the tag. Detect that pattern.
	parts := strings.SplitN(v, "-", 2)
	if len(parts) == 1 {
		return v // clean tag, e.g. "0.3.0"
	}
	// If the first segment after the hyphen is a number, it's a git-describe
	// commit count (e.g. "0.3.0-12-g8ac41fe"), not a semver pre-release.
	if len(parts[1]) > 0 && parts[1][0] >= '0' && parts[1][0] <= '9' {
		return parts[0] + "-dev"
	}
	return v // pre-release tag like "0.3.0-beta.1"
}
