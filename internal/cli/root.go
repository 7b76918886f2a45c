// Package cli implements the duecall command tree.
package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// cliHTTPClient is the shared HTTP client for all CLI commands.
// It has a 30-second timeout to prevent hanging on unresponsive servers.
var cliHTTPClient = &http.Client{Timeout: 30 * time.Second}

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "duecall",
	Short: "DueCall — durable job scheduling and dispatch",
	Long: `DueCall accepts jobs over HTTP, persists them in PostgreSQL, and fires
HTTP callbacks to your workers on schedule: immediately, at a timestamp,
after a delay, on a cron expression, or on a polling interval. Failed
attempts retry with exponential backoff; every attempt is logged.

Start the scheduler:
  duecall serve

Submit a job against a running instance:
  duecall jobs submit --app reports --user u-1 --account acct-1 --task generate`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format (shorthand for --output json)")
	rootCmd.PersistentFlags().String("output", "table", "Output format: table, json, or csv")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mcpCmd)

	initHelp()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// outputFormat returns the resolved output format from flags.
// --json is a shorthand for --output json.
func outputFormat(cmd *cobra.Command) string {
	jsonFlag, _ := cmd.Flags().GetBool("json")
	if jsonFlag {
		return "json"
	}
	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		return "table"
	}
	return out
}

// writeCSV writes rows as CSV to the given writer.
// cols is the list of column headers; rows is a slice of string slices.
func writeCSV(w io.Writer, cols []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeCSVStdout is a convenience wrapper that writes CSV to os.Stdout.
func writeCSVStdout(cols []string, rows [][]string) error {
	return writeCSV(os.Stdout, cols, rows)
}
