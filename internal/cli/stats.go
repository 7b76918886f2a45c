package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Long: `Display job counts by status plus process runtime numbers.

Examples:
  duecall stats             # Show stats in table format
  duecall stats --json      # Show stats as JSON`,
	RunE: runStats,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent server logs",
	Long: `Display the server's recent log entries from its in-memory buffer.

Examples:
  duecall logs                   # Show recent log lines
  duecall logs --level error     # Filter by log level`,
	RunE: runLogs,
}

func init() {
	statsCmd.Flags().String("url", "", "Server URL (default http://127.0.0.1:8377)")
	statsCmd.Flags().String("secret", "", "Internal API secret (or set DUECALL_INTERNAL_SECRET)")

	logsCmd.Flags().String("url", "", "Server URL (default http://127.0.0.1:8377)")
	logsCmd.Flags().String("secret", "", "Internal API secret (or set DUECALL_INTERNAL_SECRET)")
	logsCmd.Flags().String("level", "", "Filter by log level (debug, info, warn, error)")
}

func runStats(cmd *cobra.Command, _ []string) error {
	resp, body, err := apiRequest(cmd, "GET", "/api/stats", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, body)
	}

	var stats struct {
		Jobs          map[string]int `json:"jobs"`
		Total         int            `json:"total"`
		UptimeSeconds int            `json:"uptime_seconds"`
		Goroutines    int            `json:"goroutines"`
		MemoryAlloc   uint64         `json:"memory_alloc"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	format := outputFormat(cmd)
	if format == "json" {
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}

	statuses := make([]string, 0, len(stats.Jobs))
	for s := range stats.Jobs {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	if format == "csv" {
		cols := []string{"total", "uptime_seconds", "goroutines", "memory_alloc"}
		vals := []string{
			fmt.Sprint(stats.Total),
			fmt.Sprint(stats.UptimeSeconds),
			fmt.Sprint(stats.Goroutines),
			fmt.Sprint(stats.MemoryAlloc),
		}
		for _, s := range statuses {
			cols = append(cols, "jobs_"+s)
			vals = append(vals, fmt.Sprint(stats.Jobs[s]))
		}
		return writeCSVStdout(cols, [][]string{vals})
	}

	fmt.Println("DueCall Server Statistics")
	fmt.Println("─────────────────────────")
	fmt.Printf("  %-20s %s\n", "uptime:", formatUptime(stats.UptimeSeconds))
	fmt.Printf("  %-20s %d\n", "goroutines:", stats.Goroutines)
	fmt.Printf("  %-20s %s\n", "memory:", formatBytes(stats.MemoryAlloc))
	fmt.Printf("  %-20s %d\n", "jobs total:", stats.Total)
	for _, s := range statuses {
		fmt.Printf("  %-20s %d\n", "jobs "+s+":", stats.Jobs[s])
	}
	return nil
}

func runLogs(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("level")

	resp, body, err := apiRequest(cmd, "GET", "/api/logs", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, body)
	}

	var result struct {
		Entries []struct {
			Time    string         `json:"time"`
			Level   string         `json:"level"`
			Message string         `json:"message"`
			Attrs   map[string]any `json:"attrs"`
		} `json:"entries"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outputFormat(cmd) == "json" {
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}

	if result.Message != "" && len(result.Entries) == 0 {
		fmt.Println(result.Message)
		return nil
	}

	shown := 0
	for _, e := range result.Entries {
		if level != "" && !strings.EqualFold(e.Level, level) {
			continue
		}
		line := fmt.Sprintf("%s %-5s %s", trimTimestamp(e.Time), e.Level, e.Message)
		if len(e.Attrs) > 0 {
			keys := make([]string, 0, len(e.Attrs))
			for k := range e.Attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				line += fmt.Sprintf(" %s=%v", k, e.Attrs[k])
			}
		}
		fmt.Println(line)
		shown++
	}
	if shown == 0 {
		fmt.Println("No log entries.")
	}
	return nil
}

// formatUptime renders seconds as 1d2h3m4s, dropping leading zero units.
func formatUptime(seconds int) string {
	d := seconds / 86400
	h := (seconds % 86400) / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	switch {
	case d > 0:
		return fmt.Sprintf("%dd%dh%dm%ds", d, h, m, s)
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
