package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	duecallmcp "github.com/duecall/duecall/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP (Model Context Protocol) server",
	Long: `Start a Model Context Protocol server that exposes the DueCall API as
tools, resources, and prompts for AI coding assistants.

The MCP server connects to a running DueCall instance and lets assistants
submit jobs, check their status, and read scheduler statistics.

Stdio mode (for Claude Desktop / Claude Code):
  duecall mcp

With explicit server URL:
  duecall mcp --url http://localhost:8377

Configuration in Claude Desktop (claude_desktop_config.json):
  {
    "mcpServers": {
      "duecall": {
        "command": "duecall",
        "args": ["mcp", "--secret", "YOUR_SECRET"]
      }
    }
  }`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().String("url", "", "DueCall server URL (default http://127.0.0.1:8377)")
	mcpCmd.Flags().String("secret", "", "Internal API secret (or set DUECALL_INTERNAL_SECRET)")
}

func runMCP(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	secret, _ := cmd.Flags().GetString("secret")

	if baseURL == "" {
		baseURL = os.Getenv("DUECALL_URL")
	}
	if baseURL == "" {
		baseURL = defaultServerURL
	}
	if secret == "" {
		secret = os.Getenv("DUECALL_INTERNAL_SECRET")
	}

	srv := duecallmcp.NewServer(duecallmcp.Config{
		BaseURL: baseURL,
		Secret:  secret,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
